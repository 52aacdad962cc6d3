package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	"go.uber.org/zap"
)

const defaultMemoryCapacity = 1024

var (
	_ Publisher = (*MemoryQueue)(nil)
	_ Consumer  = (*MemoryQueue)(nil)
)

// MemoryQueue is a bounded in-process queue set. Publish never blocks: a full queue
// rejects the message with domain.ErrQueueFull.
type MemoryQueue struct {
	mu       sync.Mutex
	queues   map[string]chan EventMessage
	capacity int
	closed   bool
	logger   *zap.Logger
}

func NewMemoryQueue(capacity int, logger *zap.Logger) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MemoryQueue{
		queues:   make(map[string]chan EventMessage),
		capacity: capacity,
		logger:   logger,
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, queue string, msg EventMessage) error {
	if err := validateQueueName(queue); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid event message: %w", err)
	}

	ch, err := q.queue(queue)
	if err != nil {
		return err
	}

	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", domain.ErrQueueFull, queue)
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if err := validateQueueName(queue); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	ch, err := q.queue(queue)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			if err := handler(ctx, msg); err != nil {
				q.requeue(ch, queue, msg, err)
			}
		}
	}
}

// Depth reports the number of buffered messages in queue.
func (q *MemoryQueue) Depth(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.queues[queue]
	if !ok {
		return 0
	}
	return len(ch)
}

// Close stops accepting publishes. Buffered messages stay readable by running consumers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) queue(name string) (chan EventMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, fmt.Errorf("%w: queue %s is closed", domain.ErrIntakeClosed, name)
	}

	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan EventMessage, q.capacity)
		q.queues[name] = ch
	}
	return ch, nil
}

func (q *MemoryQueue) requeue(ch chan EventMessage, queue string, msg EventMessage, cause error) {
	select {
	case ch <- msg:
	default:
		q.logger.Error("dropping message: handler failed and queue is full",
			zap.String("queue", queue),
			zap.String("eventId", msg.Event.ID),
			zap.Error(cause),
		)
	}
}
