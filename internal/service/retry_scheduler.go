package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	"github.com/kursadbilgin/alert-dispatch/internal/observability"
	"github.com/kursadbilgin/alert-dispatch/internal/queue"
	"github.com/kursadbilgin/alert-dispatch/internal/repository"
	"go.uber.org/zap"
)

type retryTimer interface {
	Stop() bool
}

type pendingRetry struct {
	timer retryTimer
}

// RetryScheduler owns retry timers and the dead-letter path.
//
// A retry is persisted as RETRYING with next_retry_at before its timer is armed, so a
// restarted process can recover it through RetryScanner.
type RetryScheduler struct {
	events      repository.EventRepository
	attempts    repository.AttemptRepository
	deadLetters repository.DeadLetterRepository
	sink        DeadLetterSink
	publisher   queue.Publisher
	policy      BackoffPolicy
	maxAttempts int
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	newID       func() string
	afterFunc   func(d time.Duration, f func()) retryTimer

	mu      sync.Mutex
	timers  map[string]*pendingRetry
	stopped bool
}

func NewRetryScheduler(
	events repository.EventRepository,
	attempts repository.AttemptRepository,
	deadLetters repository.DeadLetterRepository,
	sink DeadLetterSink,
	publisher queue.Publisher,
	policy BackoffPolicy,
	maxAttempts int,
	logger *zap.Logger,
) (*RetryScheduler, error) {
	if events == nil {
		return nil, fmt.Errorf("event repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("dead letter sink is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if policy.Base <= 0 || policy.Cap <= 0 {
		policy = NewBackoffPolicy(policy.Base, policy.Cap)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScheduler{
		events:      events,
		attempts:    attempts,
		deadLetters: deadLetters,
		sink:        sink,
		publisher:   publisher,
		policy:      policy,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
		afterFunc: func(d time.Duration, f func()) retryTimer {
			return time.AfterFunc(d, f)
		},
		timers: make(map[string]*pendingRetry),
	}, nil
}

func (s *RetryScheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Schedule arms a retry for a retryable outcome. It returns domain.ErrRetryBudgetExhausted
// once the current budget has used MaxAttempts attempts, and domain.ErrConflict when the
// event was closed while the attempt was in flight.
func (s *RetryScheduler) Schedule(ctx context.Context, event domain.NotificationEvent, outcome Outcome) (time.Duration, error) {
	if outcome.BudgetAttempts >= s.maxAttempts {
		return 0, fmt.Errorf("%w: %d attempts for event %s", domain.ErrRetryBudgetExhausted, outcome.BudgetAttempts, event.ID)
	}

	delay := s.policy.Delay(max(outcome.AttemptNumber, 1), outcome.RetryAfter)

	// without an attempt the event never left its previous state, so only the timer is armed
	if outcome.AttemptNumber > 0 {
		if err := s.events.MarkRetrying(ctx, event.ID, s.now().Add(delay)); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
				return 0, err
			}
			s.logger.Error("failed to persist retry, arming timer only",
				zap.String("eventId", event.ID),
				zap.Error(err),
			)
		}
	}

	if !s.arm(event, delay) {
		return 0, fmt.Errorf("%w: retry scheduler stopped", domain.ErrIntakeClosed)
	}

	if s.metrics != nil {
		s.metrics.IncRetryScheduled(event.Topic)
	}
	s.logger.Info("retry scheduled",
		zap.String("eventId", event.ID),
		zap.String("topic", event.Topic),
		zap.Int("attempt", outcome.AttemptNumber),
		zap.Duration("delay", delay),
	)

	return delay, nil
}

// DeadLetter appends the event to the dead-letter sink, which closes it in the
// same write. When the sink fails the event keeps its state and stays
// recoverable.
func (s *RetryScheduler) DeadLetter(
	ctx context.Context,
	event domain.NotificationEvent,
	reason domain.DeadLetterReason,
	finalErr error,
) (*domain.DeadLetter, error) {
	s.Cancel(event.ID)

	attempts, err := s.attempts.GetByEventID(ctx, event.ID)
	if err != nil {
		s.logger.Error("failed to load attempts for dead letter",
			zap.String("eventId", event.ID),
			zap.Error(err),
		)
	}

	finalError := ""
	if finalErr != nil {
		finalError = finalErr.Error()
	}

	dl := &domain.DeadLetter{
		ID:             s.newID(),
		Event:          event,
		Attempts:       attempts,
		Reason:         reason,
		FinalError:     finalError,
		DeadLetteredAt: s.now().UTC(),
	}
	if err := s.sink.Append(ctx, dl); err != nil {
		return nil, fmt.Errorf("failed to append dead letter for event %s: %w", event.ID, err)
	}

	if s.metrics != nil {
		s.metrics.IncDeadLettered(event.Topic, reason.String())
	}
	s.logger.Warn("event dead-lettered",
		zap.String("eventId", event.ID),
		zap.String("topic", event.Topic),
		zap.String("reason", reason.String()),
		zap.Int("attempts", len(attempts)),
		zap.String("finalError", finalError),
	)

	return dl, nil
}

// Replay reopens a dead-lettered event with a fresh retry budget and re-enqueues it.
func (s *RetryScheduler) Replay(ctx context.Context, deadLetterID string) (*domain.EventRecord, error) {
	if s.deadLetters == nil {
		return nil, fmt.Errorf("dead letter repository is not configured")
	}

	dl, err := s.deadLetters.GetByID(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	if dl.ReplayedAt != nil {
		return nil, fmt.Errorf("%w: dead letter %s was already replayed", domain.ErrConflict, deadLetterID)
	}

	record, err := s.events.ResetForReplay(ctx, dl.Event.ID)
	if err != nil {
		return nil, err
	}

	msg := queue.EventMessage{Event: record.Event, Reason: queue.ReasonReplay}
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		msg.CorrelationID = correlationID
	}
	// the dead letter stays unstamped until the event is back on a queue
	if err := s.publisher.Publish(ctx, queue.QueueName(record.Event.Topic), msg); err != nil {
		return nil, fmt.Errorf("failed to enqueue replayed event: %w", err)
	}

	if err := s.deadLetters.MarkReplayed(ctx, dl.ID, s.now()); err != nil {
		s.logger.Error("failed to stamp dead letter as replayed",
			zap.String("deadLetterId", dl.ID),
			zap.Error(err),
		)
	}

	s.logger.Info("dead letter replayed",
		zap.String("deadLetterId", dl.ID),
		zap.String("eventId", record.Event.ID),
	)

	return record, nil
}

// Cancel stops a pending retry timer. It reports whether a timer was pending.
func (s *RetryScheduler) Cancel(eventID string) bool {
	s.mu.Lock()
	entry, ok := s.timers[eventID]
	if ok {
		delete(s.timers, eventID)
	}
	pending := len(s.timers)
	s.mu.Unlock()

	if ok {
		entry.timer.Stop()
		if s.metrics != nil {
			s.metrics.SetPendingRetries(pending)
		}
	}
	return ok
}

// Pending reports the number of armed retry timers.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}

// Stop disarms every timer. Persisted retries are picked up by RetryScanner after restart.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	timers := s.timers
	s.timers = make(map[string]*pendingRetry)
	s.mu.Unlock()

	for _, entry := range timers {
		entry.timer.Stop()
	}
	if s.metrics != nil {
		s.metrics.SetPendingRetries(0)
	}
}

func (s *RetryScheduler) arm(event domain.NotificationEvent, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	if existing, ok := s.timers[event.ID]; ok {
		existing.timer.Stop()
	}

	entry := &pendingRetry{}
	entry.timer = s.afterFunc(delay, func() {
		s.fire(event, entry)
	})
	s.timers[event.ID] = entry

	if s.metrics != nil {
		s.metrics.SetPendingRetries(len(s.timers))
	}
	return true
}

func (s *RetryScheduler) fire(event domain.NotificationEvent, entry *pendingRetry) {
	s.mu.Lock()
	current, ok := s.timers[event.ID]
	if !ok || current != entry || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, event.ID)
	pending := len(s.timers)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetPendingRetries(pending)
	}

	ctx := context.Background()
	logger := s.logger.With(zap.String("eventId", event.ID), zap.String("topic", event.Topic))

	record, err := s.events.GetByID(ctx, event.ID)
	if err == nil && record.Canceled() {
		logger.Info("retry skipped for canceled event")
		return
	}

	queueName := queue.QueueName(event.Topic)
	if err := s.publisher.Publish(ctx, queueName, queue.EventMessage{Event: event, Reason: queue.ReasonRetry}); err != nil {
		logger.Error("failed to enqueue retry, leaving it to the retry scanner",
			zap.String("queue", queueName),
			zap.Error(err),
		)
		return
	}

	if err := s.events.MarkRequeued(ctx, event.ID); err != nil && !errors.Is(err, domain.ErrConflict) {
		logger.Error("failed to mark retry as requeued", zap.Error(err))
	}
}
