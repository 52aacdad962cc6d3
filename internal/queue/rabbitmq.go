package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dlxExchangeName  = "alert-dispatch.dlx"
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
	connectTimeout   = 15 * time.Second
)

// RabbitMQ owns the broker connection shared by the publisher and consumer.
// The topology is declared each time a connection is established.
type RabbitMQ struct {
	url    string
	topics []string

	dialMu sync.Mutex
	mu     sync.RWMutex
	conn   *amqp.Connection
}

func NewRabbitMQ(url string, topics []string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if len(WorkQueueNames(topics)) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	r := &RabbitMQ{url: url, topics: topics}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if _, err := r.connection(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// Healthy reports whether the broker connection is open.
func (r *RabbitMQ) Healthy() bool {
	return r.live() != nil
}

// channel opens a channel, redialing once if the connection dropped underneath it.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}
	if ch, err := conn.Channel(); err == nil {
		return ch, nil
	}

	r.discard(conn)
	if conn, err = r.connection(ctx); err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	return ch, nil
}

func (r *RabbitMQ) live() *amqp.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn
}

func (r *RabbitMQ) discard(conn *amqp.Connection) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()

	if !conn.IsClosed() {
		_ = conn.Close()
	}
}

// connection returns the live connection, dialing with capped exponential
// backoff until ctx ends. Concurrent callers share one dial.
func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	if conn := r.live(); conn != nil {
		return conn, nil
	}

	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	if conn := r.live(); conn != nil {
		return conn, nil
	}

	wait := reconnectBackoff
	for {
		conn, err := amqp.Dial(r.url)
		if err == nil {
			if err := r.declare(conn); err != nil {
				_ = conn.Close()
				return nil, err
			}
			r.mu.Lock()
			r.conn = conn
			r.mu.Unlock()
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq dial canceled after %v: %w", err, ctx.Err())
		case <-time.After(wait):
		}
		wait = min(wait*2, maxBackoff)
	}
}

func (r *RabbitMQ) declare(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(dlxExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	for _, decl := range topology(r.topics) {
		if _, err := ch.QueueDeclare(decl.name, true, false, false, false, decl.args); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", decl.name, err)
		}
		if decl.bindKey == "" {
			continue
		}
		if err := ch.QueueBind(decl.name, decl.bindKey, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", decl.name, err)
		}
	}
	return nil
}

type queueDecl struct {
	name    string
	args    amqp.Table
	bindKey string
}

// topology lists, per distinct topic, the dead-letter queue bound to the DLX
// followed by the priority work queue that rejects into it.
func topology(topics []string) []queueDecl {
	keys := mapTopics(topics, func(topic string) string { return topic })
	decls := make([]queueDecl, 0, 2*len(keys))
	for _, key := range keys {
		decls = append(decls,
			queueDecl{name: DLQName(key), bindKey: key},
			queueDecl{name: QueueName(key), args: amqp.Table{
				"x-dead-letter-exchange":    dlxExchangeName,
				"x-dead-letter-routing-key": key,
				"x-max-priority":            queueMaxPriority,
			}},
		)
	}
	return decls
}
