package queue

import (
	"context"
	"fmt"
	"strings"
)

// Publisher publishes event messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg EventMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg EventMessage) error

// Consumer consumes event messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// queueMaxPriority is the RabbitMQ x-max-priority value for work queues.
	queueMaxPriority int32 = 2

	workQueuePrefix = "notify."
	dlqPrefix       = "dlq."
)

// QueueName returns the topic work queue name, e.g. notify.alerts.
func QueueName(topic string) string {
	return workQueuePrefix + normalizeTopic(topic)
}

// DLQName returns the dead-letter queue name for a topic, e.g. dlq.alerts.
func DLQName(topic string) string {
	return dlqPrefix + normalizeTopic(topic)
}

// WorkQueueNames returns one work queue per distinct topic.
func WorkQueueNames(topics []string) []string {
	return mapTopics(topics, QueueName)
}

// DLQNames returns one dead-letter queue per distinct topic.
func DLQNames(topics []string) []string {
	return mapTopics(topics, DLQName)
}

// PriorityValue maps the enqueue reason to RabbitMQ message priority.
// Fresh events overtake retries of older ones.
func PriorityValue(reason Reason) uint8 {
	switch reason {
	case ReasonSubmitted, ReasonReplay:
		return 2
	case ReasonRetry, ReasonRecovered:
		return 1
	default:
		return 0
	}
}

func mapTopics(topics []string, name func(string) string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, topic := range topics {
		normalized := normalizeTopic(topic)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, name(normalized))
	}
	return out
}

func normalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}

func validateQueueName(queue string) error {
	if strings.TrimSpace(queue) == "" {
		return fmt.Errorf("queue name is required")
	}
	return nil
}
