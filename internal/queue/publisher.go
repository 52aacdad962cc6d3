package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultPublishTimeout = 2 * time.Second

var _ Publisher = (*RabbitMQPublisher)(nil)

type RabbitMQPublisher struct {
	client         *RabbitMQ
	publishTimeout time.Duration
}

func NewRabbitMQPublisher(client *RabbitMQ, publishTimeout time.Duration) *RabbitMQPublisher {
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	return &RabbitMQPublisher{client: client, publishTimeout: publishTimeout}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg EventMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if err := validateQueueName(queue); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid event message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event message: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     msg.Event.ID,
		CorrelationId: msg.CorrelationID,
		Priority:      PriorityValue(msg.Reason),
		Type:          string(msg.Reason),
		Body:          payload,
	}

	return p.publish(ctx, queue, publishing)
}

// PublishDeadLetter mirrors a dead letter onto the topic's dead-letter queue.
func (p *RabbitMQPublisher) PublishDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	payload, err := json.Marshal(NewDeadLetterMessage(dl))
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    dl.DeadLetteredAt.UTC(),
		MessageId:    dl.ID,
		Type:         dl.Reason.String(),
		Body:         payload,
	}

	return p.publish(ctx, DLQName(dl.Event.Topic), publishing)
}

func (p *RabbitMQPublisher) publish(ctx context.Context, queue string, publishing amqp.Publishing) error {
	publishCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	ch, err := p.client.channel(publishCtx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.PublishWithContext(publishCtx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", queue, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
