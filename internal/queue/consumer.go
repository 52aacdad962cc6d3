package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var _ Consumer = (*RabbitMQConsumer)(nil)

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if err := validateQueueName(queue); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		c.logger.Warn("consumer disconnected, retrying",
			zap.String("queue", queue),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, err := decodeDelivery(d)
	if err != nil {
		c.logger.Warn("dropping undecodable delivery",
			zap.String("messageId", d.MessageId),
			zap.String("routingKey", d.RoutingKey),
			zap.Error(err),
		)
		if rejectErr := d.Reject(false); rejectErr != nil {
			return fmt.Errorf("failed to reject delivery %q: %w", d.MessageId, rejectErr)
		}
		return nil
	}

	if handlerErr := handler(ctx, msg); handlerErr != nil {
		// A second failure goes to the topic's dead-letter exchange instead of looping.
		requeue := !d.Redelivered
		c.logger.Warn("handler failed for delivery",
			zap.String("eventId", msg.Event.ID),
			zap.String("reason", string(msg.Reason)),
			zap.Bool("requeue", requeue),
			zap.Error(handlerErr),
		)
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			return fmt.Errorf("failed to nack delivery for event %q: %w", msg.Event.ID, nackErr)
		}
		return nil
	}

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery for event %q: %w", msg.Event.ID, err)
	}
	return nil
}

func decodeDelivery(d amqp.Delivery) (EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return EventMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = d.CorrelationId
	}
	if msg.Reason == "" {
		msg.Reason = Reason(d.Type)
	}
	if err := msg.Validate(); err != nil {
		return EventMessage{}, err
	}
	return msg, nil
}

// Close is a no-op; the shared connection is owned by whoever created the RabbitMQ client.
func (c *RabbitMQConsumer) Close() error {
	return nil
}
