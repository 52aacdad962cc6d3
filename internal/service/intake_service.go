package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	"github.com/kursadbilgin/alert-dispatch/internal/observability"
	"github.com/kursadbilgin/alert-dispatch/internal/queue"
	"github.com/kursadbilgin/alert-dispatch/internal/repository"
	"go.uber.org/zap"
)

const maxFanOutTopics = 50

// RetryCanceler stops pending retries for an event.
type RetryCanceler interface {
	Cancel(eventID string) bool
}

// FanOutResult is the per-topic result of FanOut. Err is nil when the derived event was accepted.
type FanOutResult struct {
	Topic   string
	EventID string
	Err     error
}

// EventDetails is an event record together with its delivery attempts.
type EventDetails struct {
	Record   domain.EventRecord
	Attempts []domain.DeliveryAttempt
}

// IntakeService validates and enqueues events. It never waits on delivery.
type IntakeService struct {
	events    repository.EventRepository
	attempts  repository.AttemptRepository
	publisher queue.Publisher
	retries   RetryCanceler
	topics    map[string]struct{}
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	closed    atomic.Bool
}

func NewIntakeService(
	events repository.EventRepository,
	attempts repository.AttemptRepository,
	publisher queue.Publisher,
	retries RetryCanceler,
	topics []string,
	logger *zap.Logger,
) (*IntakeService, error) {
	if events == nil {
		return nil, fmt.Errorf("event repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	allowed := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		if trimmed := strings.TrimSpace(topic); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("at least one allowed topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IntakeService{
		events:    events,
		attempts:  attempts,
		publisher: publisher,
		retries:   retries,
		topics:    allowed,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *IntakeService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Submit accepts event for asynchronous delivery. A nil error means Accepted.
func (s *IntakeService) Submit(ctx context.Context, event domain.NotificationEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}

	err := s.submit(ctx, &event)
	if s.metrics != nil {
		result := "accepted"
		if err != nil {
			result = "rejected"
		}
		s.metrics.IncEventSubmitted(event.Topic, result)
	}
	return err
}

// SubmitAlert maps a newly created alert record onto the alerts topic and submits it.
func (s *IntakeService) SubmitAlert(ctx context.Context, record domain.AlertRecord) (domain.NotificationEvent, error) {
	event := domain.NewAlertEvent(record, s.now())
	if err := s.Submit(ctx, event); err != nil {
		return event, err
	}
	return event, nil
}

// FanOut submits one derived event per topic. Each derived event has its own id, so
// deduplication and retries are tracked per topic.
func (s *IntakeService) FanOut(ctx context.Context, event domain.NotificationEvent, topics []string) ([]FanOutResult, error) {
	if strings.TrimSpace(event.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", domain.ErrValidation)
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: at least one topic is required", domain.ErrValidation)
	}
	if len(topics) > maxFanOutTopics {
		return nil, fmt.Errorf("%w: fan-out exceeds %d topics", domain.ErrValidation, maxFanOutTopics)
	}

	seen := make(map[string]struct{}, len(topics))
	results := make([]FanOutResult, 0, len(topics))
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}

		derived := event.Clone()
		derived.ID = domain.FanOutID(event.ID, topic)
		derived.Topic = topic

		results = append(results, FanOutResult{
			Topic:   topic,
			EventID: derived.ID,
			Err:     s.Submit(ctx, derived),
		})
	}

	return results, nil
}

// Cancel closes an event and disarms its pending retry. An in-flight transport call is
// not interrupted.
func (s *IntakeService) Cancel(ctx context.Context, eventID string) (*domain.EventRecord, error) {
	record, err := s.events.Cancel(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if s.retries != nil {
		s.retries.Cancel(eventID)
	}

	s.logger.Info("event canceled", zap.String("eventId", eventID))
	return record, nil
}

func (s *IntakeService) GetEvent(ctx context.Context, eventID string) (*EventDetails, error) {
	record, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	details := &EventDetails{Record: *record}
	if s.attempts != nil {
		attempts, err := s.attempts.GetByEventID(ctx, eventID)
		if err != nil {
			return nil, fmt.Errorf("failed to load attempts: %w", err)
		}
		details.Attempts = attempts
	}
	return details, nil
}

func (s *IntakeService) ListEvents(ctx context.Context, params repository.ListParams) ([]domain.EventRecord, int64, error) {
	return s.events.List(ctx, params)
}

// Close makes further submissions fail with domain.ErrIntakeClosed.
func (s *IntakeService) Close() {
	s.closed.Store(true)
}

func (s *IntakeService) submit(ctx context.Context, event *domain.NotificationEvent) error {
	if s.closed.Load() {
		return domain.ErrIntakeClosed
	}

	event.ID = strings.TrimSpace(event.ID)
	event.Topic = strings.TrimSpace(event.Topic)
	if err := event.Validate(); err != nil {
		return err
	}
	if _, ok := s.topics[event.Topic]; !ok {
		return fmt.Errorf("%w: topic %q is not allowed", domain.ErrValidation, event.Topic)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("eventId", event.ID),
		zap.String("topic", event.Topic),
	)

	created, err := s.events.CreateIfAbsent(ctx, *event)
	if err != nil {
		logger.Error("failed to persist event", zap.Error(err))
		return fmt.Errorf("failed to persist event: %w", err)
	}

	msg := queue.EventMessage{Event: *event, Reason: queue.ReasonSubmitted}
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		msg.CorrelationID = correlationID
	}

	if err := s.publisher.Publish(ctx, queue.QueueName(event.Topic), msg); err != nil {
		logger.Warn("failed to enqueue event", zap.Error(err))
		if errors.Is(err, domain.ErrQueueFull) || errors.Is(err, domain.ErrIntakeClosed) {
			return err
		}
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	logger.Debug("event accepted", zap.Bool("created", created))
	return nil
}
