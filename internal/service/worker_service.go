package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	"github.com/kursadbilgin/alert-dispatch/internal/observability"
	"github.com/kursadbilgin/alert-dispatch/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// EventDispatcher performs one delivery attempt.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event domain.NotificationEvent) Outcome
}

// RetryRouter receives non-terminal dispatch outcomes.
type RetryRouter interface {
	Schedule(ctx context.Context, event domain.NotificationEvent, outcome Outcome) (time.Duration, error)
	DeadLetter(ctx context.Context, event domain.NotificationEvent, reason domain.DeadLetterReason, finalErr error) (*domain.DeadLetter, error)
}

type WorkerService struct {
	consumer    queue.Consumer
	dispatcher  EventDispatcher
	retries     RetryRouter
	queueNames  []string
	concurrency int
	logger      *zap.Logger
}

func NewWorkerService(
	consumer queue.Consumer,
	dispatcher EventDispatcher,
	retries RetryRouter,
	topics []string,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if retries == nil {
		return nil, fmt.Errorf("retry router is required")
	}

	queueNames := queue.WorkQueueNames(topics)
	if len(queueNames) == 0 {
		return nil, fmt.Errorf("no work queues configured")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	// every queue needs at least one consumer
	if concurrency < len(queueNames) {
		concurrency = len(queueNames)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		consumer:    consumer,
		dispatcher:  dispatcher,
		retries:     retries,
		queueNames:  queueNames,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Start consumes topic queues and dispatches events until context cancellation.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		queueName := s.queueNames[i%len(s.queueNames)]
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := s.consumer.Consume(groupCtx, queueName, s.processMessage)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// processMessage never fails: every outcome is terminal, scheduled or dead-lettered.
func (s *WorkerService) processMessage(ctx context.Context, msg queue.EventMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}

	event := msg.Event
	outcome := s.dispatcher.Dispatch(ctx, event)

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("eventId", event.ID),
		zap.String("topic", event.Topic),
		zap.String("reason", string(msg.Reason)),
		zap.String("outcome", outcome.Kind.String()),
	)

	// bookkeeping for an attempt that already happened must not be lost on shutdown
	storeCtx := context.WithoutCancel(ctx)

	switch outcome.Kind {
	case OutcomeRetryable:
		_, err := s.retries.Schedule(storeCtx, event, outcome)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrRetryBudgetExhausted):
			s.deadLetter(storeCtx, logger, event, domain.DeadLetterReasonRetryExhausted, outcome.Err)
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
			logger.Info("retry suppressed, event was closed during the attempt")
		default:
			logger.Error("failed to schedule retry", zap.Error(err))
		}
	case OutcomePermanent:
		s.deadLetter(storeCtx, logger, event, domain.DeadLetterReasonPermanentFailure, outcome.Err)
	}

	return nil
}

func (s *WorkerService) deadLetter(
	ctx context.Context,
	logger *zap.Logger,
	event domain.NotificationEvent,
	reason domain.DeadLetterReason,
	finalErr error,
) {
	if _, err := s.retries.DeadLetter(ctx, event, reason, finalErr); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Info("dead letter suppressed, event was closed during the attempt")
			return
		}
		logger.Error("failed to dead-letter event, leaving it to the retry scanner", zap.Error(err))
	}
}
