package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/alert-dispatch/internal/dedup"
	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	"github.com/kursadbilgin/alert-dispatch/internal/observability"
	"github.com/kursadbilgin/alert-dispatch/internal/provider"
	"github.com/kursadbilgin/alert-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/alert-dispatch/internal/repository"
	"go.uber.org/zap"
)

const defaultDispatchTimeout = 10 * time.Second

// OutcomeKind is the classified result of one dispatcher invocation.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeDuplicate
	OutcomeRetryable
	OutcomePermanent
	OutcomeCanceled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRetryable:
		return "retryable_failure"
	case OutcomePermanent:
		return "permanent_failure"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Outcome describes what a dispatch did. AttemptNumber is zero when no transport call was made.
type Outcome struct {
	Kind           OutcomeKind
	AttemptNumber  int
	BudgetAttempts int
	MessageID      string
	RetryAfter     time.Duration
	Err            error
}

// Dispatcher performs a single delivery attempt for an event.
type Dispatcher struct {
	dedup       dedup.Deduplicator
	events      repository.EventRepository
	attempts    repository.AttemptRepository
	provider    provider.Provider
	rateLimiter ratelimit.RateLimiter
	timeout     time.Duration
	dedupTTL    time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	newID       func() string
}

func NewDispatcher(
	deduplicator dedup.Deduplicator,
	events repository.EventRepository,
	attempts repository.AttemptRepository,
	pushProvider provider.Provider,
	rateLimiter ratelimit.RateLimiter,
	timeout time.Duration,
	dedupTTL time.Duration,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if deduplicator == nil {
		return nil, fmt.Errorf("deduplicator is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if pushProvider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	if dedupTTL <= 0 {
		dedupTTL = dedup.DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		dedup:       deduplicator,
		events:      events,
		attempts:    attempts,
		provider:    pushProvider,
		rateLimiter: rateLimiter,
		timeout:     timeout,
		dedupTTL:    dedupTTL,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Dispatch claims, sends and records one attempt for event. It never returns an error:
// infrastructure failures are reported as OutcomeRetryable.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.NotificationEvent) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}

	outcome := d.dispatch(ctx, event)
	if d.metrics != nil {
		d.metrics.IncDispatchOutcome(event.Topic, outcome.Kind.String())
	}
	return outcome
}

func (d *Dispatcher) dispatch(ctx context.Context, event domain.NotificationEvent) Outcome {
	logger := observability.WithContextLogger(d.logger, ctx).With(
		zap.String("eventId", event.ID),
		zap.String("topic", event.Topic),
	)

	claimed, err := d.dedup.ShouldDispatch(ctx, event.ID)
	if err != nil {
		logger.Error("dedup check failed", zap.Error(err))
		return Outcome{Kind: OutcomeRetryable, Err: fmt.Errorf("dedup check: %w", err)}
	}
	if !claimed {
		logger.Debug("duplicate event skipped")
		return Outcome{Kind: OutcomeDuplicate, Err: domain.ErrDuplicateEvent}
	}

	// bookkeeping after this point must survive shutdown cancellation
	storeCtx := context.WithoutCancel(ctx)

	if d.rateLimiter != nil {
		if err := d.rateLimiter.Wait(ctx, event.Topic); err != nil {
			d.release(storeCtx, logger, event.ID)
			return Outcome{Kind: OutcomeRetryable, Err: fmt.Errorf("rate limiter wait failed: %w", err)}
		}
	}

	record, err := d.events.BeginAttempt(storeCtx, event)
	if err != nil {
		d.release(storeCtx, logger, event.ID)
		if errors.Is(err, domain.ErrConflict) && record != nil {
			if record.State == domain.EventStateSucceeded {
				return Outcome{Kind: OutcomeDuplicate, Err: domain.ErrDuplicateEvent}
			}
			logger.Info("event is closed, skipping dispatch", zap.String("state", record.State.String()))
			return Outcome{Kind: OutcomeCanceled, Err: err}
		}
		logger.Error("failed to begin attempt", zap.Error(err))
		return Outcome{Kind: OutcomeRetryable, Err: fmt.Errorf("begin attempt: %w", err)}
	}

	attemptNumber := record.AttemptCount
	budgetAttempts := record.BudgetAttempts()
	logger = logger.With(zap.Int("attempt", attemptNumber))

	msg := provider.NewPushMessage(event)

	if d.metrics != nil {
		d.metrics.IncDispatchInFlight(event.Topic)
	}
	startedAt := d.now().UTC()
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	resp, sendErr := d.provider.Send(sendCtx, msg)
	cancel()
	if d.metrics != nil {
		d.metrics.DecDispatchInFlight(event.Topic)
		d.metrics.ObserveTransportSendDuration(event.Topic, d.now().Sub(startedAt))
	}

	if sendErr != nil && ctx.Err() != nil {
		// shutdown interrupted the call; the event must stay retryable
		sendErr = &provider.ProviderError{
			Message:   "dispatch interrupted",
			Transient: true,
			Cause:     sendErr,
		}
	}

	attemptOutcome := provider.Classify(sendErr)
	attempt := d.newAttempt(event.ID, attemptNumber, startedAt, attemptOutcome, resp, sendErr)

	if attemptOutcome == domain.AttemptOutcomeSuccess {
		if err := d.dedup.MarkSeen(storeCtx, event.ID, d.dedupTTL); err != nil {
			logger.Error("failed to mark event as seen", zap.Error(err))
		}
		if err := d.attempts.Create(storeCtx, attempt); err != nil {
			logger.Error("failed to record successful attempt", zap.Error(err))
		}
		if err := d.events.MarkSucceeded(storeCtx, event.ID); err != nil {
			logger.Error("failed to mark event as succeeded", zap.Error(err))
		}

		messageID := ""
		if resp != nil {
			messageID = resp.MessageID
		}
		logger.Info("event delivered", zap.String("messageId", messageID))
		return Outcome{
			Kind:           OutcomeSuccess,
			AttemptNumber:  attemptNumber,
			BudgetAttempts: budgetAttempts,
			MessageID:      messageID,
		}
	}

	if err := d.attempts.Create(storeCtx, attempt); err != nil {
		logger.Error("failed to record failed attempt", zap.Error(err))
	}
	d.release(storeCtx, logger, event.ID)

	if attemptOutcome == domain.AttemptOutcomeTransientFailure {
		logger.Warn("transient delivery failure", zap.Error(sendErr))
		return Outcome{
			Kind:           OutcomeRetryable,
			AttemptNumber:  attemptNumber,
			BudgetAttempts: budgetAttempts,
			RetryAfter:     provider.RetryAfterHint(sendErr),
			Err:            sendErr,
		}
	}

	logger.Warn("permanent delivery failure", zap.Error(sendErr))
	return Outcome{
		Kind:           OutcomePermanent,
		AttemptNumber:  attemptNumber,
		BudgetAttempts: budgetAttempts,
		Err:            sendErr,
	}
}

func (d *Dispatcher) release(ctx context.Context, logger *zap.Logger, eventID string) {
	if err := d.dedup.Release(ctx, eventID); err != nil {
		logger.Error("failed to release dedup claim", zap.Error(err))
	}
}

func (d *Dispatcher) newAttempt(
	eventID string,
	attemptNumber int,
	startedAt time.Time,
	outcome domain.AttemptOutcome,
	resp *provider.ProviderResponse,
	sendErr error,
) *domain.DeliveryAttempt {
	var statusCode *int
	var messageID *string
	var errorDetail *string

	if resp != nil {
		if resp.StatusCode > 0 {
			value := resp.StatusCode
			statusCode = &value
		}
		if id := strings.TrimSpace(resp.MessageID); id != "" {
			messageID = &id
		}
	}

	if sendErr != nil {
		value := sendErr.Error()
		errorDetail = &value

		var providerErr *provider.ProviderError
		if errors.As(sendErr, &providerErr) && providerErr.StatusCode > 0 && statusCode == nil {
			value := providerErr.StatusCode
			statusCode = &value
		}
	}

	return &domain.DeliveryAttempt{
		ID:            d.newID(),
		EventID:       eventID,
		AttemptNumber: attemptNumber,
		StartedAt:     startedAt,
		Outcome:       outcome,
		StatusCode:    statusCode,
		MessageID:     messageID,
		ErrorDetail:   errorDetail,
	}
}
