package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/alert-dispatch/internal/dedup"
	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	"github.com/kursadbilgin/alert-dispatch/internal/queue"
	"github.com/kursadbilgin/alert-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetryScanInterval = 5 * time.Second
	defaultRetryScanGrace    = 10 * time.Second
	defaultRetryScanLimit    = 100
)

// RetryScanner re-enqueues open events that lost their queue message or timer,
// for example because the process restarted with retries armed or messages
// still buffered. Overdue RETRYING events are picked up after grace; PENDING
// and IN_FLIGHT events once they have been untouched for staleAfter.
type RetryScanner struct {
	events     repository.EventRepository
	publisher  queue.Publisher
	logger     *zap.Logger
	interval   time.Duration
	grace      time.Duration
	staleAfter time.Duration
	limit      int
	now        func() time.Time
}

func NewRetryScanner(
	events repository.EventRepository,
	publisher queue.Publisher,
	interval time.Duration,
	grace time.Duration,
	staleAfter time.Duration,
	limit int,
	logger *zap.Logger,
) (*RetryScanner, error) {
	if events == nil {
		return nil, fmt.Errorf("event repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	if grace < 0 {
		grace = defaultRetryScanGrace
	}
	// a live claim must have lapsed before an IN_FLIGHT row counts as stranded
	if staleAfter <= 0 {
		staleAfter = grace + dedup.DefaultClaimLease
	}
	if limit <= 0 {
		limit = defaultRetryScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScanner{
		events:     events,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
		grace:      grace,
		staleAfter: staleAfter,
		limit:      limit,
		now:        time.Now,
	}, nil
}

func (s *RetryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so events orphaned by a restart do not wait for the first tick.
	if _, err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retry scanner scan failed", zap.Error(err))
			}
		}
	}
}

// scanDue returns the number of events re-enqueued.
func (s *RetryScanner) scanDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.events.GetStranded(ctx, now.Add(-s.grace), now.Add(-s.staleAfter), s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stranded events: %w", err)
	}

	recovered := 0
	for i := range due {
		record := due[i]
		if record.Canceled() {
			continue
		}

		msg := queue.EventMessage{
			Event:  record.Event,
			Reason: queue.ReasonRecovered,
		}

		queueName := queue.QueueName(record.Event.Topic)
		if err := s.publisher.Publish(ctx, queueName, msg); err != nil {
			s.logger.Error("failed to enqueue recovered event",
				zap.String("eventId", record.Event.ID),
				zap.String("state", record.State.String()),
				zap.String("queue", queueName),
				zap.Error(err),
			)
			continue
		}

		if err := s.events.MarkRequeued(ctx, record.Event.ID); err != nil {
			// the event moved on while it was being enqueued
			if !errors.Is(err, domain.ErrConflict) {
				s.logger.Error("failed to mark recovered event as requeued",
					zap.String("eventId", record.Event.ID),
					zap.Error(err),
				)
			}
			continue
		}

		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered stranded events", zap.Int("count", recovered))
	}

	return recovered, nil
}
