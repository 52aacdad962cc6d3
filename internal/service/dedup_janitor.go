package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultDedupJanitorInterval = time.Minute

// Pruner drops expired idempotency entries and reports how many were removed.
type Pruner interface {
	Prune(now time.Time) int
}

// DedupJanitor periodically garbage-collects an in-process deduplicator.
type DedupJanitor struct {
	pruner   Pruner
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

func NewDedupJanitor(pruner Pruner, interval time.Duration, logger *zap.Logger) (*DedupJanitor, error) {
	if pruner == nil {
		return nil, fmt.Errorf("pruner is required")
	}
	if interval <= 0 {
		interval = defaultDedupJanitorInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DedupJanitor{
		pruner:   pruner,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}, nil
}

func (j *DedupJanitor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *DedupJanitor) sweep() int {
	removed := j.pruner.Prune(j.now())
	if removed > 0 {
		j.logger.Debug("pruned expired dedup entries", zap.Int("count", removed))
	}
	return removed
}
