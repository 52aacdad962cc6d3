package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

const defaultLimitPerSec = 100

var _ RateLimiter = (*TokenBucket)(nil)

// TokenBucket is an in-process limiter with one bucket per topic.
type TokenBucket struct {
	mu          sync.Mutex
	limitPerSec int
	buckets     map[string]*rate.Limiter
}

func NewTokenBucket(limitPerSec int) *TokenBucket {
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}

	return &TokenBucket{
		limitPerSec: limitPerSec,
		buckets:     make(map[string]*rate.Limiter),
	}
}

func (b *TokenBucket) Allow(ctx context.Context, topic string) (bool, error) {
	limiter, err := b.bucket(topic)
	if err != nil {
		return false, err
	}
	return limiter.Allow(), nil
}

func (b *TokenBucket) Wait(ctx context.Context, topic string) error {
	limiter, err := b.bucket(topic)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return limiter.Wait(ctx)
}

func (b *TokenBucket) bucket(topic string) (*rate.Limiter, error) {
	key := strings.ToLower(strings.TrimSpace(topic))
	if key == "" {
		return nil, fmt.Errorf("topic is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	limiter, ok := b.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(b.limitPerSec), b.limitPerSec)
		b.buckets[key] = limiter
	}
	return limiter, nil
}
