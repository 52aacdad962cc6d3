package ratelimit

import "context"

// RateLimiter controls broadcast throughput per topic.
type RateLimiter interface {
	Allow(ctx context.Context, topic string) (bool, error)
	Wait(ctx context.Context, topic string) error
}
