package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultBreakerFailures    = 5
	defaultBreakerOpenTimeout = 30 * time.Second
)

// BreakerProvider short-circuits sends while the downstream push backend is failing.
// Only transient failures count against the breaker.
type BreakerProvider struct {
	next        Provider
	cb          *gobreaker.CircuitBreaker
	openTimeout time.Duration
}

func NewBreakerProvider(next Provider, failures int, openTimeout time.Duration) *BreakerProvider {
	if failures <= 0 {
		failures = defaultBreakerFailures
	}
	if openTimeout <= 0 {
		openTimeout = defaultBreakerOpenTimeout
	}

	threshold := uint32(failures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "push-provider",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	})

	return &BreakerProvider{
		next:        next,
		cb:          cb,
		openTimeout: openTimeout,
	}
}

func (p *BreakerProvider) Send(ctx context.Context, msg PushMessage) (*ProviderResponse, error) {
	result, err := p.cb.Execute(func() (interface{}, error) {
		return p.next.Send(ctx, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ProviderError{
				Message:    "push provider circuit open",
				Transient:  true,
				RetryAfter: p.openTimeout,
				Cause:      err,
			}
		}
		return nil, err
	}

	resp, _ := result.(*ProviderResponse)
	return resp, nil
}

func (p *BreakerProvider) State() gobreaker.State {
	return p.cb.State()
}
