package service

import (
	"math/rand"
	"time"
)

const (
	defaultBaseBackoff = time.Second
	defaultBackoffCap  = 60 * time.Second
	defaultMaxAttempts = 5
)

// BackoffPolicy computes exponential retry delays with additive jitter.
//
// For attempt N the delay lies in [min(Base*2^(N-1), Cap), Cap]. A positive hint from the
// transport raises the delay but never past Cap.
type BackoffPolicy struct {
	Base  time.Duration
	Cap   time.Duration
	int63 func(n int64) int64
}

func NewBackoffPolicy(base time.Duration, maxDelay time.Duration) BackoffPolicy {
	if base <= 0 {
		base = defaultBaseBackoff
	}
	if maxDelay <= 0 {
		maxDelay = defaultBackoffCap
	}
	if maxDelay < base {
		maxDelay = base
	}

	return BackoffPolicy{
		Base:  base,
		Cap:   maxDelay,
		int63: rand.Int63n,
	}
}

// Floor returns the deterministic part of the delay for attempt.
func (p BackoffPolicy) Floor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap
		}
	}

	if delay > p.Cap {
		delay = p.Cap
	}
	return delay
}

func (p BackoffPolicy) Delay(attempt int, hint time.Duration) time.Duration {
	delay := p.Floor(attempt)

	if headroom := p.Cap - delay; headroom > 0 && p.int63 != nil {
		jitter := p.Base
		if jitter > headroom {
			jitter = headroom
		}
		delay += time.Duration(p.int63(int64(jitter) + 1))
	}

	if hint > delay {
		delay = hint
	}
	if delay > p.Cap {
		delay = p.Cap
	}
	return delay
}
