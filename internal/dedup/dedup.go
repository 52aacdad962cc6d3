package dedup

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultTTL is how long a delivered event id stays suppressed.
	DefaultTTL = 24 * time.Hour
	// DefaultClaimLease bounds how long an in-flight claim blocks other dispatchers.
	DefaultClaimLease = 30 * time.Second
)

// ErrStoreFull is returned when a bounded store has no room for a new claim.
var ErrStoreFull = errors.New("dedup store is full")

// Deduplicator guards against dispatching the same event id twice.
//
// ShouldDispatch atomically claims the id. Callers must follow a successful claim with
// MarkSeen after a confirmed delivery or Release after a failed one.
type Deduplicator interface {
	ShouldDispatch(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string, ttl time.Duration) error
	Release(ctx context.Context, eventID string) error
}

// ClaimLease returns the claim lease for a dispatch timeout.
func ClaimLease(dispatchTimeout time.Duration) time.Duration {
	if dispatchTimeout <= 0 {
		return DefaultClaimLease
	}
	return dispatchTimeout + dispatchTimeout/2 + 5*time.Second
}
