package domain

import "time"

// IdempotencyRecord marks an event id as delivered until ExpiresAt.
type IdempotencyRecord struct {
	EventID     string
	FirstSeenAt time.Time
	ExpiresAt   time.Time
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
