package domain

import "time"

// DeadLetterReason explains why an event left the retry loop.
type DeadLetterReason string

const (
	DeadLetterReasonPermanentFailure DeadLetterReason = "permanent_failure"
	DeadLetterReasonRetryExhausted   DeadLetterReason = "retry_exhausted"
)

func (r DeadLetterReason) String() string { return string(r) }

// DeadLetter is an append-only record of an event that could not be delivered.
type DeadLetter struct {
	ID             string
	Event          NotificationEvent
	Attempts       []DeliveryAttempt
	Reason         DeadLetterReason
	FinalError     string
	DeadLetteredAt time.Time
	ReplayedAt     *time.Time
}
