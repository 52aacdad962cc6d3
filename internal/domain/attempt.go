package domain

import (
	"fmt"
	"strings"
	"time"
)

// AttemptOutcome is the classified result of a single delivery attempt.
type AttemptOutcome string

const (
	AttemptOutcomePending          AttemptOutcome = "pending"
	AttemptOutcomeSuccess          AttemptOutcome = "success"
	AttemptOutcomeTransientFailure AttemptOutcome = "transient_failure"
	AttemptOutcomePermanentFailure AttemptOutcome = "permanent_failure"
)

func (o AttemptOutcome) String() string { return string(o) }

func (o AttemptOutcome) IsValid() bool {
	switch o {
	case AttemptOutcomePending, AttemptOutcomeSuccess, AttemptOutcomeTransientFailure, AttemptOutcomePermanentFailure:
		return true
	}
	return false
}

func ParseAttemptOutcomeFromString(s string) (AttemptOutcome, error) {
	o := AttemptOutcome(strings.ToLower(strings.TrimSpace(s)))
	if !o.IsValid() {
		return "", fmt.Errorf("%w: invalid attempt outcome %q", ErrValidation, s)
	}
	return o, nil
}

// DeliveryAttempt records a single transport call for an event. It is written once.
type DeliveryAttempt struct {
	ID            string
	EventID       string
	AttemptNumber int
	StartedAt     time.Time
	Outcome       AttemptOutcome
	StatusCode    *int
	MessageID     *string
	ErrorDetail   *string
}
