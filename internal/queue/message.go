package queue

import (
	"fmt"
	"time"

	"github.com/kursadbilgin/alert-dispatch/internal/domain"
)

// Reason tells the worker why an event is (re)entering the work queue.
type Reason string

const (
	ReasonSubmitted Reason = "submitted"
	ReasonRetry     Reason = "retry"
	ReasonReplay    Reason = "replay"
	ReasonRecovered Reason = "recovered"
)

func (r Reason) IsValid() bool {
	switch r {
	case ReasonSubmitted, ReasonRetry, ReasonReplay, ReasonRecovered:
		return true
	}
	return false
}

// EventMessage is the broker payload for event dispatch.
type EventMessage struct {
	Event         domain.NotificationEvent `json:"event"`
	Reason        Reason                   `json:"reason"`
	CorrelationID string                   `json:"correlationId,omitempty"`
}

func (m EventMessage) Validate() error {
	if err := m.Event.Validate(); err != nil {
		return err
	}
	if !m.Reason.IsValid() {
		return fmt.Errorf("invalid reason %q", m.Reason)
	}
	return nil
}

// DeadLetterMessage is the payload mirrored to a topic's dead-letter queue.
type DeadLetterMessage struct {
	DeadLetterID   string                   `json:"deadLetterId"`
	Event          domain.NotificationEvent `json:"event"`
	Reason         string                   `json:"reason"`
	Attempts       int                      `json:"attempts"`
	FinalError     string                   `json:"finalError"`
	DeadLetteredAt time.Time                `json:"deadLetteredAt"`
}

func NewDeadLetterMessage(dl domain.DeadLetter) DeadLetterMessage {
	return DeadLetterMessage{
		DeadLetterID:   dl.ID,
		Event:          dl.Event,
		Reason:         dl.Reason.String(),
		Attempts:       len(dl.Attempts),
		FinalError:     dl.FinalError,
		DeadLetteredAt: dl.DeadLetteredAt,
	}
}
