package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTopic      = "alerts"
	DefaultAlertTitle = "Acil Durum Uyarısı"
	DefaultAlertBody  = "Acil durum uyarısı"

	AttributeType     = "type"
	AttributeReportID = "reportId"

	alertType = "alert"
)

// NotificationEvent is a normalized "record created" event to be broadcast to a topic.
// Values are treated as immutable once submitted; use Clone before mutating a copy.
type NotificationEvent struct {
	ID         string            `json:"id"`
	Topic      string            `json:"topic"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (e NotificationEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if strings.TrimSpace(e.Topic) == "" {
		return fmt.Errorf("%w: topic is required", ErrValidation)
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	return nil
}

func (e NotificationEvent) Clone() NotificationEvent {
	out := e
	if e.Attributes != nil {
		out.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// AlertRecord is the shape of a newly created alert document as seen by the record watcher.
type AlertRecord struct {
	ID       string `json:"alertId"`
	Message  string `json:"message"`
	ReportID string `json:"reportId"`
}

// NewAlertEvent maps an alert record onto the broadcast event for the alerts topic.
func NewAlertEvent(record AlertRecord, now time.Time) NotificationEvent {
	body := strings.TrimSpace(record.Message)
	if body == "" {
		body = DefaultAlertBody
	}

	attributes := map[string]string{AttributeType: alertType}
	if reportID := strings.TrimSpace(record.ReportID); reportID != "" {
		attributes[AttributeReportID] = reportID
	}

	return NotificationEvent{
		ID:         strings.TrimSpace(record.ID),
		Topic:      DefaultTopic,
		Title:      DefaultAlertTitle,
		Body:       body,
		Attributes: attributes,
		CreatedAt:  now.UTC(),
	}
}

// FanOutID derives the per-topic event id used when one logical event targets many topics.
func FanOutID(eventID string, topic string) string {
	return fmt.Sprintf("%s:%s", eventID, topic)
}

// EventState is the lifecycle state of a persisted event.
type EventState string

const (
	EventStatePending      EventState = "PENDING"
	EventStateInFlight     EventState = "IN_FLIGHT"
	EventStateRetrying     EventState = "RETRYING"
	EventStateSucceeded    EventState = "SUCCEEDED"
	EventStateDeadLettered EventState = "DEAD_LETTERED"
	EventStateCanceled     EventState = "CANCELED"
)

func (s EventState) String() string { return string(s) }

func (s EventState) IsValid() bool {
	switch s {
	case EventStatePending, EventStateInFlight, EventStateRetrying,
		EventStateSucceeded, EventStateDeadLettered, EventStateCanceled:
		return true
	}
	return false
}

func (s EventState) IsTerminal() bool {
	switch s {
	case EventStateSucceeded, EventStateDeadLettered, EventStateCanceled:
		return true
	}
	return false
}

func ParseEventStateFromString(s string) (EventState, error) {
	st := EventState(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid event state %q", ErrValidation, s)
	}
	return st, nil
}

// EventRecord is a persisted event together with its dispatch bookkeeping.
type EventRecord struct {
	Event        NotificationEvent
	State        EventState
	AttemptCount int
	// BudgetStart is the attempt count at which the current retry budget began.
	BudgetStart int
	NextRetryAt *time.Time
	CanceledAt  *time.Time
	UpdatedAt   time.Time
}

// BudgetAttempts is the number of attempts made within the current retry budget.
func (r EventRecord) BudgetAttempts() int {
	n := r.AttemptCount - r.BudgetStart
	if n < 0 {
		return 0
	}
	return n
}

func (r EventRecord) Canceled() bool {
	return r.CanceledAt != nil || r.State == EventStateCanceled
}
