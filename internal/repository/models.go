package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/alert-dispatch/internal/domain"
)

// EventModel is the persistence model for the events table.
type EventModel struct {
	ID           string            `gorm:"type:varchar(255);primaryKey"`
	Topic        string            `gorm:"type:varchar(100);not null"`
	Title        string            `gorm:"type:text;not null;default:''"`
	Body         string            `gorm:"type:text;not null"`
	Attributes   []byte            `gorm:"type:jsonb"`
	State        domain.EventState `gorm:"type:varchar(20);not null"`
	AttemptCount int               `gorm:"not null;default:0"`
	BudgetStart  int               `gorm:"not null;default:0"`
	NextRetryAt  *time.Time
	CanceledAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (EventModel) TableName() string {
	return "events"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID            string                `gorm:"type:uuid;primaryKey"`
	EventID       string                `gorm:"type:varchar(255);not null"`
	AttemptNumber int                   `gorm:"not null"`
	StartedAt     time.Time             `gorm:"not null"`
	Outcome       domain.AttemptOutcome `gorm:"type:varchar(20);not null"`
	StatusCode    *int                  `gorm:"type:int"`
	MessageID     *string               `gorm:"type:varchar(255)"`
	ErrorDetail   *string               `gorm:"type:text"`
	CreatedAt     time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// DeadLetterModel is the persistence model for dead_letters. Event and attempts are
// snapshots taken when the event left the retry loop.
type DeadLetterModel struct {
	ID             string                  `gorm:"type:uuid;primaryKey"`
	EventID        string                  `gorm:"type:varchar(255);not null"`
	Topic          string                  `gorm:"type:varchar(100);not null"`
	Event          []byte                  `gorm:"type:jsonb;not null"`
	Attempts       []byte                  `gorm:"type:jsonb;not null"`
	Reason         domain.DeadLetterReason `gorm:"type:varchar(30);not null"`
	FinalError     string                  `gorm:"type:text;not null;default:''"`
	DeadLetteredAt time.Time               `gorm:"not null"`
	ReplayedAt     *time.Time
}

func (DeadLetterModel) TableName() string {
	return "dead_letters"
}

func eventModelFromDomain(e domain.NotificationEvent) (*EventModel, error) {
	var attributes []byte
	if len(e.Attributes) > 0 {
		encoded, err := json.Marshal(e.Attributes)
		if err != nil {
			return nil, fmt.Errorf("failed to encode attributes: %w", err)
		}
		attributes = encoded
	}

	return &EventModel{
		ID:         e.ID,
		Topic:      e.Topic,
		Title:      e.Title,
		Body:       e.Body,
		Attributes: attributes,
		State:      domain.EventStatePending,
		CreatedAt:  e.CreatedAt,
	}, nil
}

func eventModelToDomain(m *EventModel) (*domain.EventRecord, error) {
	if m == nil {
		return nil, nil
	}

	var attributes map[string]string
	if len(m.Attributes) > 0 {
		if err := json.Unmarshal(m.Attributes, &attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes of event %s: %w", m.ID, err)
		}
	}

	return &domain.EventRecord{
		Event: domain.NotificationEvent{
			ID:         m.ID,
			Topic:      m.Topic,
			Title:      m.Title,
			Body:       m.Body,
			Attributes: attributes,
			CreatedAt:  m.CreatedAt,
		},
		State:        m.State,
		AttemptCount: m.AttemptCount,
		BudgetStart:  m.BudgetStart,
		NextRetryAt:  m.NextRetryAt,
		CanceledAt:   m.CanceledAt,
		UpdatedAt:    m.UpdatedAt,
	}, nil
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:            a.ID,
		EventID:       a.EventID,
		AttemptNumber: a.AttemptNumber,
		StartedAt:     a.StartedAt,
		Outcome:       a.Outcome,
		StatusCode:    a.StatusCode,
		MessageID:     a.MessageID,
		ErrorDetail:   a.ErrorDetail,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:            m.ID,
		EventID:       m.EventID,
		AttemptNumber: m.AttemptNumber,
		StartedAt:     m.StartedAt,
		Outcome:       m.Outcome,
		StatusCode:    m.StatusCode,
		MessageID:     m.MessageID,
		ErrorDetail:   m.ErrorDetail,
	}
}

// attemptSnapshot is the JSON shape of an attempt inside a dead letter.
type attemptSnapshot struct {
	ID            string                `json:"id"`
	AttemptNumber int                   `json:"attemptNumber"`
	StartedAt     time.Time             `json:"startedAt"`
	Outcome       domain.AttemptOutcome `json:"outcome"`
	StatusCode    *int                  `json:"statusCode,omitempty"`
	MessageID     *string               `json:"messageId,omitempty"`
	ErrorDetail   *string               `json:"errorDetail,omitempty"`
}

func deadLetterModelFromDomain(dl *domain.DeadLetter) (*DeadLetterModel, error) {
	if dl == nil {
		return nil, nil
	}

	event, err := json.Marshal(dl.Event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dead letter event: %w", err)
	}

	snapshots := make([]attemptSnapshot, 0, len(dl.Attempts))
	for _, a := range dl.Attempts {
		snapshots = append(snapshots, attemptSnapshot{
			ID:            a.ID,
			AttemptNumber: a.AttemptNumber,
			StartedAt:     a.StartedAt,
			Outcome:       a.Outcome,
			StatusCode:    a.StatusCode,
			MessageID:     a.MessageID,
			ErrorDetail:   a.ErrorDetail,
		})
	}
	attempts, err := json.Marshal(snapshots)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dead letter attempts: %w", err)
	}

	return &DeadLetterModel{
		ID:             dl.ID,
		EventID:        dl.Event.ID,
		Topic:          dl.Event.Topic,
		Event:          event,
		Attempts:       attempts,
		Reason:         dl.Reason,
		FinalError:     dl.FinalError,
		DeadLetteredAt: dl.DeadLetteredAt,
		ReplayedAt:     dl.ReplayedAt,
	}, nil
}

func deadLetterModelToDomain(m *DeadLetterModel) (*domain.DeadLetter, error) {
	if m == nil {
		return nil, nil
	}

	var event domain.NotificationEvent
	if err := json.Unmarshal(m.Event, &event); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter %s event: %w", m.ID, err)
	}

	var snapshots []attemptSnapshot
	if len(m.Attempts) > 0 {
		if err := json.Unmarshal(m.Attempts, &snapshots); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter %s attempts: %w", m.ID, err)
		}
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(snapshots))
	for _, s := range snapshots {
		attempts = append(attempts, domain.DeliveryAttempt{
			ID:            s.ID,
			EventID:       m.EventID,
			AttemptNumber: s.AttemptNumber,
			StartedAt:     s.StartedAt,
			Outcome:       s.Outcome,
			StatusCode:    s.StatusCode,
			MessageID:     s.MessageID,
			ErrorDetail:   s.ErrorDetail,
		})
	}

	return &domain.DeadLetter{
		ID:             m.ID,
		Event:          event,
		Attempts:       attempts,
		Reason:         m.Reason,
		FinalError:     m.FinalError,
		DeadLetteredAt: m.DeadLetteredAt,
		ReplayedAt:     m.ReplayedAt,
	}, nil
}
