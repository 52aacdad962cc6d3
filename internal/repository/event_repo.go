package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ListParams struct {
	State    *domain.EventState
	Topic    *string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

type EventRepository interface {
	CreateIfAbsent(ctx context.Context, event domain.NotificationEvent) (bool, error)
	BeginAttempt(ctx context.Context, event domain.NotificationEvent) (*domain.EventRecord, error)
	GetByID(ctx context.Context, id string) (*domain.EventRecord, error)
	List(ctx context.Context, params ListParams) ([]domain.EventRecord, int64, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkRetrying(ctx context.Context, id string, nextRetryAt time.Time) error
	MarkRequeued(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) (*domain.EventRecord, error)
	GetStranded(ctx context.Context, retryBefore, staleBefore time.Time, limit int) ([]domain.EventRecord, error)
	ResetForReplay(ctx context.Context, id string) (*domain.EventRecord, error)
}

var _ EventRepository = (*GormEventRepo)(nil)

type GormEventRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormEventRepo(db *gorm.DB) *GormEventRepo {
	return &GormEventRepo{db: db, now: time.Now}
}

func (r *GormEventRepo) CreateIfAbsent(ctx context.Context, event domain.NotificationEvent) (bool, error) {
	model, err := eventModelFromDomain(event)
	if err != nil {
		return false, err
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// BeginAttempt reserves the next attempt number for event under a row lock.
// The event row is created when missing. Closed events are returned with domain.ErrConflict
// and are left untouched.
func (r *GormEventRepo) BeginAttempt(ctx context.Context, event domain.NotificationEvent) (*domain.EventRecord, error) {
	model, err := eventModelFromDomain(event)
	if err != nil {
		return nil, err
	}

	var record *domain.EventRecord
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
			Create(model).Error; err != nil {
			return err
		}

		var locked EventModel
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&locked, "id = ?", event.ID).Error; err != nil {
			return err
		}

		if locked.State.IsTerminal() || locked.CanceledAt != nil {
			current, err := eventModelToDomain(&locked)
			if err != nil {
				return err
			}
			record = current
			return fmt.Errorf("%w: event %s is %s", domain.ErrConflict, locked.ID, locked.State)
		}

		locked.AttemptCount++
		locked.State = domain.EventStateInFlight
		locked.NextRetryAt = nil
		locked.UpdatedAt = r.now().UTC()

		if err := tx.Model(&EventModel{}).
			Where("id = ?", locked.ID).
			Updates(map[string]any{
				"attempt_count": locked.AttemptCount,
				"state":         locked.State,
				"next_retry_at": nil,
				"updated_at":    locked.UpdatedAt,
			}).Error; err != nil {
			return err
		}

		current, err := eventModelToDomain(&locked)
		if err != nil {
			return err
		}
		record = current
		return nil
	})
	if err != nil {
		return record, err
	}

	return record, nil
}

func (r *GormEventRepo) GetByID(ctx context.Context, id string) (*domain.EventRecord, error) {
	var model EventModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return eventModelToDomain(&model)
}

func (r *GormEventRepo) List(ctx context.Context, params ListParams) ([]domain.EventRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&EventModel{})

	if params.State != nil {
		query = query.Where("state = ?", *params.State)
	}
	if params.Topic != nil {
		query = query.Where("topic = ?", *params.Topic)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := normalizePage(params.Page, params.PageSize)

	var models []EventModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	records, err := eventModelsToDomain(models)
	if err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

func (r *GormEventRepo) MarkSucceeded(ctx context.Context, id string) error {
	return r.updateState(ctx, id, map[string]any{
		"state":         domain.EventStateSucceeded,
		"next_retry_at": nil,
	}, domain.EventStateInFlight, domain.EventStateCanceled)
}

func (r *GormEventRepo) MarkRetrying(ctx context.Context, id string, nextRetryAt time.Time) error {
	return r.updateState(ctx, id, map[string]any{
		"state":         domain.EventStateRetrying,
		"next_retry_at": nextRetryAt.UTC(),
	}, domain.EventStateInFlight)
}

// MarkRequeued records that an open event was put back on its queue. It clears
// the persisted retry timer and refreshes updated_at, which restarts the stale clock.
func (r *GormEventRepo) MarkRequeued(ctx context.Context, id string) error {
	return r.updateState(ctx, id, map[string]any{
		"next_retry_at": nil,
	}, domain.EventStatePending, domain.EventStateInFlight, domain.EventStateRetrying)
}

// Cancel closes a non-terminal event. An in-flight call is not interrupted; its
// outcome is still recorded but no retry follows.
func (r *GormEventRepo) Cancel(ctx context.Context, id string) (*domain.EventRecord, error) {
	now := r.now().UTC()
	err := r.updateState(ctx, id, map[string]any{
		"state":         domain.EventStateCanceled,
		"canceled_at":   now,
		"next_retry_at": nil,
	}, domain.EventStatePending, domain.EventStateInFlight, domain.EventStateRetrying)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// GetStranded returns open events that no queue message or timer is known to
// cover: RETRYING rows whose next_retry_at is at or before retryBefore, and rows
// untouched since staleBefore that are PENDING, IN_FLIGHT, or RETRYING without a
// persisted timer.
func (r *GormEventRepo) GetStranded(ctx context.Context, retryBefore, staleBefore time.Time, limit int) ([]domain.EventRecord, error) {
	if limit < 1 {
		limit = 100
	}

	var models []EventModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", domain.EventStateRetrying, retryBefore.UTC()).
		Or("state IN ? AND updated_at <= ?", []domain.EventState{domain.EventStatePending, domain.EventStateInFlight}, staleBefore.UTC()).
		Or("state = ? AND next_retry_at IS NULL AND updated_at <= ?", domain.EventStateRetrying, staleBefore.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return eventModelsToDomain(models)
}

// ResetForReplay reopens a dead-lettered event with a fresh retry budget. A
// PENDING event is reset again so a replay whose enqueue failed can be retried.
func (r *GormEventRepo) ResetForReplay(ctx context.Context, id string) (*domain.EventRecord, error) {
	err := r.updateState(ctx, id, map[string]any{
		"state":         domain.EventStatePending,
		"budget_start":  gorm.Expr("attempt_count"),
		"next_retry_at": nil,
		"canceled_at":   nil,
	}, domain.EventStateDeadLettered, domain.EventStatePending)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *GormEventRepo) updateState(ctx context.Context, id string, updates map[string]any, allowed ...domain.EventState) error {
	updates["updated_at"] = r.now().UTC()
	return transitionEvent(r.db.WithContext(ctx), id, updates, allowed...)
}

// transitionEvent applies updates when the event is in one of the allowed states.
// It returns domain.ErrNotFound for unknown ids and domain.ErrConflict otherwise.
func transitionEvent(db *gorm.DB, id string, updates map[string]any, allowed ...domain.EventState) error {
	result := db.
		Model(&EventModel{}).
		Where("id = ? AND state IN ?", id, allowed).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := db.Model(&EventModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%w: event %s is not in state %v", domain.ErrConflict, id, allowed)
}

func eventModelsToDomain(models []EventModel) ([]domain.EventRecord, error) {
	records := make([]domain.EventRecord, 0, len(models))
	for i := range models {
		record, err := eventModelToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

func normalizePage(page, pageSize int) (int, int) {
	page = max(page, 1)
	if pageSize < 1 {
		pageSize = 50
	}
	return page, min(pageSize, 100)
}
