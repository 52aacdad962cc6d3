package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	"gorm.io/gorm"
)

type DeadLetterListParams struct {
	Topic       *string
	OnlyPending bool
	Page        int
	PageSize    int
}

type DeadLetterRepository interface {
	// Append records dl and moves its event to DEAD_LETTERED atomically.
	Append(ctx context.Context, dl *domain.DeadLetter) error
	GetByID(ctx context.Context, id string) (*domain.DeadLetter, error)
	List(ctx context.Context, params DeadLetterListParams) ([]domain.DeadLetter, int64, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

var _ DeadLetterRepository = (*GormDeadLetterRepo)(nil)

type GormDeadLetterRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormDeadLetterRepo(db *gorm.DB) *GormDeadLetterRepo {
	return &GormDeadLetterRepo{db: db, now: time.Now}
}

// Append writes the dead letter and closes its event in one transaction. The
// event must be IN_FLIGHT or RETRYING; otherwise nothing is written and
// domain.ErrConflict or domain.ErrNotFound is returned.
func (r *GormDeadLetterRepo) Append(ctx context.Context, dl *domain.DeadLetter) error {
	model, err := deadLetterModelFromDomain(dl)
	if err != nil {
		return err
	}
	if model == nil {
		return fmt.Errorf("dead letter is required")
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := transitionEvent(tx, model.EventID, map[string]any{
			"state":         domain.EventStateDeadLettered,
			"next_retry_at": nil,
			"updated_at":    r.now().UTC(),
		}, domain.EventStateInFlight, domain.EventStateRetrying)
		if err != nil {
			return err
		}
		return tx.Create(model).Error
	})
}

func (r *GormDeadLetterRepo) GetByID(ctx context.Context, id string) (*domain.DeadLetter, error) {
	var model DeadLetterModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deadLetterModelToDomain(&model)
}

func (r *GormDeadLetterRepo) List(ctx context.Context, params DeadLetterListParams) ([]domain.DeadLetter, int64, error) {
	query := r.db.WithContext(ctx).Model(&DeadLetterModel{})

	if params.Topic != nil {
		query = query.Where("topic = ?", *params.Topic)
	}
	if params.OnlyPending {
		query = query.Where("replayed_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := normalizePage(params.Page, params.PageSize)

	var models []DeadLetterModel
	err := query.
		Order("dead_lettered_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	deadLetters := make([]domain.DeadLetter, 0, len(models))
	for i := range models {
		dl, err := deadLetterModelToDomain(&models[i])
		if err != nil {
			return nil, 0, err
		}
		deadLetters = append(deadLetters, *dl)
	}

	return deadLetters, total, nil
}

// MarkReplayed stamps a dead letter as replayed. A dead letter is replayed at most once.
func (r *GormDeadLetterRepo) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&DeadLetterModel{}).
		Where("id = ? AND replayed_at IS NULL", id).
		Update("replayed_at", at.UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: dead letter %s was already replayed", domain.ErrConflict, id)
}
