package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/alert-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createDeliveryAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_delivery_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeliveryAttemptModel{}); err != nil {
				return err
			}
			// one row per attempt number, at most one success per event
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_event_number ON delivery_attempts (event_id, attempt_number)`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_event_success ON delivery_attempts (event_id) WHERE outcome = 'success'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeliveryAttemptModel{})
		},
	}
}
