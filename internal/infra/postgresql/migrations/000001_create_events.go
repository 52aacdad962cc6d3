package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/alert-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createEventsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_events",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.EventModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_events_state_topic_created ON events (state, topic, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_events_retry ON events (next_retry_at) WHERE state = 'RETRYING'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.EventModel{})
		},
	}
}
