package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/alert-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createDeadLettersTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_dead_letters",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeadLetterModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_dead_letters_topic_at ON dead_letters (topic, dead_lettered_at)`,
				`CREATE INDEX IF NOT EXISTS idx_dead_letters_event_id ON dead_letters (event_id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeadLetterModel{})
		},
	}
}
