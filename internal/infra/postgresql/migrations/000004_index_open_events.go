package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func indexOpenEvents() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_index_open_events",
		Migrate: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_events_open_updated ON events (updated_at) WHERE state IN ('PENDING', 'IN_FLIGHT', 'RETRYING')`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return execAll(tx, []string{`DROP INDEX IF EXISTS idx_events_open_updated`})
		},
	}
}
