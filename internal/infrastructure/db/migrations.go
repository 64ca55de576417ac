package db

import (
	"github.com/hostshift/backend/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&domain.Host{},
		&domain.MigrationTask{},
		&domain.ScheduledMigration{},
		&domain.TimelineEvent{},
		&domain.SystemSetting{},
	)
	if err != nil {
		return err
	}

	return createCustomIndexes(db)
}

func createCustomIndexes(db *gorm.DB) error {
	// Pollers list newest tasks first and the startup sweep filters by status
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_migration_tasks_status_created
		ON migration_tasks (status, created_at)
	`).Error; err != nil {
		return err
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_timeline_events_resource
		ON timeline_events (resource_type, resource_id)
		WHERE deleted_at IS NULL
	`).Error; err != nil {
		return err
	}

	return nil
}
