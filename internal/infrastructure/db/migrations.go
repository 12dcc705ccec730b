package db

import (
	"github.com/forgeflow/backend/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&domain.Project{},
		&domain.Task{},
		&domain.Artifact{},
		&domain.Connection{},
		&domain.DispatchMessage{},
	)
	if err != nil {
		return err
	}

	if err := createCustomIndexes(db); err != nil {
		return err
	}

	return nil
}

func createCustomIndexes(db *gorm.DB) error {
	// Pipeline order lookups
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tasks_project_position
		ON tasks (project_id, position)
	`).Error; err != nil {
		return err
	}

	// Artifacts by project, newest version per task
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_artifacts_project_task
		ON artifacts (project_id, task_id, version)
	`).Error; err != nil {
		return err
	}

	// Receive scans pending messages per group in id order
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_dispatch_messages_group_status
		ON dispatch_messages (group_key, status, id)
	`).Error; err != nil {
		return err
	}

	return nil
}
