package db

import (
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&domain.Task{},
		&domain.TaskStep{},
		&domain.TaskEvent{},
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
	// Partial index for the resumption scan
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tasks_waiting_resume_after
		ON tasks (resume_after)
		WHERE status = 'WAITING_FOR_RESPONSE'
	`).Error; err != nil {
		return err
	}

	// Owner listing of waiting tasks, oldest wait first
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tasks_user_waiting_since
		ON tasks (user_id, waiting_since)
		WHERE status = 'WAITING_FOR_RESPONSE'
	`).Error; err != nil {
		return err
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_events_task_created
		ON task_events (task_id, created_at)
	`).Error; err != nil {
		return err
	}

	return nil
}
