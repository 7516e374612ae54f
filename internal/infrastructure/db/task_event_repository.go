package db

import (
	"context"
	"time"

	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type taskEventRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskEventRepository(db *gorm.DB, log *logger.Logger) ports.TaskEventRepository {
	return &taskEventRepository{
		db:  db,
		log: log,
	}
}

func (r *taskEventRepository) Create(ctx context.Context, event *domain.TaskEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		r.log.Errorw("task_event_repo_create_failed", "task_id", event.TaskID, "type", event.Type, "error", err)
		return persistenceErr("create task event", err)
	}
	r.log.Debugw("task_event_repo_create_ok", "id", event.ID, "task_id", event.TaskID, "type", event.Type)
	return nil
}

func (r *taskEventRepository) ListByTask(ctx context.Context, taskID string, limit int) ([]domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []domain.TaskEvent
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at desc").
		Order("id desc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		r.log.Errorw("task_event_repo_list_failed", "task_id", taskID, "error", err)
		return nil, persistenceErr("list task events", err)
	}
	r.log.Debugw("task_event_repo_list_ok", "task_id", taskID, "count", len(events))
	return events, nil
}
