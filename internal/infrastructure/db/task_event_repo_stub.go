package db

import (
	"context"

	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
)

// TaskEventRepoStub writes events to the log only. Used when
// features.persist_task_events is off.
type TaskEventRepoStub struct {
	logger *logger.Logger
}

func NewTaskEventRepoStub(log *logger.Logger) ports.TaskEventRepository {
	return &TaskEventRepoStub{logger: log}
}

func (r *TaskEventRepoStub) Create(ctx context.Context, event *domain.TaskEvent) error {
	r.logger.Infow("task event",
		"type", event.Type,
		"task_id", event.TaskID,
		"step_id", event.StepID,
		"from", event.FromStatus,
		"to", event.ToStatus,
		"source", event.Source,
		"message", event.Message,
	)
	return nil
}

func (r *TaskEventRepoStub) ListByTask(ctx context.Context, taskID string, limit int) ([]domain.TaskEvent, error) {
	return nil, nil
}
