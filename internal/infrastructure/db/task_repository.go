package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"gorm.io/gorm"
)

const defaultListLimit = 100

type taskRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepository(db *gorm.DB, log *logger.Logger) ports.TaskRepository {
	return &taskRepository{db: db, log: log}
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrPersistence, op, err)
}

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("step_number ASC")
}

func (r *taskRepository) Create(ctx context.Context, task *domain.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Version == 0 {
		task.Version = 1
	}
	w := domain.ReadWaitState(task.Metadata)
	task.ResumeAfter = w.ResumeAfter
	task.WaitingSince = w.WaitingSince
	for i := range task.Steps {
		if task.Steps[i].ID == "" {
			task.Steps[i].ID = uuid.New().String()
		}
		task.Steps[i].TaskID = task.ID
	}

	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		r.log.Errorw("task_repo_create_failed", "user_id", task.UserID, "error", err)
		return persistenceErr("create task", err)
	}
	r.log.Infow("task_repo_create_ok", "id", task.ID, "user_id", task.UserID, "status", task.Status, "steps", len(task.Steps))
	return nil
}

func (r *taskRepository) FindByID(ctx context.Context, id, userID string) (*domain.Task, error) {
	task, err := loadTask(r.db.WithContext(ctx), id, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrTaskNotFound) {
			r.log.Errorw("task_repo_get_failed", "id", id, "error", err)
		}
		return nil, err
	}
	return task, nil
}

func (r *taskRepository) FindWaitingExpired(ctx context.Context, now time.Time) ([]domain.Task, error) {
	var tasks []domain.Task
	err := r.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("status = ? AND resume_after IS NOT NULL AND resume_after <= ?", string(domain.TaskStatusWaiting), now.UTC()).
		Order("resume_after ASC").
		Find(&tasks).Error
	if err != nil {
		r.log.Errorw("task_repo_find_waiting_expired_failed", "error", err)
		return nil, persistenceErr("find waiting expired", err)
	}
	r.log.Debugw("task_repo_find_waiting_expired_ok", "count", len(tasks))
	return tasks, nil
}

func (r *taskRepository) ListByUser(ctx context.Context, userID string, filter ports.TaskFilter) ([]domain.Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := r.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("user_id = ?", userID)
	if filter.Status != nil {
		q = q.Where("status = ?", string(*filter.Status))
	}

	var tasks []domain.Task
	if err := q.Order("created_at DESC").Limit(limit).Find(&tasks).Error; err != nil {
		r.log.Errorw("task_repo_list_failed", "user_id", userID, "error", err)
		return nil, persistenceErr("list tasks", err)
	}
	r.log.Debugw("task_repo_list_ok", "user_id", userID, "count", len(tasks))
	return tasks, nil
}

func (r *taskRepository) ListWaiting(ctx context.Context, userID string, filter ports.WaitingFilter) ([]domain.Task, error) {
	q := r.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("user_id = ? AND status = ?", userID, string(domain.TaskStatusWaiting))
	if filter.IncludeExpired {
		now := filter.Now
		if now.IsZero() {
			now = time.Now()
		}
		q = q.Where("resume_after IS NOT NULL AND resume_after <= ?", now.UTC())
	}

	var tasks []domain.Task
	if err := q.Order("waiting_since ASC").Order("created_at ASC").Find(&tasks).Error; err != nil {
		r.log.Errorw("task_repo_list_waiting_failed", "user_id", userID, "error", err)
		return nil, persistenceErr("list waiting tasks", err)
	}

	needle := strings.ToLower(strings.TrimSpace(filter.WaitingFor))
	if needle == "" {
		return tasks, nil
	}
	out := tasks[:0]
	for _, t := range tasks {
		if strings.Contains(strings.ToLower(domain.ReadWaitState(t.Metadata).WaitingFor), needle) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *taskRepository) UpdateStatusAndMetadata(ctx context.Context, write ports.TaskWrite, steps ...ports.StepWrite) (*domain.Task, error) {
	var out *domain.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := applyTaskWrite(tx, write); err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, sw := range steps {
			res := tx.Model(&domain.TaskStep{}).
				Where("id = ? AND task_id = ? AND status = ?", sw.ID, write.ID, string(sw.ExpectStatus)).
				Updates(map[string]interface{}{
					"status":     string(sw.Status),
					"metadata":   sw.Metadata,
					"updated_at": now,
				})
			if res.Error != nil {
				return persistenceErr("update step", res.Error)
			}
			if res.RowsAffected == 0 {
				return domain.ErrTaskConflict
			}
		}
		task, err := loadTask(tx, write.ID, write.UserID)
		if err != nil {
			return err
		}
		out = task
		return nil
	})
	if err != nil {
		r.logWriteError("task_repo_update", write, err)
		return nil, err
	}
	r.log.Infow("task_repo_update_ok", "id", write.ID, "status", write.Status, "version", out.Version, "steps", len(steps))
	return out, nil
}

func (r *taskRepository) AddStep(ctx context.Context, write ports.TaskWrite, step *domain.TaskStep) (*domain.Task, error) {
	var out *domain.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := applyTaskWrite(tx, write); err != nil {
			return err
		}
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		step.TaskID = write.ID
		if err := tx.Create(step).Error; err != nil {
			return persistenceErr("create step", err)
		}
		task, err := loadTask(tx, write.ID, write.UserID)
		if err != nil {
			return err
		}
		out = task
		return nil
	})
	if err != nil {
		r.logWriteError("task_repo_add_step", write, err)
		return nil, err
	}
	r.log.Infow("task_repo_add_step_ok", "id", write.ID, "step_id", step.ID, "step_number", step.StepNumber)
	return out, nil
}

func (r *taskRepository) DeleteStep(ctx context.Context, write ports.TaskWrite, stepID string) (*domain.Task, error) {
	var out *domain.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var step domain.TaskStep
		if err := tx.Where("id = ? AND task_id = ?", stepID, write.ID).First(&step).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrStepNotFound
			}
			return persistenceErr("get step", err)
		}
		if err := applyTaskWrite(tx, write); err != nil {
			return err
		}
		if err := tx.Delete(&domain.TaskStep{}, "id = ?", step.ID).Error; err != nil {
			return persistenceErr("delete step", err)
		}
		// Shift later steps down in two passes so the (task_id, step_number)
		// unique index never sees a transient duplicate.
		if err := tx.Model(&domain.TaskStep{}).
			Where("task_id = ? AND step_number > ?", write.ID, step.StepNumber).
			Update("step_number", gorm.Expr("-(step_number - 1)")).Error; err != nil {
			return persistenceErr("renumber steps", err)
		}
		if err := tx.Model(&domain.TaskStep{}).
			Where("task_id = ? AND step_number < 0", write.ID).
			Update("step_number", gorm.Expr("-step_number")).Error; err != nil {
			return persistenceErr("renumber steps", err)
		}
		task, err := loadTask(tx, write.ID, write.UserID)
		if err != nil {
			return err
		}
		out = task
		return nil
	})
	if err != nil {
		r.logWriteError("task_repo_delete_step", write, err)
		return nil, err
	}
	r.log.Infow("task_repo_delete_step_ok", "id", write.ID, "step_id", stepID, "remaining", len(out.Steps))
	return out, nil
}

func (r *taskRepository) Delete(ctx context.Context, id, userID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&domain.Task{})
		if res.Error != nil {
			return persistenceErr("delete task", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.ErrTaskNotFound
		}
		if err := tx.Where("task_id = ?", id).Delete(&domain.TaskStep{}).Error; err != nil {
			return persistenceErr("delete steps", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrTaskNotFound) {
			r.log.Errorw("task_repo_delete_failed", "id", id, "error", err)
		}
		return err
	}
	r.log.Infow("task_repo_delete_ok", "id", id)
	return nil
}

func (r *taskRepository) logWriteError(event string, write ports.TaskWrite, err error) {
	switch {
	case errors.Is(err, domain.ErrTaskConflict):
		r.log.Warnw(event+"_conflict", "id", write.ID, "expect_status", write.ExpectStatus, "expect_version", write.ExpectVersion)
	case errors.Is(err, domain.ErrTaskNotFound):
		r.log.Debugw(event+"_not_found", "id", write.ID)
	default:
		r.log.Errorw(event+"_failed", "id", write.ID, "error", err)
	}
}

// applyTaskWrite performs the guarded task row update and keeps the derived
// query columns in step with the metadata document.
func applyTaskWrite(tx *gorm.DB, write ports.TaskWrite) error {
	w := domain.ReadWaitState(write.Metadata)
	res := tx.Model(&domain.Task{}).
		Where("id = ? AND user_id = ? AND status = ? AND version = ?",
			write.ID, write.UserID, string(write.ExpectStatus), write.ExpectVersion).
		Updates(map[string]interface{}{
			"status":        string(write.Status),
			"metadata":      write.Metadata,
			"completed_at":  write.CompletedAt,
			"resume_after":  w.ResumeAfter,
			"waiting_since": w.WaitingSince,
			"version":       gorm.Expr("version + 1"),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return persistenceErr("update task", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := tx.Model(&domain.Task{}).Where("id = ? AND user_id = ?", write.ID, write.UserID).Count(&count).Error; err != nil {
		return persistenceErr("check task", err)
	}
	if count == 0 {
		return domain.ErrTaskNotFound
	}
	return domain.ErrTaskConflict
}

func loadTask(db *gorm.DB, id, userID string) (*domain.Task, error) {
	var task domain.Task
	err := db.Preload("Steps", orderedSteps).
		Where("id = ? AND user_id = ?", id, userID).
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, persistenceErr("get task", err)
	}
	return &task, nil
}
