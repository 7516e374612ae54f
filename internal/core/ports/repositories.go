package ports

import (
	"context"
	"time"

	"github.com/niiwade/jump-advisor-sub000/internal/domain"
)

// TaskWrite is a guarded single-row task update. The row is only written when
// it still belongs to UserID and still carries ExpectStatus and ExpectVersion;
// otherwise the store reports domain.ErrTaskConflict and writes nothing.
type TaskWrite struct {
	ID            string
	UserID        string
	ExpectStatus  domain.TaskStatus
	ExpectVersion int

	Status      domain.TaskStatus
	Metadata    domain.JSONB
	CompletedAt *time.Time
}

// StepWrite is a guarded step update applied in the same transaction as its
// parent TaskWrite.
type StepWrite struct {
	ID           string
	ExpectStatus domain.TaskStatus

	Status   domain.TaskStatus
	Metadata domain.JSONB
}

type TaskFilter struct {
	Status *domain.TaskStatus
	Limit  int
}

type WaitingFilter struct {
	WaitingFor     string
	IncludeExpired bool
	Now            time.Time
}

type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	FindByID(ctx context.Context, id, userID string) (*domain.Task, error)
	FindWaitingExpired(ctx context.Context, now time.Time) ([]domain.Task, error)
	ListByUser(ctx context.Context, userID string, filter TaskFilter) ([]domain.Task, error)
	ListWaiting(ctx context.Context, userID string, filter WaitingFilter) ([]domain.Task, error)
	UpdateStatusAndMetadata(ctx context.Context, task TaskWrite, steps ...StepWrite) (*domain.Task, error)
	AddStep(ctx context.Context, task TaskWrite, step *domain.TaskStep) (*domain.Task, error)
	DeleteStep(ctx context.Context, task TaskWrite, stepID string) (*domain.Task, error)
	Delete(ctx context.Context, id, userID string) error
}

type TaskEventRepository interface {
	Create(ctx context.Context, event *domain.TaskEvent) error
	ListByTask(ctx context.Context, taskID string, limit int) ([]domain.TaskEvent, error)
}
