package ports

import (
	"context"
	"time"

	"github.com/niiwade/jump-advisor-sub000/internal/domain"
)

type TaskService interface {
	CreateTask(ctx context.Context, input CreateTaskInput) (*domain.Task, error)
	GetTask(ctx context.Context, userID, taskID string) (*domain.Task, error)
	ListTasks(ctx context.Context, userID string, filter TaskFilter) ([]domain.Task, error)
	DeleteTask(ctx context.Context, userID, taskID string) error
	AddStep(ctx context.Context, userID, taskID string, input StepInput) (*domain.Task, error)
	DeleteStep(ctx context.Context, userID, taskID, stepID string) (*domain.Task, error)

	ResumeTask(ctx context.Context, input ResumeTaskInput) (*domain.Task, error)
	SetTaskWaiting(ctx context.Context, input SetWaitingInput) (*domain.Task, error)
	CompleteTask(ctx context.Context, input CompleteTaskInput) (*domain.Task, error)
	UpdateTaskState(ctx context.Context, input UpdateStateInput) (*domain.Task, error)
	ListWaitingTasks(ctx context.Context, userID string, opts WaitingOptions) ([]domain.Task, error)

	ListTaskEvents(ctx context.Context, userID, taskID string, limit int) ([]domain.TaskEvent, error)
	Subscribe(userID string) (<-chan domain.TaskEvent, func())
}

type CreateTaskInput struct {
	UserID       string
	Title        string
	Description  string
	Type         domain.TaskType
	Metadata     domain.JSONB
	ParentTaskID string
	Steps        []StepInput
	// A non-empty WaitingFor creates the task directly in WAITING_FOR_RESPONSE.
	WaitingFor  string
	WaitMinutes *int
	Source      domain.TransitionSource
}

type StepInput struct {
	Title       string
	Description string
	Metadata    domain.JSONB
}

type ResumeTaskInput struct {
	UserID      string
	TaskID      string
	Response    interface{}
	HasResponse bool
	Source      domain.TransitionSource
}

type SetWaitingInput struct {
	UserID      string
	TaskID      string
	StepID      string
	WaitingFor  string
	WaitMinutes *int
	Source      domain.TransitionSource
}

type CompleteTaskInput struct {
	UserID            string
	TaskID            string
	StepID            string
	AdvanceToNextStep bool
	Response          interface{}
	HasResponse       bool
	CompletedAt       *time.Time
	Source            domain.TransitionSource
}

// UpdateStateInput drives an arbitrary transition, the generic form behind
// the other lifecycle calls.
type UpdateStateInput struct {
	UserID            string
	TaskID            string
	StepID            string
	Status            domain.TaskStatus
	WaitingFor        string
	WaitMinutes       *int
	Response          interface{}
	HasResponse       bool
	AdvanceToNextStep bool
	CompletedAt       *time.Time
	Source            domain.TransitionSource
}

type WaitingOptions struct {
	WaitingFor     string
	IncludeExpired bool
}

// ResumptionCycle summarizes one scheduler pass.
type ResumptionCycle struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Scanned   int           `json:"scanned"`
	Resumed   int           `json:"resumed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
}

type ResumptionScheduler interface {
	RunCycle(ctx context.Context) ResumptionCycle
	Running() bool
	NextRun() time.Time
	LastCycle() (ResumptionCycle, bool)
}
