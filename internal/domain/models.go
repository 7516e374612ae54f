package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ==================== ENUMS ====================

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusWaiting    TaskStatus = "WAITING_FOR_RESPONSE"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusWaiting, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

type TaskType string

const (
	TaskTypeEmail    TaskType = "EMAIL"
	TaskTypeCalendar TaskType = "CALENDAR"
	TaskTypeHubspot  TaskType = "HUBSPOT"
	TaskTypeGeneral  TaskType = "GENERAL"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeEmail, TaskTypeCalendar, TaskTypeHubspot, TaskTypeGeneral:
		return true
	}
	return false
}

// TransitionSource records who drove a transition.
type TransitionSource string

const (
	SourceAgent     TransitionSource = "agent"
	SourceManual    TransitionSource = "manual"
	SourceScheduler TransitionSource = "scheduler"
)

// ==================== JSONB TYPES ====================

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("failed to scan JSONB: invalid type")
	}
	if len(bytes) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Clone returns a shallow copy. Codec functions replace values rather than
// mutating them, so a shallow copy is enough to keep callers isolated.
func (j JSONB) Clone() JSONB {
	out := make(JSONB, len(j)+4)
	for k, v := range j {
		out[k] = v
	}
	return out
}

// ==================== ENTITIES ====================

type Task struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID      string     `gorm:"size:128;not null;index:idx_tasks_user_status,priority:1" json:"user_id"`
	Title       string     `gorm:"size:255;not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Type        TaskType   `gorm:"size:20;not null;default:'GENERAL'" json:"type"`
	Status      TaskStatus `gorm:"size:32;not null;index:idx_tasks_user_status,priority:2;index:idx_tasks_status_resume_after,priority:1" json:"status"`
	Metadata    JSONB      `gorm:"type:jsonb" json:"metadata"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int        `gorm:"not null;default:1" json:"version"`

	// Derived from Metadata on every write; query support only.
	ResumeAfter  *time.Time `gorm:"index:idx_tasks_status_resume_after,priority:2" json:"-"`
	WaitingSince *time.Time `json:"-"`

	Steps []TaskStep `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"steps,omitempty"`
}

type TaskStep struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TaskID      string     `gorm:"size:36;not null;uniqueIndex:idx_task_steps_task_number,priority:1" json:"task_id"`
	StepNumber  int        `gorm:"not null;uniqueIndex:idx_task_steps_task_number,priority:2" json:"step_number"`
	Title       string     `gorm:"size:255;not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Status      TaskStatus `gorm:"size:32;not null" json:"status"`
	Metadata    JSONB      `gorm:"type:jsonb" json:"metadata"`
}

func (Task) TableName() string {
	return "tasks"
}

func (TaskStep) TableName() string {
	return "task_steps"
}

// StepByNumber returns the step with the given 1-based number.
func (t *Task) StepByNumber(n int) (*TaskStep, bool) {
	for i := range t.Steps {
		if t.Steps[i].StepNumber == n {
			return &t.Steps[i], true
		}
	}
	return nil, false
}

func (t *Task) StepByID(id string) (*TaskStep, bool) {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i], true
		}
	}
	return nil, false
}
