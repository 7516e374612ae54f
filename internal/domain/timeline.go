package domain

import "time"

// Task timeline event types
const (
	EventTypeTaskCreated       = "task_created"
	EventTypeTaskStatusChanged = "task_status_changed"
	EventTypeStepStatusChanged = "step_status_changed"
	EventTypeStepAdded         = "step_added"
	EventTypeStepDeleted       = "step_deleted"
	EventTypeTaskDeleted       = "task_deleted"
)

type TaskEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	TaskID     string           `gorm:"size:36;not null;index" json:"task_id"`
	UserID     string           `gorm:"size:128;not null;index" json:"user_id"`
	StepID     string           `gorm:"size:36" json:"step_id,omitempty"`
	Type       string           `gorm:"size:64;not null" json:"type"`
	FromStatus TaskStatus       `gorm:"size:32" json:"from_status,omitempty"`
	ToStatus   TaskStatus       `gorm:"size:32" json:"to_status,omitempty"`
	Source     TransitionSource `gorm:"size:20" json:"source"`
	Message    string           `gorm:"type:text" json:"message,omitempty"`
}

func (TaskEvent) TableName() string {
	return "task_events"
}
