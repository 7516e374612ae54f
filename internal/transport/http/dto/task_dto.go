package dto

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
)

type StepRequest struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Metadata    domain.JSONB `json:"metadata,omitempty"`
}

func (r *StepRequest) Validate() []string {
	var errors []string
	if strings.TrimSpace(r.Title) == "" {
		errors = append(errors, "title is required")
	}
	return errors
}

func (r *StepRequest) ToInput() ports.StepInput {
	return ports.StepInput{
		Title:       r.Title,
		Description: r.Description,
		Metadata:    r.Metadata,
	}
}

type CreateTaskRequest struct {
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Type         string        `json:"type"`
	Metadata     domain.JSONB  `json:"metadata,omitempty"`
	ParentTaskID string        `json:"parent_task_id,omitempty"`
	Steps        []StepRequest `json:"steps,omitempty"`
	WaitingFor   string        `json:"waiting_for,omitempty"`
	WaitMinutes  *int          `json:"waiting_duration_minutes,omitempty"`
}

func (r *CreateTaskRequest) Validate() []string {
	var errors []string

	if strings.TrimSpace(r.Title) == "" {
		errors = append(errors, "title is required")
	}
	if r.Type != "" && !domain.TaskType(strings.ToUpper(r.Type)).Valid() {
		errors = append(errors, "type must be one of: EMAIL, CALENDAR, HUBSPOT, GENERAL")
	}
	if r.WaitMinutes != nil && *r.WaitMinutes <= 0 {
		errors = append(errors, "waiting_duration_minutes must be positive")
	}
	if r.WaitMinutes != nil && strings.TrimSpace(r.WaitingFor) == "" {
		errors = append(errors, "waiting_for is required with waiting_duration_minutes")
	}
	for _, st := range r.Steps {
		if len(st.Validate()) > 0 {
			errors = append(errors, "every step needs a title")
			break
		}
	}

	return errors
}

func (r *CreateTaskRequest) ToInput(userID string) ports.CreateTaskInput {
	steps := make([]ports.StepInput, 0, len(r.Steps))
	for i := range r.Steps {
		steps = append(steps, r.Steps[i].ToInput())
	}
	return ports.CreateTaskInput{
		UserID:       userID,
		Title:        r.Title,
		Description:  r.Description,
		Type:         domain.TaskType(strings.ToUpper(r.Type)),
		Metadata:     r.Metadata,
		ParentTaskID: r.ParentTaskID,
		Steps:        steps,
		WaitingFor:   r.WaitingFor,
		WaitMinutes:  r.WaitMinutes,
		Source:       domain.SourceManual,
	}
}

// ResponsePayload carries an optional free-form response. An absent or null
// field means no response was supplied.
type ResponsePayload struct {
	Response json.RawMessage `json:"response,omitempty"`
}

func (p *ResponsePayload) Decode() (interface{}, bool, error) {
	raw := strings.TrimSpace(string(p.Response))
	if raw == "" || raw == "null" {
		return nil, false, nil
	}
	var v interface{}
	if err := json.Unmarshal(p.Response, &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

type SetWaitingRequest struct {
	StepID      string `json:"step_id,omitempty"`
	WaitingFor  string `json:"waiting_for"`
	WaitMinutes *int   `json:"waiting_duration_minutes,omitempty"`
}

func (r *SetWaitingRequest) Validate() []string {
	var errors []string
	if strings.TrimSpace(r.WaitingFor) == "" {
		errors = append(errors, "waiting_for is required")
	}
	if r.WaitMinutes != nil && *r.WaitMinutes <= 0 {
		errors = append(errors, "waiting_duration_minutes must be positive")
	}
	return errors
}

type ResumeTaskRequest struct {
	ResponsePayload
}

type CompleteTaskRequest struct {
	ResponsePayload
	StepID            string     `json:"step_id,omitempty"`
	AdvanceToNextStep bool       `json:"advance_to_next_step"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

type UpdateStateRequest struct {
	ResponsePayload
	Status            string     `json:"status"`
	StepID            string     `json:"step_id,omitempty"`
	WaitingFor        string     `json:"waiting_for,omitempty"`
	WaitMinutes       *int       `json:"waiting_duration_minutes,omitempty"`
	AdvanceToNextStep bool       `json:"advance_to_next_step"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func (r *UpdateStateRequest) Validate() []string {
	var errors []string
	status := domain.TaskStatus(strings.ToUpper(r.Status))
	if !status.Valid() {
		errors = append(errors, "status must be one of: PENDING, IN_PROGRESS, WAITING_FOR_RESPONSE, COMPLETED, FAILED")
	}
	if status == domain.TaskStatusWaiting && strings.TrimSpace(r.WaitingFor) == "" {
		errors = append(errors, "waiting_for is required when status is WAITING_FOR_RESPONSE")
	}
	if r.WaitMinutes != nil && *r.WaitMinutes <= 0 {
		errors = append(errors, "waiting_duration_minutes must be positive")
	}
	if r.CompletedAt != nil && status != domain.TaskStatusCompleted {
		errors = append(errors, "completed_at is only accepted with status COMPLETED")
	}
	return errors
}

func (r *UpdateStateRequest) GetStatus() domain.TaskStatus {
	return domain.TaskStatus(strings.ToUpper(r.Status))
}

type StepResponse struct {
	ID          string            `json:"id"`
	StepNumber  int               `json:"step_number"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      domain.TaskStatus `json:"status"`
	WaitingFor  string            `json:"waiting_for,omitempty"`
	Metadata    domain.JSONB      `json:"metadata,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type TaskResponse struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Type         domain.TaskType   `json:"type"`
	Status       domain.TaskStatus `json:"status"`
	CurrentStep  int               `json:"current_step"`
	TotalSteps   int               `json:"total_steps"`
	WaitingFor   string            `json:"waiting_for,omitempty"`
	WaitingSince *time.Time        `json:"waiting_since,omitempty"`
	ResumeAfter  *time.Time        `json:"resume_after,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ParentTaskID string            `json:"parent_task_id,omitempty"`
	Metadata     domain.JSONB      `json:"metadata"`
	Steps        []StepResponse    `json:"steps"`
	Version      int               `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func TaskToResponse(task *domain.Task) TaskResponse {
	wait := domain.ReadWaitState(task.Metadata)
	resp := TaskResponse{
		ID:           task.ID,
		Title:        task.Title,
		Description:  task.Description,
		Type:         task.Type,
		Status:       task.Status,
		CurrentStep:  domain.CurrentStepNumber(task.Metadata),
		TotalSteps:   len(task.Steps),
		WaitingFor:   wait.WaitingFor,
		WaitingSince: wait.WaitingSince,
		ResumeAfter:  wait.ResumeAfter,
		CompletedAt:  task.CompletedAt,
		ParentTaskID: domain.ParentTaskID(task.Metadata),
		Metadata:     task.Metadata,
		Steps:        make([]StepResponse, 0, len(task.Steps)),
		Version:      task.Version,
		CreatedAt:    task.CreatedAt,
		UpdatedAt:    task.UpdatedAt,
	}
	for _, st := range task.Steps {
		resp.Steps = append(resp.Steps, StepResponse{
			ID:          st.ID,
			StepNumber:  st.StepNumber,
			Title:       st.Title,
			Description: st.Description,
			Status:      st.Status,
			WaitingFor:  domain.ReadWaitState(st.Metadata).WaitingFor,
			Metadata:    st.Metadata,
			UpdatedAt:   st.UpdatedAt,
		})
	}
	return resp
}

func TasksToResponse(tasks []domain.Task) []TaskResponse {
	responses := make([]TaskResponse, len(tasks))
	for i := range tasks {
		responses[i] = TaskToResponse(&tasks[i])
	}
	return responses
}

type SchedulerStatusResponse struct {
	Running   bool                   `json:"running"`
	NextRun   *time.Time             `json:"next_run,omitempty"`
	LastCycle *ports.ResumptionCycle `json:"last_cycle,omitempty"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type SuccessResponse struct {
	Message string `json:"message"`
}
