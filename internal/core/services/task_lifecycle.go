package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/metrics"
)

// ResumeMarker selects the provenance stamp written when a transition takes
// a task out of WAITING_FOR_RESPONSE.
type ResumeMarker int

const (
	MarkNone ResumeMarker = iota
	MarkAutoResumed
	MarkManuallyResumed
)

// TransitionRequest describes one requested status change. Only Status is
// required; everything else refines the side effects.
type TransitionRequest struct {
	Status      domain.TaskStatus
	WaitingFor  string
	WaitMinutes *int

	Response    interface{}
	HasResponse bool

	// CompletedAt overrides the completion stamp on -> COMPLETED.
	CompletedAt *time.Time

	// ExpectStatus, when set, makes the transition conditional on the task
	// still being in that status at write time.
	ExpectStatus domain.TaskStatus
	// ExpectVersion, when non-zero, pins the transition to the task version
	// the caller last observed.
	ExpectVersion int

	AdvanceToNextStep bool
	Source            domain.TransitionSource
	Marker            ResumeMarker
}

func (r TransitionRequest) validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrTaskInvalidInput, r.Status)
	}
	if r.Status == domain.TaskStatusWaiting && strings.TrimSpace(r.WaitingFor) == "" {
		return fmt.Errorf("%w: waitingFor is required when waiting", domain.ErrTaskInvalidInput)
	}
	if r.WaitMinutes != nil && *r.WaitMinutes <= 0 {
		return fmt.Errorf("%w: waiting duration must be positive", domain.ErrTaskInvalidInput)
	}
	if r.ExpectStatus != "" && !r.ExpectStatus.Valid() {
		return fmt.Errorf("%w: unknown expected status %q", domain.ErrTaskInvalidInput, r.ExpectStatus)
	}
	return nil
}

func (r TransitionRequest) expects(task *domain.Task) bool {
	if r.ExpectStatus != "" && task.Status != r.ExpectStatus {
		return false
	}
	if r.ExpectVersion != 0 && task.Version != r.ExpectVersion {
		return false
	}
	return true
}

// TransitionEngine is the only component that changes task or step status.
// Each call reads the task, plans every row change in memory and hands the
// plan to the store as one guarded write.
type TransitionEngine struct {
	repo    ports.TaskRepository
	events  *TaskEvents
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

func NewTransitionEngine(repo ports.TaskRepository, events *TaskEvents, m *metrics.Metrics, log *logger.Logger, now func() time.Time) *TransitionEngine {
	if now == nil {
		now = time.Now
	}
	return &TransitionEngine{
		repo:    repo,
		events:  events,
		metrics: m,
		log:     log,
		now:     now,
	}
}

func (e *TransitionEngine) TransitionTask(ctx context.Context, userID, taskID string, req TransitionRequest) (*domain.Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	task, err := e.repo.FindByID(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	if !req.expects(task) {
		e.metrics.ObserveConflict(string(req.Source))
		return nil, domain.ErrTaskConflict
	}

	p := planTaskTransition(task, req, e.now().UTC())
	return e.commit(ctx, task, req, p)
}

func (e *TransitionEngine) TransitionStep(ctx context.Context, userID, taskID, stepID string, req TransitionRequest) (*domain.Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	task, err := e.repo.FindByID(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	step, ok := task.StepByID(stepID)
	if !ok {
		return nil, domain.ErrStepNotFound
	}
	if !req.expects(task) {
		e.metrics.ObserveConflict(string(req.Source))
		return nil, domain.ErrTaskConflict
	}

	p := planStepTransition(task, step, req, e.now().UTC())
	return e.commit(ctx, task, req, p)
}

func (e *TransitionEngine) commit(ctx context.Context, before *domain.Task, req TransitionRequest, p plan) (*domain.Task, error) {
	updated, err := e.repo.UpdateStatusAndMetadata(ctx, p.task, p.steps...)
	if err != nil {
		if errors.Is(err, domain.ErrTaskConflict) {
			e.metrics.ObserveConflict(string(req.Source))
		}
		e.log.Debugw("task_transition_rejected", "task_id", before.ID, "to", req.Status, "source", req.Source, "error", err)
		return nil, err
	}

	for _, evt := range p.events {
		if evt.StepID == "" {
			e.metrics.ObserveTransition("task", string(evt.ToStatus), string(evt.Source))
		} else {
			e.metrics.ObserveTransition("step", string(evt.ToStatus), string(evt.Source))
		}
	}
	e.events.Record(ctx, p.events...)
	e.log.Infow("task_transition_applied",
		"task_id", updated.ID,
		"from", before.Status,
		"to", updated.Status,
		"source", req.Source,
		"version", updated.Version,
	)
	return updated, nil
}

// ==================== PLANNING ====================

type plan struct {
	task   ports.TaskWrite
	steps  []ports.StepWrite
	events []domain.TaskEvent
}

func baseWrite(task *domain.Task) ports.TaskWrite {
	return ports.TaskWrite{
		ID:            task.ID,
		UserID:        task.UserID,
		ExpectStatus:  task.Status,
		ExpectVersion: task.Version,
		Status:        task.Status,
		Metadata:      task.Metadata.Clone(),
		CompletedAt:   task.CompletedAt,
	}
}

// settle applies the status-driven side effects shared by tasks and steps:
// wait fields are cleared outside WAITING and completedAt tracks COMPLETED.
// The caller has already written wait fields for a WAITING target.
func settle(md domain.JSONB, prev, next domain.TaskStatus, completedAt *time.Time, requested *time.Time, now time.Time) (domain.JSONB, *time.Time) {
	if next != domain.TaskStatusWaiting {
		md = domain.ClearWaitState(md)
	}
	if next != domain.TaskStatusCompleted {
		return domain.ClearCompletedAt(md), nil
	}

	at := now
	switch {
	case requested != nil:
		at = requested.UTC()
	case prev == domain.TaskStatusCompleted && completedAt != nil:
		at = completedAt.UTC()
	case prev == domain.TaskStatusCompleted && domain.CompletedAt(md) != nil:
		at = *domain.CompletedAt(md)
	}
	return domain.SetCompletedAt(md, at), &at
}

func markResumed(md domain.JSONB, prev, next domain.TaskStatus, marker ResumeMarker, now time.Time) domain.JSONB {
	if prev != domain.TaskStatusWaiting || next == domain.TaskStatusWaiting {
		return md
	}
	switch marker {
	case MarkAutoResumed:
		return domain.MarkAutoResumed(md, now)
	case MarkManuallyResumed:
		return domain.MarkManuallyResumed(md, now)
	}
	return md
}

func planTaskTransition(task *domain.Task, req TransitionRequest, now time.Time) plan {
	prev := task.Status
	next := req.Status
	w := baseWrite(task)
	w.Status = next

	md := w.Metadata
	if next == domain.TaskStatusWaiting {
		md = domain.WriteWaitState(md, strings.TrimSpace(req.WaitingFor), req.WaitMinutes, now)
	}
	md, w.CompletedAt = settle(md, prev, next, task.CompletedAt, req.CompletedAt, now)
	if req.HasResponse {
		md = domain.AppendResponse(md, req.Response, prev, next, now)
	}
	w.Metadata = markResumed(md, prev, next, req.Marker, now)

	p := plan{task: w}
	p.events = append(p.events, taskEvent(task, domain.EventTypeTaskStatusChanged, "", prev, next, req, now))

	// A task leaving WAITING releases the step it was waiting on.
	if prev == domain.TaskStatusWaiting && next != domain.TaskStatusWaiting {
		if step := waitingStep(task); step != nil {
			sw := stepWrite(step, next, req, now)
			p.steps = append(p.steps, sw)
			p.events = append(p.events, taskEvent(task, domain.EventTypeStepStatusChanged, step.ID, step.Status, next, req, now))
		}
	}
	return p
}

// waitingStep returns the current step when it is waiting, otherwise the
// lowest-numbered waiting step.
func waitingStep(task *domain.Task) *domain.TaskStep {
	current := domain.CurrentStepNumber(task.Metadata)
	if s, ok := task.StepByNumber(current); ok && s.Status == domain.TaskStatusWaiting {
		return s
	}
	var found *domain.TaskStep
	for i := range task.Steps {
		s := &task.Steps[i]
		if s.Status != domain.TaskStatusWaiting {
			continue
		}
		if found == nil || s.StepNumber < found.StepNumber {
			found = s
		}
	}
	return found
}

func stepWrite(step *domain.TaskStep, next domain.TaskStatus, req TransitionRequest, now time.Time) ports.StepWrite {
	prev := step.Status
	md := step.Metadata.Clone()
	if next == domain.TaskStatusWaiting {
		md = domain.WriteWaitState(md, strings.TrimSpace(req.WaitingFor), req.WaitMinutes, now)
	}
	md, _ = settle(md, prev, next, nil, req.CompletedAt, now)
	md = markResumed(md, prev, next, req.Marker, now)
	md = domain.AppendStatusHistory(md, prev, next, now)
	return ports.StepWrite{
		ID:           step.ID,
		ExpectStatus: prev,
		Status:       next,
		Metadata:     md,
	}
}

func planStepTransition(task *domain.Task, step *domain.TaskStep, req TransitionRequest, now time.Time) plan {
	stepPrev := step.Status
	next := req.Status

	sw := stepWrite(step, next, req, now)
	if req.HasResponse {
		sw.Metadata = domain.AppendResponse(sw.Metadata, req.Response, stepPrev, next, now)
	}

	w := baseWrite(task)
	taskPrev := task.Status
	current := domain.CurrentStepNumber(task.Metadata)
	isCurrent := step.StepNumber == current

	p := plan{steps: []ports.StepWrite{sw}}
	p.events = append(p.events, taskEvent(task, domain.EventTypeStepStatusChanged, step.ID, stepPrev, next, req, now))

	taskNext := taskPrev
	var mirror *domain.WaitState

	switch {
	case next == domain.TaskStatusCompleted && req.AdvanceToNextStep:
		if following, ok := task.StepByNumber(step.StepNumber + 1); ok {
			w.Metadata = domain.SetCurrentStepNumber(w.Metadata, following.StepNumber)
			fw := domain.ReadWaitState(following.Metadata)
			if following.Status == domain.TaskStatusWaiting && fw.IsWaiting() {
				taskNext = domain.TaskStatusWaiting
				mirror = &fw
			} else if taskPrev == domain.TaskStatusWaiting || taskPrev == domain.TaskStatusPending {
				taskNext = domain.TaskStatusInProgress
			}
		} else {
			taskNext = domain.TaskStatusCompleted
		}

	case next == domain.TaskStatusWaiting && isCurrent:
		stepWait := domain.ReadWaitState(sw.Metadata)
		taskNext = domain.TaskStatusWaiting
		mirror = &stepWait

	case stepPrev == domain.TaskStatusWaiting && isCurrent && taskPrev == domain.TaskStatusWaiting:
		taskNext = domain.TaskStatusInProgress

	case next == domain.TaskStatusInProgress && taskPrev == domain.TaskStatusPending:
		taskNext = domain.TaskStatusInProgress
	}

	md := w.Metadata
	if mirror != nil {
		md = domain.ApplyWaitState(md, *mirror)
	}
	// A task that stays WAITING keeps its own wait fields.
	if taskNext != domain.TaskStatusWaiting || taskPrev != domain.TaskStatusWaiting {
		var completedAt *time.Time
		md, completedAt = settle(md, taskPrev, taskNext, task.CompletedAt, nil, now)
		w.CompletedAt = completedAt
	}
	w.Metadata = markResumed(md, taskPrev, taskNext, req.Marker, now)
	w.Status = taskNext
	p.task = w

	if taskNext != taskPrev {
		p.events = append(p.events, taskEvent(task, domain.EventTypeTaskStatusChanged, "", taskPrev, taskNext, req, now))
	}
	return p
}

// planStepDeletion renumbers the step pointers for removing step. When the
// task was waiting on that step, its wait follows the step that becomes
// current, or the task returns to IN_PROGRESS if that step is not waiting.
func planStepDeletion(task *domain.Task, step *domain.TaskStep, now time.Time) plan {
	total := len(task.Steps)
	current := domain.CurrentStepNumber(task.Metadata)
	pointer := domain.StepPointerAfterDelete(current, step.StepNumber, total)

	w := baseWrite(task)
	w.Metadata = domain.SetTotalSteps(w.Metadata, total-1)
	w.Metadata = domain.SetCurrentStepNumber(w.Metadata, pointer)
	p := plan{task: w}

	if task.Status != domain.TaskStatusWaiting || step.StepNumber != current || step.Status != domain.TaskStatusWaiting {
		return p
	}

	// Pointer values at or past the removed number refer to the step that
	// currently sits one position higher.
	oldNumber := pointer
	if pointer >= step.StepNumber {
		oldNumber = pointer + 1
	}
	if next, ok := task.StepByNumber(oldNumber); ok && next.Status == domain.TaskStatusWaiting {
		if nw := domain.ReadWaitState(next.Metadata); nw.IsWaiting() {
			p.task.Metadata = domain.ApplyWaitState(p.task.Metadata, nw)
			return p
		}
	}

	req := TransitionRequest{Status: domain.TaskStatusInProgress, Source: domain.SourceAgent}
	p.task.Metadata, p.task.CompletedAt = settle(p.task.Metadata, task.Status, req.Status, task.CompletedAt, nil, now)
	p.task.Status = req.Status
	p.events = append(p.events, taskEvent(task, domain.EventTypeTaskStatusChanged, "", task.Status, req.Status, req, now))
	return p
}

func taskEvent(task *domain.Task, eventType, stepID string, from, to domain.TaskStatus, req TransitionRequest, now time.Time) domain.TaskEvent {
	source := req.Source
	if source == "" {
		source = domain.SourceAgent
	}
	msg := ""
	switch {
	case to == domain.TaskStatusWaiting:
		msg = "waiting for " + strings.TrimSpace(req.WaitingFor)
	case req.Marker == MarkAutoResumed && from == domain.TaskStatusWaiting:
		msg = "auto-resumed after deadline"
	case req.Marker == MarkManuallyResumed && from == domain.TaskStatusWaiting:
		msg = "resumed manually"
	}
	return domain.TaskEvent{
		CreatedAt:  now,
		TaskID:     task.ID,
		UserID:     task.UserID,
		StepID:     stepID,
		Type:       eventType,
		FromStatus: from,
		ToStatus:   to,
		Source:     source,
		Message:    msg,
	}
}
