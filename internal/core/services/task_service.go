package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
)

// TaskService is the synchronous entry point used by the chat agent, the
// HTTP layer and operators. Every status change is delegated to the
// TransitionEngine.
type TaskService struct {
	repo   ports.TaskRepository
	engine *TransitionEngine
	events *TaskEvents
	logger *logger.Logger
	now    func() time.Time

	mu          sync.Mutex
	locks       map[string]*keyLock
	enableLocks bool
}

// keyLock is dropped from the lock table once no caller holds or waits on it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

var _ ports.TaskService = (*TaskService)(nil)

func NewTaskService(repo ports.TaskRepository, engine *TransitionEngine, events *TaskEvents, logger *logger.Logger, enableLocks bool) *TaskService {
	return &TaskService{
		repo:        repo,
		engine:      engine,
		events:      events,
		logger:      logger,
		now:         engine.now,
		locks:       make(map[string]*keyLock),
		enableLocks: enableLocks,
	}
}

// lockKeys serializes in-process callers touching the same tasks. Cross-process
// safety comes from the store's guarded writes.
func (s *TaskService) lockKeys(keys ...string) func() {
	if !s.enableLocks || len(keys) == 0 {
		return func() {}
	}
	sort.Strings(keys)
	s.mu.Lock()
	acquired := make([]*keyLock, 0, len(keys))
	for _, k := range keys {
		l := s.locks[k]
		if l == nil {
			l = &keyLock{}
			s.locks[k] = l
		}
		l.refs++
		acquired = append(acquired, l)
	}
	s.mu.Unlock()
	for _, l := range acquired {
		l.mu.Lock()
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].mu.Unlock()
		}
		s.mu.Lock()
		for i, l := range acquired {
			l.refs--
			if l.refs == 0 {
				delete(s.locks, keys[i])
			}
		}
		s.mu.Unlock()
	}
}

// record stamps service-originated events with the service clock so they
// order correctly against engine events.
func (s *TaskService) record(ctx context.Context, evt domain.TaskEvent) {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.now().UTC()
	}
	s.events.Record(ctx, evt)
}

func taskKey(id string) string {
	return "task:" + id
}

// newStepMetadata copies caller metadata for a fresh PENDING step. Wait and
// completion keys are owned by the engine and never accepted from callers.
func newStepMetadata(md domain.JSONB) domain.JSONB {
	out := domain.ClearWaitState(md)
	return domain.ClearCompletedAt(out)
}

func sourceOr(src, fallback domain.TransitionSource) domain.TransitionSource {
	if src == "" {
		return fallback
	}
	return src
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", domain.ErrTaskInvalidInput, fmt.Sprintf(format, args...))
}

func requireIDs(userID string, ids ...string) error {
	if strings.TrimSpace(userID) == "" {
		return invalid("user id is required")
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return invalid("task id is required")
		}
	}
	return nil
}

// ==================== Task Management ====================

func (s *TaskService) CreateTask(ctx context.Context, input ports.CreateTaskInput) (*domain.Task, error) {
	title := strings.TrimSpace(input.Title)
	if err := requireIDs(input.UserID); err != nil {
		return nil, err
	}
	if title == "" {
		return nil, invalid("title is required")
	}
	taskType := input.Type
	if taskType == "" {
		taskType = domain.TaskTypeGeneral
	}
	if !taskType.Valid() {
		return nil, invalid("unknown task type %q", taskType)
	}
	waitingFor := strings.TrimSpace(input.WaitingFor)
	if input.WaitMinutes != nil {
		if waitingFor == "" {
			return nil, invalid("waiting duration given without waitingFor")
		}
		if *input.WaitMinutes <= 0 {
			return nil, invalid("waiting duration must be positive")
		}
	}
	for i, st := range input.Steps {
		if strings.TrimSpace(st.Title) == "" {
			return nil, invalid("step %d: title is required", i+1)
		}
	}

	now := s.now().UTC()
	md := input.Metadata.Clone()
	md = domain.SetCurrentStepNumber(md, 1)
	md = domain.SetTotalSteps(md, len(input.Steps))
	md = domain.ClearWaitState(md)
	md = domain.ClearCompletedAt(md)
	delete(md, domain.MetaParentTaskID)

	if parentID := strings.TrimSpace(input.ParentTaskID); parentID != "" {
		if _, err := s.repo.FindByID(ctx, parentID, input.UserID); err != nil {
			return nil, invalid("parent task %s not found", parentID)
		}
		md[domain.MetaParentTaskID] = parentID
	}

	status := domain.TaskStatusPending
	if waitingFor != "" {
		status = domain.TaskStatusWaiting
		md = domain.WriteWaitState(md, waitingFor, input.WaitMinutes, now)
	}

	task := &domain.Task{
		UserID:      input.UserID,
		Title:       title,
		Description: input.Description,
		Type:        taskType,
		Status:      status,
		Metadata:    md,
		Version:     1,
	}
	for i, st := range input.Steps {
		task.Steps = append(task.Steps, domain.TaskStep{
			StepNumber:  i + 1,
			Title:       strings.TrimSpace(st.Title),
			Description: st.Description,
			Status:      domain.TaskStatusPending,
			Metadata:    newStepMetadata(st.Metadata),
		})
	}

	if err := s.repo.Create(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Infow("task_created", "task_id", task.ID, "user_id", task.UserID, "status", task.Status, "steps", len(task.Steps))

	msg := ""
	if status == domain.TaskStatusWaiting {
		msg = "waiting for " + waitingFor
	}
	s.record(ctx, domain.TaskEvent{
		TaskID:   task.ID,
		UserID:   task.UserID,
		Type:     domain.EventTypeTaskCreated,
		ToStatus: status,
		Source:   sourceOr(input.Source, domain.SourceAgent),
		Message:  msg,
	})
	return task, nil
}

func (s *TaskService) GetTask(ctx context.Context, userID, taskID string) (*domain.Task, error) {
	if err := requireIDs(userID, taskID); err != nil {
		return nil, err
	}
	return s.repo.FindByID(ctx, taskID, userID)
}

func (s *TaskService) ListTasks(ctx context.Context, userID string, filter ports.TaskFilter) ([]domain.Task, error) {
	if err := requireIDs(userID); err != nil {
		return nil, err
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, invalid("unknown status %q", *filter.Status)
	}
	return s.repo.ListByUser(ctx, userID, filter)
}

func (s *TaskService) DeleteTask(ctx context.Context, userID, taskID string) error {
	if err := requireIDs(userID, taskID); err != nil {
		return err
	}
	unlock := s.lockKeys(taskKey(taskID))
	defer unlock()

	task, err := s.repo.FindByID(ctx, taskID, userID)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, taskID, userID); err != nil {
		return err
	}
	s.logger.Infow("task_deleted", "task_id", taskID, "user_id", userID)
	s.record(ctx, domain.TaskEvent{
		TaskID:     taskID,
		UserID:     userID,
		Type:       domain.EventTypeTaskDeleted,
		FromStatus: task.Status,
		Source:     domain.SourceManual,
	})
	return nil
}

func (s *TaskService) AddStep(ctx context.Context, userID, taskID string, input ports.StepInput) (*domain.Task, error) {
	if err := requireIDs(userID, taskID); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, invalid("step title is required")
	}
	unlock := s.lockKeys(taskKey(taskID))
	defer unlock()

	task, err := s.repo.FindByID(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	total := len(task.Steps) + 1
	write := baseWrite(task)
	write.Metadata = domain.SetTotalSteps(write.Metadata, total)
	write.Metadata = domain.SetCurrentStepNumber(write.Metadata, domain.ClampStep(domain.CurrentStepNumber(task.Metadata), total))

	step := &domain.TaskStep{
		StepNumber:  total,
		Title:       title,
		Description: input.Description,
		Status:      domain.TaskStatusPending,
		Metadata:    newStepMetadata(input.Metadata),
	}
	updated, err := s.repo.AddStep(ctx, write, step)
	if err != nil {
		return nil, err
	}
	s.record(ctx, domain.TaskEvent{
		TaskID:   taskID,
		UserID:   userID,
		StepID:   step.ID,
		Type:     domain.EventTypeStepAdded,
		ToStatus: step.Status,
		Source:   domain.SourceAgent,
		Message:  title,
	})
	return updated, nil
}

func (s *TaskService) DeleteStep(ctx context.Context, userID, taskID, stepID string) (*domain.Task, error) {
	if err := requireIDs(userID, taskID); err != nil {
		return nil, err
	}
	unlock := s.lockKeys(taskKey(taskID))
	defer unlock()

	task, err := s.repo.FindByID(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	step, ok := task.StepByID(stepID)
	if !ok {
		return nil, domain.ErrStepNotFound
	}

	now := s.now().UTC()
	p := planStepDeletion(task, step, now)
	updated, err := s.repo.DeleteStep(ctx, p.task, stepID)
	if err != nil {
		return nil, err
	}
	if len(p.events) > 0 {
		s.engine.metrics.ObserveTransition("task", string(updated.Status), string(domain.SourceAgent))
		s.events.Record(ctx, p.events...)
	}
	s.record(ctx, domain.TaskEvent{
		TaskID:     taskID,
		UserID:     userID,
		StepID:     stepID,
		Type:       domain.EventTypeStepDeleted,
		FromStatus: step.Status,
		Source:     domain.SourceAgent,
		Message:    fmt.Sprintf("step %d removed", step.StepNumber),
	})
	return updated, nil
}

// ==================== Lifecycle ====================

// ResumeTask moves a waiting task back to IN_PROGRESS. Tasks that are not
// waiting are reported as not found.
func (s *TaskService) ResumeTask(ctx context.Context, input ports.ResumeTaskInput) (*domain.Task, error) {
	if err := requireIDs(input.UserID, input.TaskID); err != nil {
		return nil, err
	}
	unlock := s.lockKeys(taskKey(input.TaskID))
	defer unlock()

	task, err := s.repo.FindByID(ctx, input.TaskID, input.UserID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskStatusWaiting {
		return nil, fmt.Errorf("%w: task is not waiting", domain.ErrTaskNotFound)
	}

	return s.engine.TransitionTask(ctx, input.UserID, input.TaskID, TransitionRequest{
		Status:       domain.TaskStatusInProgress,
		Response:     input.Response,
		HasResponse:  input.HasResponse,
		ExpectStatus: domain.TaskStatusWaiting,
		Source:       sourceOr(input.Source, domain.SourceManual),
		Marker:       MarkManuallyResumed,
	})
}

func (s *TaskService) SetTaskWaiting(ctx context.Context, input ports.SetWaitingInput) (*domain.Task, error) {
	if err := requireIDs(input.UserID, input.TaskID); err != nil {
		return nil, err
	}
	unlock := s.lockKeys(taskKey(input.TaskID))
	defer unlock()

	req := TransitionRequest{
		Status:      domain.TaskStatusWaiting,
		WaitingFor:  input.WaitingFor,
		WaitMinutes: input.WaitMinutes,
		Source:      sourceOr(input.Source, domain.SourceManual),
	}
	if input.StepID != "" {
		return s.engine.TransitionStep(ctx, input.UserID, input.TaskID, input.StepID, req)
	}
	return s.engine.TransitionTask(ctx, input.UserID, input.TaskID, req)
}

func (s *TaskService) CompleteTask(ctx context.Context, input ports.CompleteTaskInput) (*domain.Task, error) {
	if err := requireIDs(input.UserID, input.TaskID); err != nil {
		return nil, err
	}
	unlock := s.lockKeys(taskKey(input.TaskID))
	defer unlock()

	req := TransitionRequest{
		Status:            domain.TaskStatusCompleted,
		Response:          input.Response,
		HasResponse:       input.HasResponse,
		AdvanceToNextStep: input.AdvanceToNextStep,
		CompletedAt:       input.CompletedAt,
		Source:            sourceOr(input.Source, domain.SourceManual),
	}
	if input.StepID != "" {
		return s.engine.TransitionStep(ctx, input.UserID, input.TaskID, input.StepID, req)
	}
	return s.engine.TransitionTask(ctx, input.UserID, input.TaskID, req)
}

// UpdateTaskState applies an arbitrary transition to the task or one of its
// steps. Leaving WAITING_FOR_RESPONSE this way counts as a manual resume.
func (s *TaskService) UpdateTaskState(ctx context.Context, input ports.UpdateStateInput) (*domain.Task, error) {
	if err := requireIDs(input.UserID, input.TaskID); err != nil {
		return nil, err
	}
	unlock := s.lockKeys(taskKey(input.TaskID))
	defer unlock()

	req := TransitionRequest{
		Status:            input.Status,
		WaitingFor:        input.WaitingFor,
		WaitMinutes:       input.WaitMinutes,
		Response:          input.Response,
		HasResponse:       input.HasResponse,
		AdvanceToNextStep: input.AdvanceToNextStep,
		CompletedAt:       input.CompletedAt,
		Source:            sourceOr(input.Source, domain.SourceManual),
	}
	if input.Status == domain.TaskStatusInProgress {
		req.Marker = MarkManuallyResumed
	}
	if input.StepID != "" {
		return s.engine.TransitionStep(ctx, input.UserID, input.TaskID, input.StepID, req)
	}
	return s.engine.TransitionTask(ctx, input.UserID, input.TaskID, req)
}

// ListWaitingTasks returns the owner's waiting tasks, oldest wait first.
// IncludeExpired narrows the list to tasks whose deadline has passed.
func (s *TaskService) ListWaitingTasks(ctx context.Context, userID string, opts ports.WaitingOptions) ([]domain.Task, error) {
	if err := requireIDs(userID); err != nil {
		return nil, err
	}
	return s.repo.ListWaiting(ctx, userID, ports.WaitingFilter{
		WaitingFor:     opts.WaitingFor,
		IncludeExpired: opts.IncludeExpired,
		Now:            s.now(),
	})
}

// ==================== Events ====================

func (s *TaskService) ListTaskEvents(ctx context.Context, userID, taskID string, limit int) ([]domain.TaskEvent, error) {
	if err := requireIDs(userID, taskID); err != nil {
		return nil, err
	}
	if _, err := s.repo.FindByID(ctx, taskID, userID); err != nil {
		return nil, err
	}
	return s.events.List(ctx, taskID, limit)
}

func (s *TaskService) Subscribe(userID string) (<-chan domain.TaskEvent, func()) {
	return s.events.Subscribe(userID)
}
