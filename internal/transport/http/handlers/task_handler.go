package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"github.com/niiwade/jump-advisor-sub000/internal/transport/http/dto"
)

type TaskHandler struct {
	service ports.TaskService
	logger  *logger.Logger
}

func NewTaskHandler(service ports.TaskService, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{service: service, logger: logger}
}

func (h *TaskHandler) CreateTask(c *fiber.Ctx) error {
	var req dto.CreateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, h.logger, "task_create", err)
	}
	if errors := req.Validate(); len(errors) > 0 {
		return badRequest(c, h.logger, "task_create", errors)
	}

	owner := userID(c)
	h.logger.Infow("task_create_request", "user_id", owner, "title", req.Title, "steps", len(req.Steps))
	task, err := h.service.CreateTask(c.UserContext(), req.ToInput(owner))
	if err != nil {
		return writeError(c, h.logger, "task_create", err)
	}

	h.logger.Infow("task_create_success", "id", task.ID, "status", task.Status)
	return c.Status(fiber.StatusCreated).JSON(dto.TaskToResponse(task))
}

func (h *TaskHandler) GetTasks(c *fiber.Ctx) error {
	var filter ports.TaskFilter
	if s := c.Query("status"); s != "" {
		status := domain.TaskStatus(strings.ToUpper(s))
		filter.Status = &status
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return badRequest(c, h.logger, "tasks_list", []string{"limit must be a non-negative integer"})
		}
		filter.Limit = n
	}

	tasks, err := h.service.ListTasks(c.UserContext(), userID(c), filter)
	if err != nil {
		return writeError(c, h.logger, "tasks_list", err)
	}
	h.logger.Debugw("tasks_list_success", "count", len(tasks))
	return c.JSON(dto.TasksToResponse(tasks))
}

func (h *TaskHandler) GetWaitingTasks(c *fiber.Ctx) error {
	opts := ports.WaitingOptions{
		WaitingFor:     c.Query("waiting_for"),
		IncludeExpired: c.QueryBool("include_expired", false),
	}
	tasks, err := h.service.ListWaitingTasks(c.UserContext(), userID(c), opts)
	if err != nil {
		return writeError(c, h.logger, "tasks_waiting_list", err)
	}
	return c.JSON(dto.TasksToResponse(tasks))
}

func (h *TaskHandler) GetTask(c *fiber.Ctx) error {
	task, err := h.service.GetTask(c.UserContext(), userID(c), c.Params("id"))
	if err != nil {
		return writeError(c, h.logger, "task_get", err)
	}
	return c.JSON(dto.TaskToResponse(task))
}

func (h *TaskHandler) DeleteTask(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.service.DeleteTask(c.UserContext(), userID(c), id); err != nil {
		return writeError(c, h.logger, "task_delete", err)
	}
	h.logger.Infow("task_delete_success", "id", id)
	return c.JSON(dto.SuccessResponse{Message: "task deleted"})
}

func (h *TaskHandler) AddStep(c *fiber.Ctx) error {
	var req dto.StepRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, h.logger, "task_step_add", err)
	}
	if errors := req.Validate(); len(errors) > 0 {
		return badRequest(c, h.logger, "task_step_add", errors)
	}
	task, err := h.service.AddStep(c.UserContext(), userID(c), c.Params("id"), req.ToInput())
	if err != nil {
		return writeError(c, h.logger, "task_step_add", err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.TaskToResponse(task))
}

func (h *TaskHandler) DeleteStep(c *fiber.Ctx) error {
	task, err := h.service.DeleteStep(c.UserContext(), userID(c), c.Params("id"), c.Params("stepId"))
	if err != nil {
		return writeError(c, h.logger, "task_step_delete", err)
	}
	return c.JSON(dto.TaskToResponse(task))
}

func (h *TaskHandler) SetWaiting(c *fiber.Ctx) error {
	var req dto.SetWaitingRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, h.logger, "task_wait", err)
	}
	if errors := req.Validate(); len(errors) > 0 {
		return badRequest(c, h.logger, "task_wait", errors)
	}

	task, err := h.service.SetTaskWaiting(c.UserContext(), ports.SetWaitingInput{
		UserID:      userID(c),
		TaskID:      c.Params("id"),
		StepID:      req.StepID,
		WaitingFor:  req.WaitingFor,
		WaitMinutes: req.WaitMinutes,
		Source:      domain.SourceManual,
	})
	if err != nil {
		return writeError(c, h.logger, "task_wait", err)
	}
	h.logger.Infow("task_wait_success", "id", task.ID, "waiting_for", req.WaitingFor)
	return c.JSON(dto.TaskToResponse(task))
}

func (h *TaskHandler) Resume(c *fiber.Ctx) error {
	var req dto.ResumeTaskRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return invalidBody(c, h.logger, "task_resume", err)
		}
	}
	response, has, err := req.Decode()
	if err != nil {
		return invalidBody(c, h.logger, "task_resume", err)
	}

	task, err := h.service.ResumeTask(c.UserContext(), ports.ResumeTaskInput{
		UserID:      userID(c),
		TaskID:      c.Params("id"),
		Response:    response,
		HasResponse: has,
		Source:      domain.SourceManual,
	})
	if err != nil {
		return writeError(c, h.logger, "task_resume", err)
	}
	h.logger.Infow("task_resume_success", "id", task.ID)
	return c.JSON(dto.TaskToResponse(task))
}

func (h *TaskHandler) Complete(c *fiber.Ctx) error {
	var req dto.CompleteTaskRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return invalidBody(c, h.logger, "task_complete", err)
		}
	}
	response, has, err := req.Decode()
	if err != nil {
		return invalidBody(c, h.logger, "task_complete", err)
	}

	task, err := h.service.CompleteTask(c.UserContext(), ports.CompleteTaskInput{
		UserID:            userID(c),
		TaskID:            c.Params("id"),
		StepID:            req.StepID,
		AdvanceToNextStep: req.AdvanceToNextStep,
		Response:          response,
		HasResponse:       has,
		CompletedAt:       req.CompletedAt,
		Source:            domain.SourceManual,
	})
	if err != nil {
		return writeError(c, h.logger, "task_complete", err)
	}
	h.logger.Infow("task_complete_success", "id", task.ID, "status", task.Status)
	return c.JSON(dto.TaskToResponse(task))
}

func (h *TaskHandler) UpdateState(c *fiber.Ctx) error {
	var req dto.UpdateStateRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, h.logger, "task_state", err)
	}
	if errors := req.Validate(); len(errors) > 0 {
		return badRequest(c, h.logger, "task_state", errors)
	}
	response, has, err := req.Decode()
	if err != nil {
		return invalidBody(c, h.logger, "task_state", err)
	}

	task, err := h.service.UpdateTaskState(c.UserContext(), ports.UpdateStateInput{
		UserID:            userID(c),
		TaskID:            c.Params("id"),
		StepID:            req.StepID,
		Status:            req.GetStatus(),
		WaitingFor:        req.WaitingFor,
		WaitMinutes:       req.WaitMinutes,
		Response:          response,
		HasResponse:       has,
		AdvanceToNextStep: req.AdvanceToNextStep,
		CompletedAt:       req.CompletedAt,
		Source:            domain.SourceManual,
	})
	if err != nil {
		return writeError(c, h.logger, "task_state", err)
	}
	h.logger.Infow("task_state_success", "id", task.ID, "status", task.Status)
	return c.JSON(dto.TaskToResponse(task))
}
