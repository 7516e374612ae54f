package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"github.com/niiwade/jump-advisor-sub000/internal/transport/http/dto"
)

const (
	serverName    = "task-lifecycle"
	serverVersion = "1.0.0"
)

// Server exposes the task lifecycle operations to the chat agent as MCP tools.
type Server struct {
	tasks  ports.TaskService
	logger *logger.Logger
}

func NewServer(tasks ports.TaskService, logger *logger.Logger) *Server {
	return &Server{tasks: tasks, logger: logger}
}

// Run serves the tools over stdio until stdin closes.
func (s *Server) Run() error {
	mcpServer := s.Build()
	s.logger.Infow("mcp_server_starting", "transport", "stdio")
	return server.ServeStdio(mcpServer)
}

func (s *Server) Build() *server.MCPServer {
	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	return mcpServer
}

func (s *Server) registerTools(mcpServer *server.MCPServer) {
	userParam := mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("Owner of the task. Every call is scoped to this user."),
	)
	taskParam := mcp.WithString("task_id",
		mcp.Required(),
		mcp.Description("Task ID"),
	)

	mcpServer.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Create a task, optionally with ordered steps, optionally already waiting for a response."),
		userParam,
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Short task title"),
		),
		mcp.WithString("description",
			mcp.Description("Longer description of the work"),
		),
		mcp.WithString("type",
			mcp.Description("Task classification"),
			mcp.Enum("EMAIL", "CALENDAR", "HUBSPOT", "GENERAL"),
		),
		mcp.WithArray("steps",
			mcp.Description("Step titles in execution order"),
			mcp.WithStringItems(),
		),
		mcp.WithString("parent_task_id",
			mcp.Description("Parent task for sub-tasks"),
		),
		mcp.WithString("waiting_for",
			mcp.Description("Create the task waiting on this (e.g. 'Contact selection')"),
		),
		mcp.WithNumber("waiting_duration_minutes",
			mcp.Description("Auto-resume after this many minutes. Omit to wait until resumed manually."),
			mcp.Min(1),
		),
	), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Get a task with its steps and lifecycle metadata"),
		userParam,
		taskParam,
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("task_set_waiting",
		mcp.WithDescription("Pause a task (or one of its steps) until a response arrives or the optional deadline passes"),
		userParam,
		taskParam,
		mcp.WithString("waiting_for",
			mcp.Required(),
			mcp.Description("What the task is waiting on"),
		),
		mcp.WithNumber("waiting_duration_minutes",
			mcp.Description("Auto-resume after this many minutes"),
			mcp.Min(1),
		),
		mcp.WithString("step_id",
			mcp.Description("Apply to this step instead of the whole task"),
		),
	), s.handleSetWaiting)

	mcpServer.AddTool(mcp.NewTool("task_resume",
		mcp.WithDescription("Resume a waiting task, recording the response that unblocked it"),
		userParam,
		taskParam,
		mcp.WithString("response",
			mcp.Description("Response received, appended to the task's response history"),
		),
	), s.handleResume)

	mcpServer.AddTool(mcp.NewTool("task_complete",
		mcp.WithDescription("Complete a task, or complete one step and optionally advance to the next"),
		userParam,
		taskParam,
		mcp.WithString("step_id",
			mcp.Description("Complete this step instead of the whole task"),
		),
		mcp.WithBoolean("advance_to_next_step",
			mcp.Description("Move the task to the following step, completing the task after the last one"),
		),
		mcp.WithString("response",
			mcp.Description("Optional result to record"),
		),
	), s.handleComplete)

	mcpServer.AddTool(mcp.NewTool("task_list_waiting",
		mcp.WithDescription("List the user's waiting tasks, oldest wait first"),
		userParam,
		mcp.WithString("waiting_for",
			mcp.Description("Case-insensitive filter on what the task waits for"),
		),
		mcp.WithBoolean("include_expired",
			mcp.Description("Only tasks whose auto-resume deadline has passed"),
		),
	), s.handleListWaiting)

	s.logger.Infow("mcp_tools_registered", "count", 6)
}

func (s *Server) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input := ports.CreateTaskInput{
		UserID:       mcp.ParseString(request, "user_id", ""),
		Title:        mcp.ParseString(request, "title", ""),
		Description:  mcp.ParseString(request, "description", ""),
		Type:         domain.TaskType(strings.ToUpper(mcp.ParseString(request, "type", ""))),
		ParentTaskID: mcp.ParseString(request, "parent_task_id", ""),
		WaitingFor:   mcp.ParseString(request, "waiting_for", ""),
		WaitMinutes:  parseMinutes(request),
		Source:       domain.SourceAgent,
	}
	for _, title := range request.GetStringSlice("steps", nil) {
		input.Steps = append(input.Steps, ports.StepInput{Title: title})
	}

	task, err := s.tasks.CreateTask(ctx, input)
	if err != nil {
		return s.toolError("task_create", err), nil
	}
	return taskResult(task)
}

func (s *Server) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.tasks.GetTask(ctx,
		mcp.ParseString(request, "user_id", ""),
		mcp.ParseString(request, "task_id", ""),
	)
	if err != nil {
		return s.toolError("task_get", err), nil
	}
	return taskResult(task)
}

func (s *Server) handleSetWaiting(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.tasks.SetTaskWaiting(ctx, ports.SetWaitingInput{
		UserID:      mcp.ParseString(request, "user_id", ""),
		TaskID:      mcp.ParseString(request, "task_id", ""),
		StepID:      mcp.ParseString(request, "step_id", ""),
		WaitingFor:  mcp.ParseString(request, "waiting_for", ""),
		WaitMinutes: parseMinutes(request),
		Source:      domain.SourceAgent,
	})
	if err != nil {
		return s.toolError("task_set_waiting", err), nil
	}
	return taskResult(task)
}

func (s *Server) handleResume(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	response := mcp.ParseString(request, "response", "")
	task, err := s.tasks.ResumeTask(ctx, ports.ResumeTaskInput{
		UserID:      mcp.ParseString(request, "user_id", ""),
		TaskID:      mcp.ParseString(request, "task_id", ""),
		Response:    response,
		HasResponse: response != "",
		Source:      domain.SourceAgent,
	})
	if err != nil {
		return s.toolError("task_resume", err), nil
	}
	return taskResult(task)
}

func (s *Server) handleComplete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	response := mcp.ParseString(request, "response", "")
	task, err := s.tasks.CompleteTask(ctx, ports.CompleteTaskInput{
		UserID:            mcp.ParseString(request, "user_id", ""),
		TaskID:            mcp.ParseString(request, "task_id", ""),
		StepID:            mcp.ParseString(request, "step_id", ""),
		AdvanceToNextStep: mcp.ParseBoolean(request, "advance_to_next_step", false),
		Response:          response,
		HasResponse:       response != "",
		Source:            domain.SourceAgent,
	})
	if err != nil {
		return s.toolError("task_complete", err), nil
	}
	return taskResult(task)
}

func (s *Server) handleListWaiting(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.tasks.ListWaitingTasks(ctx, mcp.ParseString(request, "user_id", ""), ports.WaitingOptions{
		WaitingFor:     mcp.ParseString(request, "waiting_for", ""),
		IncludeExpired: mcp.ParseBoolean(request, "include_expired", false),
	})
	if err != nil {
		return s.toolError("task_list_waiting", err), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No waiting tasks"), nil
	}
	return jsonResult(dto.TasksToResponse(tasks))
}

func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, domain.ErrTaskInvalidInput), errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrTaskConflict):
		s.logger.Warnw("mcp_tool_rejected", "tool", tool, "error", err)
	default:
		s.logger.Errorw("mcp_tool_failed", "tool", tool, "error", err)
	}
	return mcp.NewToolResultError(err.Error())
}

// parseMinutes returns nil when the duration is omitted.
func parseMinutes(request mcp.CallToolRequest) *int {
	minutes := mcp.ParseFloat64(request, "waiting_duration_minutes", 0)
	if minutes == 0 {
		return nil
	}
	n := int(minutes)
	return &n
}

func taskResult(task *domain.Task) (*mcp.CallToolResult, error) {
	return jsonResult(dto.TaskToResponse(task))
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}
