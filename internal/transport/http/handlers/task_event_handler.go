package handlers

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/metrics"
	"github.com/niiwade/jump-advisor-sub000/internal/transport/http/dto"
	"github.com/niiwade/jump-advisor-sub000/internal/transport/http/middleware"
)

const streamPingInterval = 30 * time.Second

type TaskEventHandler struct {
	service ports.TaskService
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewTaskEventHandler(service ports.TaskService, logger *logger.Logger, m *metrics.Metrics) *TaskEventHandler {
	return &TaskEventHandler{service: service, logger: logger, metrics: m}
}

func (h *TaskEventHandler) GetEvents(c *fiber.Ctx) error {
	limit := 50
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid limit"})
		}
		limit = n
	}
	events, err := h.service.ListTaskEvents(c.UserContext(), userID(c), c.Params("id"), limit)
	if err != nil {
		return writeError(c, h.logger, "task_events_list", err)
	}
	return c.JSON(events)
}

// streamConn is the part of *websocket.Conn used to turn a client away.
type streamConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

func (h *TaskEventHandler) rejectStream(c streamConn, reason string) {
	payload, _ := json.Marshal(dto.ErrorResponse{Error: reason})
	if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.logger.Warnw("task_stream_write_failed", "reason", reason, "error", err)
	}
	if err := c.Close(); err != nil {
		h.logger.Debugw("task_stream_close_failed", "error", err)
	}
}

// Stream pushes the caller's task events over a websocket until the client
// goes away.
func (h *TaskEventHandler) Stream(c *websocket.Conn) {
	owner, _ := c.Locals(middleware.LocalUserID).(string)
	if owner == "" {
		h.logger.Warnw("task_stream_missing_user")
		h.rejectStream(c, "missing user")
		return
	}

	events, unsubscribe := h.service.Subscribe(owner)
	defer unsubscribe()
	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()
	h.logger.Infow("task_stream_open", "user_id", owner)

	// Reader detects client disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			h.logger.Infow("task_stream_closed", "user_id", owner)
			return
		case <-ping.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				h.logger.Errorw("task_stream_marshal_failed", "error", err)
				continue
			}
			if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debugw("task_stream_write_failed", "user_id", owner, "error", err)
				return
			}
		}
	}
}
