package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"github.com/niiwade/jump-advisor-sub000/internal/transport/http/dto"
)

type SchedulerHandler struct {
	scheduler ports.ResumptionScheduler
	logger    *logger.Logger
}

func NewSchedulerHandler(scheduler ports.ResumptionScheduler, logger *logger.Logger) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler, logger: logger}
}

func (h *SchedulerHandler) GetStatus(c *fiber.Ctx) error {
	resp := dto.SchedulerStatusResponse{Running: h.scheduler.Running()}
	if next := h.scheduler.NextRun(); !next.IsZero() {
		resp.NextRun = &next
	}
	if last, ok := h.scheduler.LastCycle(); ok {
		resp.LastCycle = &last
	}
	return c.JSON(resp)
}

// RunNow performs one resumption cycle synchronously.
func (h *SchedulerHandler) RunNow(c *fiber.Ctx) error {
	h.logger.Infow("scheduler_run_request")
	cycle := h.scheduler.RunCycle(c.UserContext())
	return c.JSON(cycle)
}
