package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"github.com/niiwade/jump-advisor-sub000/internal/transport/http/dto"
	"github.com/niiwade/jump-advisor-sub000/internal/transport/http/middleware"
)

// writeError maps lifecycle errors to HTTP status codes.
func writeError(c *fiber.Ctx, log *logger.Logger, event string, err error) error {
	switch {
	case errors.Is(err, domain.ErrTaskInvalidInput):
		log.Warnw(event+"_bad_request", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrStepNotFound):
		log.Warnw(event+"_not_found", "error", err)
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "step not found"})
	case errors.Is(err, domain.ErrTaskNotFound):
		log.Warnw(event+"_not_found", "error", err)
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "task not found"})
	case errors.Is(err, domain.ErrTaskConflict):
		log.Warnw(event+"_conflict", "error", err)
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "task was modified concurrently, re-fetch and retry"})
	default:
		log.Errorw(event+"_failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
}

func badRequest(c *fiber.Ctx, log *logger.Logger, event string, details []string) error {
	log.Warnw(event+"_validation_failed", "details", details)
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error:   "validation failed",
		Details: details,
	})
}

func invalidBody(c *fiber.Ctx, log *logger.Logger, event string, err error) error {
	log.Warnw(event+"_body_parse_failed", "error", err)
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error: "invalid request body",
	})
}

func userID(c *fiber.Ctx) string {
	return middleware.UserID(c)
}
