package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/niiwade/jump-advisor-sub000/internal/config"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"github.com/niiwade/jump-advisor-sub000/pkg/utils/keygen"
)

// RequestLogger tags each request with an id and logs one line when it
// finishes.
func RequestLogger(cfg *config.Config, log *logger.Logger) fiber.Handler {
	header := cfg.Features.RequestIDHeader
	if header == "" {
		header = fiber.HeaderXRequestID
	}
	return func(c *fiber.Ctx) error {
		rid := c.Get(header)
		if rid == "" {
			rid = keygen.GenerateUUID()
		}
		c.Set(header, rid)

		start := time.Now()
		err := c.Next()
		if !cfg.Features.EnableRequestLogging {
			return err
		}
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		log.Infow("http_request",
			"request_id", rid,
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"user_id", UserID(c),
			"duration", time.Since(start),
		)
		return err
	}
}
