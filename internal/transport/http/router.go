package http

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/niiwade/jump-advisor-sub000/internal/config"
	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/metrics"
	"github.com/niiwade/jump-advisor-sub000/internal/transport/http/handlers"
	httpmw "github.com/niiwade/jump-advisor-sub000/internal/transport/http/middleware"
)

type RouterConfig struct {
	Config    *config.Config
	Logger    *logger.Logger
	Tasks     ports.TaskService
	Scheduler ports.ResumptionScheduler
	Metrics   *metrics.Metrics
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	taskHandler := handlers.NewTaskHandler(cfg.Tasks, cfg.Logger)
	eventHandler := handlers.NewTaskEventHandler(cfg.Tasks, cfg.Logger, cfg.Metrics)
	schedulerHandler := handlers.NewSchedulerHandler(cfg.Scheduler, cfg.Logger)

	app.Use(httpmw.RequestLogger(cfg.Config, cfg.Logger))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if cfg.Config.Metrics.Enabled {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}

	// Live task event stream
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws/tasks",
		httpmw.AdminAuth(cfg.Config),
		httpmw.OwnerScope(cfg.Config),
		websocket.New(eventHandler.Stream),
	)

	// API v1 routes
	api := app.Group("/api/v1")

	// Task routes
	tasks := api.Group("/tasks", httpmw.AdminAuth(cfg.Config), httpmw.OwnerScope(cfg.Config))
	tasks.Post("/", taskHandler.CreateTask)
	tasks.Get("/", taskHandler.GetTasks)
	tasks.Get("/waiting", taskHandler.GetWaitingTasks)
	tasks.Get("/:id", taskHandler.GetTask)
	tasks.Delete("/:id", taskHandler.DeleteTask)
	tasks.Get("/:id/events", eventHandler.GetEvents)
	tasks.Post("/:id/steps", taskHandler.AddStep)
	tasks.Delete("/:id/steps/:stepId", taskHandler.DeleteStep)
	tasks.Post("/:id/wait", taskHandler.SetWaiting)
	tasks.Post("/:id/resume", taskHandler.Resume)
	tasks.Post("/:id/complete", taskHandler.Complete)
	tasks.Patch("/:id/state", taskHandler.UpdateState)

	// Scheduler routes (operator)
	scheduler := api.Group("/scheduler", httpmw.AdminAuth(cfg.Config))
	scheduler.Get("/", schedulerHandler.GetStatus)
	scheduler.Post("/run", schedulerHandler.RunNow)
}
