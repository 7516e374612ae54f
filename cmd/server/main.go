package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/niiwade/jump-advisor-sub000/internal/config"
	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/core/services"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/db"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/metrics"
	transporthttp "github.com/niiwade/jump-advisor-sub000/internal/transport/http"
	transportmcp "github.com/niiwade/jump-advisor-sub000/internal/transport/mcp"
	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	database, err := db.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	log.Infow("database connection established", "driver", cfg.Database.Driver)

	if err := db.RunMigrations(database); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	log.Info("database migrations completed")

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace, nil)
	}

	taskRepo := db.NewTaskRepository(database, log)
	var eventRepo ports.TaskEventRepository
	if cfg.Features.PersistTaskEvents {
		eventRepo = db.NewTaskEventRepository(database, log)
	} else {
		eventRepo = db.NewTaskEventRepoStub(log)
	}

	events := services.NewTaskEvents(eventRepo, log)
	engine := services.NewTransitionEngine(taskRepo, events, m, log.Named("engine"), time.Now)
	taskService := services.NewTaskService(taskRepo, engine, events, log, cfg.Features.EnableLocks)
	scheduler := services.NewResumptionScheduler(taskRepo, engine, log.Named("scheduler"),
		services.WithInterval(cfg.Scheduler.Interval),
		services.WithCycleTimeout(cfg.Scheduler.CycleTimeout),
		services.WithConcurrency(cfg.Scheduler.Concurrency),
		services.WithSchedulerMetrics(m),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Scheduler.Enabled {
		if err := scheduler.Start(ctx); err != nil {
			log.Fatalf("failed to start resumption scheduler: %v", err)
		}
	} else {
		log.Warn("resumption scheduler disabled; waiting tasks resume manually only")
	}

	done := make(chan struct{})

	var app *fiber.App
	if cfg.Server.ServesHTTP() {
		app = newHTTPApp(cfg, log, taskService, scheduler, m)
		go func() {
			if err := app.Listen(cfg.Server.Address()); err != nil {
				log.Fatalf("server failed to start: %v", err)
			}
		}()
		log.Infof("server started on %s", cfg.Server.Address())
	}

	if cfg.Server.ServesMCP() {
		mcpServer := transportmcp.NewServer(taskService, log.Named("mcp"))
		go func() {
			if err := mcpServer.Run(); err != nil {
				log.Errorw("mcp_server_stopped", "error", err)
			}
			if !cfg.Server.ServesHTTP() {
				close(done)
			}
		}()
	}

	gracefulShutdown(cfg, app, scheduler, database, log, done)
}

func newHTTPApp(cfg *config.Config, log *logger.Logger, tasks ports.TaskService, scheduler ports.ResumptionScheduler, m *metrics.Metrics) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ErrorHandler:          globalErrorHandler(log),
		DisableStartupMessage: true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	allowedOrigins := "http://localhost:3000"
	if len(cfg.Auth.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.Auth.AllowedOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Token, " + cfg.Auth.UserHeader,
		AllowMethods: "GET, POST, HEAD, PUT, DELETE, PATCH",
	}))

	transporthttp.SetupRoutes(app, transporthttp.RouterConfig{
		Config:    cfg,
		Logger:    log,
		Tasks:     tasks,
		Scheduler: scheduler,
		Metrics:   m,
	})
	return app
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		if code < fiber.StatusInternalServerError {
			log.Warnw("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
			)
		} else {
			log.Errorw("request error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
			)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

func gracefulShutdown(cfg *config.Config, app *fiber.App, scheduler *services.ResumptionScheduler, database *gorm.DB, log *logger.Logger, done <-chan struct{}) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case <-done:
	}
	log.Info("shutting down server...")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if scheduler.Running() {
		if err := scheduler.Stop(); err != nil {
			log.Errorf("failed to stop resumption scheduler: %v", err)
		}
	}

	if app != nil {
		if err := app.ShutdownWithContext(ctx); err != nil {
			log.Errorf("server forced to shutdown: %v", err)
		}
	}

	if err := db.Close(database); err != nil {
		log.Errorf("failed to close database connection: %v", err)
	}

	log.Info("server exited gracefully")
}
