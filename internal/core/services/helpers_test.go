package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/niiwade/jump-advisor-sub000/internal/config"
	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/db"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	clock     *fakeClock
	repo      ports.TaskRepository
	eventRepo ports.TaskEventRepository
	events    *TaskEvents
	metrics   *metrics.Metrics
	engine    *TransitionEngine
	service   *TaskService
	scheduler *ResumptionScheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.NewConnection(config.DatabaseConfig{
		Driver:     db.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "tasks.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.RunMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(database) })

	log := logger.NewNop()
	env := &testEnv{clock: newFakeClock()}
	env.repo = db.NewTaskRepository(database, log)
	env.eventRepo = db.NewTaskEventRepository(database, log)
	env.events = NewTaskEvents(env.eventRepo, log)
	env.metrics = metrics.New("test", prometheus.NewRegistry())
	env.engine = NewTransitionEngine(env.repo, env.events, env.metrics, log, env.clock.Now)
	env.service = NewTaskService(env.repo, env.engine, env.events, log, true)
	env.scheduler = NewResumptionScheduler(env.repo, env.engine, log,
		WithConcurrency(4),
		WithSchedulerMetrics(env.metrics),
	)
	return env
}

func (env *testEnv) createTask(t *testing.T, userID string, steps ...string) *domain.Task {
	t.Helper()
	input := ports.CreateTaskInput{
		UserID:   userID,
		Title:    "schedule meeting",
		Type:     domain.TaskTypeCalendar,
		Metadata: domain.JSONB{"emailDraft": "hello"},
	}
	for _, s := range steps {
		input.Steps = append(input.Steps, ports.StepInput{Title: s})
	}
	task, err := env.service.CreateTask(context.Background(), input)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env *testEnv) reload(t *testing.T, task *domain.Task) *domain.Task {
	t.Helper()
	got, err := env.repo.FindByID(context.Background(), task.ID, task.UserID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return got
}

func minutes(n int) *int { return &n }

// assertWaitConsistent checks that status WAITING_FOR_RESPONSE and the
// presence of waitingFor always agree, for the task and each step.
func assertWaitConsistent(t *testing.T, task *domain.Task) {
	t.Helper()
	check := func(what string, status domain.TaskStatus, md domain.JSONB) {
		waiting := status == domain.TaskStatusWaiting
		if waiting != domain.ReadWaitState(md).IsWaiting() {
			t.Fatalf("%s: status %s but metadata %v", what, status, md)
		}
		if !waiting {
			for _, k := range []string{domain.MetaWaitingFor, domain.MetaWaitingSince, domain.MetaResumeAfter} {
				if _, ok := md[k]; ok {
					t.Fatalf("%s: %s left behind in %v", what, k, md)
				}
			}
		}
	}
	check("task", task.Status, task.Metadata)
	for _, s := range task.Steps {
		check("step "+s.Title, s.Status, s.Metadata)
	}
}
