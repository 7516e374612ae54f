package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/niiwade/jump-advisor-sub000/internal/config"
	"github.com/niiwade/jump-advisor-sub000/internal/core/services"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/db"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/metrics"
	"github.com/niiwade/jump-advisor-sub000/internal/transport/http/dto"
	"github.com/niiwade/jump-advisor-sub000/pkg/utils/keygen"
	"github.com/prometheus/client_golang/prometheus"
)

type testServer struct {
	app   *fiber.App
	clock *time.Time
}

func newTestServer(t *testing.T, adminHash string) *testServer {
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

	cfg := &config.Config{
		Auth:     config.AuthConfig{AdminAPIKeyHash: adminHash, UserHeader: "X-User-ID"},
		Metrics:  config.MetricsConfig{Enabled: true, Namespace: "test"},
		Features: config.FeaturesConfig{RequestIDHeader: "X-Request-ID"},
	}
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ts := &testServer{clock: &now}
	clock := func() time.Time { return *ts.clock }

	log := logger.NewNop()
	m := metrics.New("test", prometheus.NewRegistry())
	repo := db.NewTaskRepository(database, log)
	events := services.NewTaskEvents(db.NewTaskEventRepository(database, log), log)
	engine := services.NewTransitionEngine(repo, events, m, log, clock)
	tasks := services.NewTaskService(repo, engine, events, log, true)
	scheduler := services.NewResumptionScheduler(repo, engine, log)

	ts.app = fiber.New()
	SetupRoutes(ts.app, RouterConfig{
		Config:    cfg,
		Logger:    log,
		Tasks:     tasks,
		Scheduler: scheduler,
		Metrics:   m,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, user string, body interface{}, headers ...string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := ts.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, out
}

func decodeTask(t *testing.T, raw []byte) dto.TaskResponse {
	t.Helper()
	var task dto.TaskResponse
	if err := json.Unmarshal(raw, &task); err != nil {
		t.Fatalf("decode task: %v: %s", err, raw)
	}
	return task
}

func (ts *testServer) createTask(t *testing.T, user string, body map[string]interface{}) dto.TaskResponse {
	t.Helper()
	status, raw := ts.do(t, "POST", "/api/v1/tasks", user, body)
	if status != fiber.StatusCreated {
		t.Fatalf("create status = %d: %s", status, raw)
	}
	return decodeTask(t, raw)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")
	status, raw := ts.do(t, "GET", "/health", "", nil)
	if status != fiber.StatusOK || !strings.Contains(string(raw), "ok") {
		t.Fatalf("health = %d %s", status, raw)
	}
}

func TestMissingUserHeader(t *testing.T) {
	ts := newTestServer(t, "")
	status, _ := ts.do(t, "GET", "/api/v1/tasks", "", nil)
	if status != fiber.StatusUnauthorized {
		t.Fatalf("status = %d", status)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, "")
	task := ts.createTask(t, "u1", map[string]interface{}{
		"title": "book meeting",
		"type":  "calendar",
		"steps": []map[string]interface{}{{"title": "ask"}, {"title": "book"}},
	})
	if task.Status != domain.TaskStatusPending || task.CurrentStep != 1 || task.TotalSteps != 2 || task.Type != domain.TaskTypeCalendar {
		t.Fatalf("created = %+v", task)
	}

	status, raw := ts.do(t, "POST", "/api/v1/tasks/"+task.ID+"/wait", "u1", map[string]interface{}{
		"waiting_for":              "client reply",
		"waiting_duration_minutes": 60,
	})
	if status != fiber.StatusOK {
		t.Fatalf("wait = %d %s", status, raw)
	}
	waiting := decodeTask(t, raw)
	if waiting.Status != domain.TaskStatusWaiting || waiting.WaitingFor != "client reply" || waiting.ResumeAfter == nil {
		t.Fatalf("waiting = %+v", waiting)
	}

	status, raw = ts.do(t, "GET", "/api/v1/tasks/waiting?waiting_for=client", "u1", nil)
	if status != fiber.StatusOK {
		t.Fatalf("list waiting = %d", status)
	}
	var list []dto.TaskResponse
	if err := json.Unmarshal(raw, &list); err != nil || len(list) != 1 {
		t.Fatalf("waiting list = %s", raw)
	}

	status, raw = ts.do(t, "POST", "/api/v1/tasks/"+task.ID+"/resume", "u1", map[string]interface{}{
		"response": map[string]interface{}{"slot": "tuesday"},
	})
	if status != fiber.StatusOK {
		t.Fatalf("resume = %d %s", status, raw)
	}
	resumed := decodeTask(t, raw)
	if resumed.Status != domain.TaskStatusInProgress || resumed.WaitingFor != "" || len(domain.Responses(resumed.Metadata)) != 1 {
		t.Fatalf("resumed = %+v", resumed)
	}

	status, raw = ts.do(t, "POST", "/api/v1/tasks/"+task.ID+"/complete", "u1", map[string]interface{}{
		"step_id":              task.Steps[1].ID,
		"advance_to_next_step": true,
	})
	if status != fiber.StatusOK {
		t.Fatalf("complete = %d %s", status, raw)
	}
	done := decodeTask(t, raw)
	if done.Status != domain.TaskStatusCompleted || done.CompletedAt == nil {
		t.Fatalf("completed = %+v", done)
	}

	status, raw = ts.do(t, "GET", "/api/v1/tasks/"+task.ID+"/events?limit=2", "u1", nil)
	if status != fiber.StatusOK {
		t.Fatalf("events = %d %s", status, raw)
	}
	var events []domain.TaskEvent
	if err := json.Unmarshal(raw, &events); err != nil || len(events) != 2 {
		t.Fatalf("events = %s", raw)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, "")
	task := ts.createTask(t, "u1", map[string]interface{}{"title": "x"})

	cases := []struct {
		name   string
		method string
		path   string
		user   string
		body   interface{}
		want   int
	}{
		{"wait without reason", "POST", "/api/v1/tasks/" + task.ID + "/wait", "u1", map[string]interface{}{}, fiber.StatusBadRequest},
		{"bad state", "PATCH", "/api/v1/tasks/" + task.ID + "/state", "u1", map[string]interface{}{"status": "DONE"}, fiber.StatusBadRequest},
		{"resume not waiting", "POST", "/api/v1/tasks/" + task.ID + "/resume", "u1", nil, fiber.StatusNotFound},
		{"other owner", "GET", "/api/v1/tasks/" + task.ID, "u2", nil, fiber.StatusNotFound},
		{"unknown step", "DELETE", "/api/v1/tasks/" + task.ID + "/steps/nope", "u1", nil, fiber.StatusNotFound},
		{"missing title", "POST", "/api/v1/tasks", "u1", map[string]interface{}{"title": ""}, fiber.StatusBadRequest},
		{"completed_at without COMPLETED", "PATCH", "/api/v1/tasks/" + task.ID + "/state", "u1", map[string]interface{}{"status": "IN_PROGRESS", "completed_at": "2024-01-01T00:00:00Z"}, fiber.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, raw := ts.do(t, tc.method, tc.path, tc.user, tc.body)
			if status != tc.want {
				t.Fatalf("status = %d, want %d: %s", status, tc.want, raw)
			}
			var errResp dto.ErrorResponse
			if err := json.Unmarshal(raw, &errResp); err != nil || errResp.Error == "" {
				t.Fatalf("error body = %s", raw)
			}
		})
	}
}

func TestCompleteWithCallerTimestamp(t *testing.T) {
	ts := newTestServer(t, "")
	task := ts.createTask(t, "u1", map[string]interface{}{"title": "file report"})

	status, raw := ts.do(t, "POST", "/api/v1/tasks/"+task.ID+"/complete", "u1", map[string]interface{}{
		"completed_at": "2024-02-28T17:30:00Z",
	})
	if status != fiber.StatusOK {
		t.Fatalf("status = %d: %s", status, raw)
	}
	got := decodeTask(t, raw)
	want := time.Date(2024, 2, 28, 17, 30, 0, 0, time.UTC)
	if got.Status != domain.TaskStatusCompleted || got.CompletedAt == nil || !got.CompletedAt.Equal(want) {
		t.Fatalf("task = %s completed_at %v, want %v", got.Status, got.CompletedAt, want)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	ts := newTestServer(t, "")
	task := ts.createTask(t, "u1", map[string]interface{}{
		"title":                    "reply",
		"waiting_for":              "client reply",
		"waiting_duration_minutes": 10,
	})
	*ts.clock = ts.clock.Add(11 * time.Minute)

	status, raw := ts.do(t, "POST", "/api/v1/scheduler/run", "", nil)
	if status != fiber.StatusOK {
		t.Fatalf("run = %d %s", status, raw)
	}
	var cycle struct {
		Resumed int `json:"resumed"`
	}
	if err := json.Unmarshal(raw, &cycle); err != nil || cycle.Resumed != 1 {
		t.Fatalf("cycle = %s", raw)
	}

	status, raw = ts.do(t, "GET", "/api/v1/scheduler", "", nil)
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var sched dto.SchedulerStatusResponse
	if err := json.Unmarshal(raw, &sched); err != nil || sched.Running || sched.LastCycle == nil {
		t.Fatalf("scheduler = %s", raw)
	}

	status, raw = ts.do(t, "GET", "/api/v1/tasks/"+task.ID, "u1", nil)
	if status != fiber.StatusOK {
		t.Fatalf("get = %d", status)
	}
	got := decodeTask(t, raw)
	if got.Status != domain.TaskStatusInProgress || !domain.AutoResumed(got.Metadata) {
		t.Fatalf("task = %+v", got)
	}
}

func TestAdminAuth(t *testing.T) {
	token, err := keygen.GenerateAPIToken(24)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := keygen.HashToken(token)
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, hash)

	if status, _ := ts.do(t, "GET", "/api/v1/tasks", "u1", nil); status != fiber.StatusUnauthorized {
		t.Fatalf("no token = %d", status)
	}
	if status, _ := ts.do(t, "GET", "/api/v1/tasks", "u1", nil, "Authorization", "Bearer wrong"); status != fiber.StatusUnauthorized {
		t.Fatalf("wrong token = %d", status)
	}
	if status, _ := ts.do(t, "GET", "/api/v1/tasks", "u1", nil, "Authorization", "Bearer "+token); status != fiber.StatusOK {
		t.Fatalf("bearer token = %d", status)
	}
	if status, _ := ts.do(t, "GET", "/api/v1/scheduler", "", nil, "X-Admin-Token", token); status != fiber.StatusOK {
		t.Fatalf("admin header = %d", status)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t, "")
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := ts.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("request id = %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	ts.createTask(t, "u1", map[string]interface{}{"title": "x", "waiting_for": "y"})

	status, raw := ts.do(t, "GET", "/metrics", "", nil)
	if status != fiber.StatusOK {
		t.Fatalf("metrics = %d", status)
	}
	if !strings.Contains(string(raw), "test_resumption_cycle_duration_seconds") {
		t.Fatalf("metrics body missing lifecycle instruments")
	}
}
