package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
)

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "u1", "one", "two")

	if task.Status != domain.TaskStatusPending || task.Version != 1 {
		t.Fatalf("task = %+v", task)
	}
	if domain.CurrentStepNumber(task.Metadata) != 1 || domain.TotalSteps(task.Metadata) != 2 {
		t.Fatalf("metadata = %v", task.Metadata)
	}
	if len(task.Steps) != 2 || task.Steps[1].StepNumber != 2 || task.Steps[1].Status != domain.TaskStatusPending {
		t.Fatalf("steps = %+v", task.Steps)
	}
}

func TestCreateTaskDirectlyWaiting(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.service.CreateTask(context.Background(), ports.CreateTaskInput{
		UserID:     "u1",
		Title:      "pick a contact",
		Type:       domain.TaskTypeHubspot,
		Metadata:   domain.JSONB{"potentialContacts": []interface{}{"a", "b"}},
		WaitingFor: "Contact selection",
	})
	if err != nil {
		t.Fatal(err)
	}
	w := domain.ReadWaitState(task.Metadata)
	if task.Status != domain.TaskStatusWaiting || w.WaitingFor != "Contact selection" || w.ResumeAfter != nil {
		t.Fatalf("task = %s %+v", task.Status, w)
	}
	if _, ok := task.Metadata["potentialContacts"]; !ok {
		t.Fatal("collaborator metadata dropped")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := map[string]ports.CreateTaskInput{
		"no title":          {UserID: "u1"},
		"no user":           {Title: "x"},
		"bad type":          {UserID: "u1", Title: "x", Type: "FAX"},
		"duration no wait":  {UserID: "u1", Title: "x", WaitMinutes: minutes(5)},
		"negative duration": {UserID: "u1", Title: "x", WaitingFor: "y", WaitMinutes: minutes(-1)},
		"blank step":        {UserID: "u1", Title: "x", Steps: []ports.StepInput{{Title: " "}}},
		"missing parent":    {UserID: "u1", Title: "x", ParentTaskID: "nope"},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := env.service.CreateTask(ctx, input); !errors.Is(err, domain.ErrTaskInvalidInput) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestCreateSubtaskRecordsParent(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "u1")

	child, err := env.service.CreateTask(context.Background(), ports.CreateTaskInput{
		UserID: "u1", Title: "child", ParentTaskID: parent.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if domain.ParentTaskID(child.Metadata) != parent.ID {
		t.Fatalf("parent = %q", domain.ParentTaskID(child.Metadata))
	}

	// Another user's task is not a valid parent.
	if _, err := env.service.CreateTask(context.Background(), ports.CreateTaskInput{
		UserID: "u2", Title: "child", ParentTaskID: parent.ID,
	}); !errors.Is(err, domain.ErrTaskInvalidInput) {
		t.Fatalf("err = %v", err)
	}
}

func TestResumeCompletedTaskIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "u1")

	done, err := env.service.CompleteTask(ctx, ports.CompleteTaskInput{UserID: "u1", TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.service.ResumeTask(ctx, ports.ResumeTaskInput{UserID: "u1", TaskID: task.ID, Response: "late", HasResponse: true})
	if !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("err = %v", err)
	}

	got := env.reload(t, task)
	if got.Status != domain.TaskStatusCompleted || got.Version != done.Version || len(domain.Responses(got.Metadata)) != 0 {
		t.Fatalf("rejected resume mutated the task: %+v", got)
	}
}

func TestResumeOtherUsersTaskIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "u1")
	if _, err := env.service.SetTaskWaiting(ctx, ports.SetWaitingInput{UserID: "u1", TaskID: task.ID, WaitingFor: "x"}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.service.ResumeTask(ctx, ports.ResumeTaskInput{UserID: "u2", TaskID: task.ID}); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("err = %v", err)
	}
	if got := env.reload(t, task); got.Status != domain.TaskStatusWaiting {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestResumeKeepsEarlierResponses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "u1")
	if _, err := env.service.SetTaskWaiting(ctx, ports.SetWaitingInput{UserID: "u1", TaskID: task.ID, WaitingFor: "reply"}); err != nil {
		t.Fatal(err)
	}

	first, err := env.service.ResumeTask(ctx, ports.ResumeTaskInput{UserID: "u1", TaskID: task.ID, Response: "first", HasResponse: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.service.ResumeTask(ctx, ports.ResumeTaskInput{UserID: "u1", TaskID: task.ID, Response: "second", HasResponse: true}); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("second resume err = %v", err)
	}

	got := env.reload(t, task)
	entries := domain.Responses(got.Metadata)
	if len(entries) != 1 || entries[0].Response != "first" {
		t.Fatalf("responses = %+v", entries)
	}
	if got.Version != first.Version {
		t.Fatalf("version moved from %d to %d", first.Version, got.Version)
	}
	if entries[0].PreviousStatus != domain.TaskStatusWaiting || entries[0].NewStatus != domain.TaskStatusInProgress {
		t.Fatalf("entry = %+v", entries[0])
	}
}

func TestDeleteStepRenumbersAndMovesPointer(t *testing.T) {
	cases := []struct {
		name        string
		advance     int
		deleteStep  int
		wantCurrent int
		wantTitles  []string
	}{
		{name: "current after deleted", advance: 2, deleteStep: 2, wantCurrent: 2, wantTitles: []string{"one", "three"}},
		{name: "current is deleted", advance: 1, deleteStep: 2, wantCurrent: 2, wantTitles: []string{"one", "three"}},
		{name: "current before deleted", advance: 0, deleteStep: 2, wantCurrent: 1, wantTitles: []string{"one", "three"}},
		{name: "deleting last current step", advance: 2, deleteStep: 3, wantCurrent: 2, wantTitles: []string{"one", "two"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			task := env.createTask(t, "u1", "one", "two", "three")

			for i := 0; i < tc.advance; i++ {
				if _, err := env.service.CompleteTask(ctx, ports.CompleteTaskInput{
					UserID: "u1", TaskID: task.ID, StepID: task.Steps[i].ID, AdvanceToNextStep: true,
				}); err != nil {
					t.Fatal(err)
				}
			}

			got, err := env.service.DeleteStep(ctx, "u1", task.ID, task.Steps[tc.deleteStep-1].ID)
			if err != nil {
				t.Fatal(err)
			}
			if len(got.Steps) != len(tc.wantTitles) {
				t.Fatalf("steps = %d", len(got.Steps))
			}
			for i, s := range got.Steps {
				if s.StepNumber != i+1 || s.Title != tc.wantTitles[i] {
					t.Fatalf("step %d = %d %q", i, s.StepNumber, s.Title)
				}
			}
			if cur := domain.CurrentStepNumber(got.Metadata); cur != tc.wantCurrent {
				t.Fatalf("currentStep = %d, want %d", cur, tc.wantCurrent)
			}
			if domain.TotalSteps(got.Metadata) != len(tc.wantTitles) {
				t.Fatalf("totalSteps = %d", domain.TotalSteps(got.Metadata))
			}
		})
	}
}

func TestDeleteUnknownStep(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "u1", "one")

	_, err := env.service.DeleteStep(context.Background(), "u1", task.ID, "missing")
	if !errors.Is(err, domain.ErrStepNotFound) || !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestAddStepAppends(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "u1", "one")

	got, err := env.service.AddStep(context.Background(), "u1", task.ID, ports.StepInput{Title: "two"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Steps) != 2 || got.Steps[1].StepNumber != 2 || domain.TotalSteps(got.Metadata) != 2 {
		t.Fatalf("got %+v", got)
	}
	if _, err := env.service.AddStep(context.Background(), "u1", task.ID, ports.StepInput{}); !errors.Is(err, domain.ErrTaskInvalidInput) {
		t.Fatalf("blank title err = %v", err)
	}
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "u1", "one")

	if err := env.service.DeleteTask(ctx, "u2", task.ID); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("foreign delete err = %v", err)
	}
	if err := env.service.DeleteTask(ctx, "u1", task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.service.GetTask(ctx, "u1", task.ID); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
}

func TestListWaitingTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.createTask(t, "u1")
	if _, err := env.service.SetTaskWaiting(ctx, ports.SetWaitingInput{UserID: "u1", TaskID: first.ID, WaitingFor: "client reply", WaitMinutes: minutes(10)}); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(5 * time.Minute)
	second := env.createTask(t, "u1")
	if _, err := env.service.SetTaskWaiting(ctx, ports.SetWaitingInput{UserID: "u1", TaskID: second.ID, WaitingFor: "calendar"}); err != nil {
		t.Fatal(err)
	}
	env.createTask(t, "u1")

	all, err := env.service.ListWaitingTasks(ctx, "u1", ports.WaitingOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != first.ID || all[1].ID != second.ID {
		t.Fatalf("waiting = %d", len(all))
	}

	expired, err := env.service.ListWaitingTasks(ctx, "u1", ports.WaitingOptions{IncludeExpired: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Fatalf("nothing has expired yet, got %d", len(expired))
	}

	env.clock.Advance(6 * time.Minute)
	expired, err = env.service.ListWaitingTasks(ctx, "u1", ports.WaitingOptions{IncludeExpired: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != first.ID {
		t.Fatalf("expired = %d", len(expired))
	}

	filtered, err := env.service.ListWaitingTasks(ctx, "u1", ports.WaitingOptions{WaitingFor: "CALENDAR"})
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].ID != second.ID {
		t.Fatalf("filtered = %d", len(filtered))
	}
}

func TestListTaskEventsHidesOtherUsersTasks(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "u1")

	if _, err := env.service.ListTaskEvents(context.Background(), "u2", task.ID, 10); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubscribeReceivesOwnEventsOnly(t *testing.T) {
	env := newTestEnv(t)
	ch, cancel := env.service.Subscribe("u1")
	defer cancel()

	env.createTask(t, "u2")
	task := env.createTask(t, "u1")

	select {
	case evt := <-ch:
		if evt.TaskID != task.ID || evt.Type != domain.EventTypeTaskCreated {
			t.Fatalf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after cancel")
	}
}

func TestNewStepsDropCallerWaitAndCompletionKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	stale := domain.JSONB{
		domain.MetaWaitingFor:  "stale",
		domain.MetaResumeAfter: "2020-01-01T00:00:00Z",
		domain.MetaCompletedAt: "2020-01-01T00:00:00Z",
		"recipient":            "bob@example.com",
	}

	task, err := env.service.CreateTask(ctx, ports.CreateTaskInput{
		UserID: "u1",
		Title:  "follow up",
		Steps:  []ports.StepInput{{Title: "one", Metadata: stale}},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.service.AddStep(ctx, "u1", task.ID, ports.StepInput{Title: "two", Metadata: stale})
	if err != nil {
		t.Fatal(err)
	}

	assertWaitConsistent(t, got)
	for _, s := range got.Steps {
		if s.Status != domain.TaskStatusPending {
			t.Fatalf("step %q status = %s", s.Title, s.Status)
		}
		if domain.CompletedAt(s.Metadata) != nil {
			t.Fatalf("step %q kept completedAt: %v", s.Title, s.Metadata)
		}
		if s.Metadata["recipient"] != "bob@example.com" {
			t.Fatalf("step %q lost caller metadata: %v", s.Title, s.Metadata)
		}
	}
	if _, ok := stale[domain.MetaWaitingFor]; !ok {
		t.Fatal("caller metadata was mutated")
	}

	// A stale resumeAfter on a step must never make the scheduler act.
	env.clock.Advance(time.Hour)
	if cycle := env.scheduler.RunCycle(ctx); cycle.Scanned != 0 {
		t.Fatalf("cycle = %+v", cycle)
	}
}

func TestDeleteWaitingCurrentStepReleasesTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "u1", "one", "two")

	if _, err := env.service.SetTaskWaiting(ctx, ports.SetWaitingInput{
		UserID: "u1", TaskID: task.ID, StepID: task.Steps[0].ID, WaitingFor: "x",
	}); err != nil {
		t.Fatal(err)
	}

	got, err := env.service.DeleteStep(ctx, "u1", task.ID, task.Steps[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskStatusInProgress {
		t.Fatalf("status = %s, want %s", got.Status, domain.TaskStatusInProgress)
	}
	if len(got.Steps) != 1 || got.Steps[0].Title != "two" || got.Steps[0].Status != domain.TaskStatusPending {
		t.Fatalf("steps = %+v", got.Steps)
	}
	if cur := domain.CurrentStepNumber(got.Metadata); cur != 1 {
		t.Fatalf("currentStep = %d", cur)
	}
	assertWaitConsistent(t, got)

	events, err := env.service.ListTaskEvents(ctx, "u1", task.ID, 20)
	if err != nil {
		t.Fatal(err)
	}
	released := false
	for _, e := range events {
		if e.Type == domain.EventTypeTaskStatusChanged && e.StepID == "" &&
			e.FromStatus == domain.TaskStatusWaiting && e.ToStatus == domain.TaskStatusInProgress {
			released = true
		}
	}
	if !released {
		t.Fatalf("no WAITING -> IN_PROGRESS event in %+v", events)
	}
}

func TestDeleteWaitingCurrentStepMirrorsNextWaitingStep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "u1", "one", "two", "three")

	if _, err := env.service.SetTaskWaiting(ctx, ports.SetWaitingInput{
		UserID: "u1", TaskID: task.ID, StepID: task.Steps[1].ID, WaitingFor: "signature", WaitMinutes: minutes(30),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.service.SetTaskWaiting(ctx, ports.SetWaitingInput{
		UserID: "u1", TaskID: task.ID, StepID: task.Steps[0].ID, WaitingFor: "x",
	}); err != nil {
		t.Fatal(err)
	}

	got, err := env.service.DeleteStep(ctx, "u1", task.ID, task.Steps[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskStatusWaiting {
		t.Fatalf("status = %s", got.Status)
	}
	tw := domain.ReadWaitState(got.Metadata)
	sw := domain.ReadWaitState(got.Steps[0].Metadata)
	if tw.WaitingFor != "signature" || tw.ResumeAfter == nil || !tw.ResumeAfter.Equal(*sw.ResumeAfter) {
		t.Fatalf("task wait %+v, step wait %+v", tw, sw)
	}
	assertWaitConsistent(t, got)

	env.clock.Advance(31 * time.Minute)
	if cycle := env.scheduler.RunCycle(ctx); cycle.Resumed != 1 {
		t.Fatalf("cycle = %+v", cycle)
	}
	resumed := env.reload(t, got)
	if resumed.Status != domain.TaskStatusInProgress || resumed.Steps[0].Status != domain.TaskStatusInProgress {
		t.Fatalf("after cycle: task %s, step %s", resumed.Status, resumed.Steps[0].Status)
	}
	assertWaitConsistent(t, resumed)
}

func TestDeleteNonCurrentStepKeepsTaskWait(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "u1", "one", "two")

	if _, err := env.service.SetTaskWaiting(ctx, ports.SetWaitingInput{
		UserID: "u1", TaskID: task.ID, StepID: task.Steps[0].ID, WaitingFor: "x",
	}); err != nil {
		t.Fatal(err)
	}
	got, err := env.service.DeleteStep(ctx, "u1", task.ID, task.Steps[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskStatusWaiting || domain.ReadWaitState(got.Metadata).WaitingFor != "x" {
		t.Fatalf("task = %s %v", got.Status, got.Metadata)
	}
	assertWaitConsistent(t, got)
}

func TestCompleteHonoursCallerCompletedAt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	at := env.clock.Now().Add(-2 * time.Hour)

	task := env.createTask(t, "u1")
	got, err := env.service.CompleteTask(ctx, ports.CompleteTaskInput{UserID: "u1", TaskID: task.ID, CompletedAt: &at})
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(at) {
		t.Fatalf("completedAt = %v, want %v", got.CompletedAt, at)
	}
	if md := domain.CompletedAt(got.Metadata); md == nil || !md.Equal(at) {
		t.Fatalf("metadata completedAt = %v", md)
	}

	other := env.createTask(t, "u1")
	got, err = env.service.UpdateTaskState(ctx, ports.UpdateStateInput{
		UserID: "u1", TaskID: other.ID, Status: domain.TaskStatusCompleted, CompletedAt: &at,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(at) {
		t.Fatalf("state completedAt = %v, want %v", got.CompletedAt, at)
	}
}

func TestLockTableShrinksAfterUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		task := env.createTask(t, "u1", "one")
		if _, err := env.service.SetTaskWaiting(ctx, ports.SetWaitingInput{UserID: "u1", TaskID: task.ID, WaitingFor: "x"}); err != nil {
			t.Fatal(err)
		}
		if err := env.service.DeleteTask(ctx, "u1", task.ID); err != nil {
			t.Fatal(err)
		}
	}

	env.service.mu.Lock()
	n := len(env.service.locks)
	env.service.mu.Unlock()
	if n != 0 {
		t.Fatalf("lock entries = %d, want 0", n)
	}
}

func TestLockKeysHeldWhileWaitersQueue(t *testing.T) {
	env := newTestEnv(t)
	s := env.service
	key := taskKey("t1")

	refs := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		if l := s.locks[key]; l != nil {
			return l.refs
		}
		return 0
	}

	unlock := s.lockKeys(key)
	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		u := s.lockKeys(key)
		close(acquired)
		<-release
		u()
	}()

	deadline := time.Now().Add(5 * time.Second)
	for refs() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("refs = %d, want 2", refs())
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-acquired:
		t.Fatal("second caller acquired a held lock")
	default:
	}

	unlock()
	<-acquired
	if refs() != 1 {
		t.Fatalf("refs = %d while second caller holds the lock", refs())
	}
	close(release)

	deadline = time.Now().Add(5 * time.Second)
	for refs() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("lock entry never released")
		}
		time.Sleep(time.Millisecond)
	}
}
