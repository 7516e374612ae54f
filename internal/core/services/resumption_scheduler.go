package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/metrics"
	"golang.org/x/sync/errgroup"
)

const DefaultResumptionInterval = time.Minute

// ResumptionScheduler periodically resumes waiting tasks whose resumeAfter
// deadline has passed. The next cycle is armed only after the previous one
// returns, so cycles never overlap.
type ResumptionScheduler struct {
	repo    ports.TaskRepository
	engine  *TransitionEngine
	log     *logger.Logger
	metrics *metrics.Metrics

	interval     time.Duration
	cycleTimeout time.Duration
	concurrency  int
	now          func() time.Time

	cycleMu sync.Mutex

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	nextRun time.Time
	last    ports.ResumptionCycle
	hasLast bool
}

var _ ports.ResumptionScheduler = (*ResumptionScheduler)(nil)

type SchedulerOption func(*ResumptionScheduler)

func WithInterval(d time.Duration) SchedulerOption {
	return func(s *ResumptionScheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithCycleTimeout(d time.Duration) SchedulerOption {
	return func(s *ResumptionScheduler) { s.cycleTimeout = d }
}

func WithConcurrency(n int) SchedulerOption {
	return func(s *ResumptionScheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) SchedulerOption {
	return func(s *ResumptionScheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSchedulerMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *ResumptionScheduler) { s.metrics = m }
}

func NewResumptionScheduler(repo ports.TaskRepository, engine *TransitionEngine, log *logger.Logger, opts ...SchedulerOption) *ResumptionScheduler {
	s := &ResumptionScheduler{
		repo:        repo,
		engine:      engine,
		log:         log,
		interval:    DefaultResumptionInterval,
		concurrency: 1,
		now:         engine.now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loop. The first cycle runs immediately.
// The loop ends on Stop or when ctx is cancelled.
func (s *ResumptionScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.nextRun = s.now()

	go s.loop(ctx, s.stop, s.done)
	s.log.Infow("resumption_scheduler_started", "interval", s.interval, "concurrency", s.concurrency)
	return nil
}

// Stop ends the loop and waits for an in-flight cycle to return.
func (s *ResumptionScheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	s.running = false
	s.nextRun = time.Time{}
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	s.log.Infow("resumption_scheduler_stopped")
	return nil
}

func (s *ResumptionScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun is zero while the scheduler is stopped or a cycle is in flight.
func (s *ResumptionScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *ResumptionScheduler) LastCycle() (ports.ResumptionCycle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

func (s *ResumptionScheduler) loop(ctx context.Context, stop <-chan struct{}, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.running = false
			s.nextRun = time.Time{}
		}
		s.mu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
			s.setNextRun(time.Time{})
			s.RunCycle(ctx)
			s.setNextRun(s.now().Add(s.interval))
			timer.Reset(s.interval)
		}
	}
}

func (s *ResumptionScheduler) setNextRun(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.nextRun = t
	}
}

type resumeOutcome int

const (
	outcomeResumed resumeOutcome = iota
	outcomeSkipped
	outcomeFailed
)

// RunCycle performs one scan-and-resume pass synchronously. A failure on one
// task is logged and counted; it never stops the rest of the cycle. Tasks
// that fail stay waiting and are picked up again next cycle.
func (s *ResumptionScheduler) RunCycle(ctx context.Context) ports.ResumptionCycle {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if s.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cycleTimeout)
		defer cancel()
	}

	started := s.now()
	cycle := ports.ResumptionCycle{StartedAt: started}

	tasks, err := s.repo.FindWaitingExpired(ctx, started)
	if err != nil {
		s.log.Errorw("resumption_scan_failed", "error", err)
		cycle.Failed = 1
		return s.finish(cycle)
	}
	cycle.Scanned = len(tasks)

	var resumed, skipped, failed int64
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for i := range tasks {
		task := tasks[i]
		g.Go(func() error {
			switch s.resumeOne(ctx, task) {
			case outcomeResumed:
				atomic.AddInt64(&resumed, 1)
			case outcomeSkipped:
				atomic.AddInt64(&skipped, 1)
			default:
				atomic.AddInt64(&failed, 1)
				return fmt.Errorf("resume task %s", task.ID)
			}
			return nil
		})
	}
	// Every task runs regardless; the first failure only feeds the summary log.
	if err := g.Wait(); err != nil {
		s.log.Debugw("resumption_cycle_partial_failure", "first_error", err)
	}

	cycle.Resumed = int(resumed)
	cycle.Skipped = int(skipped)
	cycle.Failed = int(failed)
	return s.finish(cycle)
}

func (s *ResumptionScheduler) finish(cycle ports.ResumptionCycle) ports.ResumptionCycle {
	finished := s.now()
	cycle.Duration = finished.Sub(cycle.StartedAt)

	s.mu.Lock()
	s.last = cycle
	s.hasLast = true
	s.mu.Unlock()

	s.metrics.ObserveCycle(cycle.Duration, cycle.Resumed, cycle.Skipped, cycle.Failed, finished)
	if cycle.Scanned > 0 || cycle.Failed > 0 {
		s.log.Infow("resumption_cycle_completed",
			"scanned", cycle.Scanned,
			"resumed", cycle.Resumed,
			"skipped", cycle.Skipped,
			"failed", cycle.Failed,
			"duration", cycle.Duration,
		)
	} else {
		s.log.Debugw("resumption_cycle_idle", "duration", cycle.Duration)
	}
	return cycle
}

func (s *ResumptionScheduler) resumeOne(ctx context.Context, task domain.Task) (outcome resumeOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("resumption_task_panic", "task_id", task.ID, "panic", fmt.Sprint(r))
			outcome = outcomeFailed
		}
	}()

	_, err := s.engine.TransitionTask(ctx, task.UserID, task.ID, TransitionRequest{
		Status:        domain.TaskStatusInProgress,
		ExpectStatus:  domain.TaskStatusWaiting,
		ExpectVersion: task.Version,
		Source:        domain.SourceScheduler,
		Marker:        MarkAutoResumed,
	})
	switch {
	case err == nil:
		s.log.Infow("resumption_task_resumed", "task_id", task.ID, "user_id", task.UserID)
		return outcomeResumed
	case errors.Is(err, domain.ErrTaskConflict), errors.Is(err, domain.ErrTaskNotFound):
		s.log.Debugw("resumption_task_skipped", "task_id", task.ID, "error", err)
		return outcomeSkipped
	default:
		s.log.Warnw("resumption_task_failed", "task_id", task.ID, "user_id", task.UserID, "error", err)
		return outcomeFailed
	}
}
