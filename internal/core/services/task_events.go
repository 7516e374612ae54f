package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/niiwade/jump-advisor-sub000/internal/core/ports"
	"github.com/niiwade/jump-advisor-sub000/internal/domain"
	"github.com/niiwade/jump-advisor-sub000/internal/infrastructure/logger"
)

const subscriberBuffer = 64

// TaskEvents persists lifecycle events and fans them out to live subscribers
// of the owning user. Recording is best effort: a failed write is logged and
// never undoes the transition that produced the event.
type TaskEvents struct {
	repo ports.TaskEventRepository
	log  *logger.Logger

	mu          sync.Mutex
	subscribers map[string]map[int]chan domain.TaskEvent
	nextSubID   int
}

func NewTaskEvents(repo ports.TaskEventRepository, log *logger.Logger) *TaskEvents {
	return &TaskEvents{
		repo:        repo,
		log:         log,
		subscribers: make(map[string]map[int]chan domain.TaskEvent),
	}
}

func (e *TaskEvents) Record(ctx context.Context, events ...domain.TaskEvent) {
	if e == nil {
		return
	}
	for i := range events {
		evt := events[i]
		if evt.CreatedAt.IsZero() {
			evt.CreatedAt = time.Now().UTC()
		}
		if e.repo != nil {
			if err := e.repo.Create(ctx, &evt); err != nil {
				e.log.Warnw("task_event_record_failed", "task_id", evt.TaskID, "type", evt.Type, "error", err)
			}
		}
		e.publish(evt)
	}
}

func (e *TaskEvents) List(ctx context.Context, taskID string, limit int) ([]domain.TaskEvent, error) {
	if e == nil || e.repo == nil {
		return nil, nil
	}
	return e.repo.ListByTask(ctx, taskID, limit)
}

// Subscribe returns a channel of the user's events and a func that closes it.
// Slow subscribers drop events rather than block transitions.
func (e *TaskEvents) Subscribe(userID string) (<-chan domain.TaskEvent, func()) {
	userID = strings.TrimSpace(userID)
	if e == nil || userID == "" {
		ch := make(chan domain.TaskEvent)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan domain.TaskEvent, subscriberBuffer)
	e.mu.Lock()
	e.nextSubID++
	id := e.nextSubID
	if _, ok := e.subscribers[userID]; !ok {
		e.subscribers[userID] = make(map[int]chan domain.TaskEvent)
	}
	e.subscribers[userID][id] = ch
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.subscribers[userID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(e.subscribers, userID)
		}
	}
}

func (e *TaskEvents) publish(evt domain.TaskEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subscribers[evt.UserID] {
		select {
		case ch <- evt:
		default:
			e.log.Debugw("task_event_dropped", "user_id", evt.UserID, "task_id", evt.TaskID)
		}
	}
}
