// Package app implements application-level services for the Courier dispatcher.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	courier "github.com/eugener/courier/internal"
	"github.com/eugener/courier/internal/ratelimit"
	"github.com/eugener/courier/internal/storage"
	"github.com/eugener/courier/internal/telemetry"
)

// TaskCatalog reports which task names can be executed.
type TaskCatalog interface {
	Has(name string) bool
	Names() []string
}

// Enqueuer is the producer side of the ready queue.
type Enqueuer interface {
	TryPush(*courier.Request) error
}

// Revoker manages the revocation registry.
type Revoker interface {
	courier.RevocationChecker
	Revoke(ctx context.Context, taskID, reason string) (*courier.Revocation, error)
	List() []courier.Revocation
}

// RateLimiter throttles submissions per task name.
type RateLimiter interface {
	Allow(task string) ratelimit.Result
}

// RateLimitError reports a submission rejected by the rate limiter.
type RateLimitError struct {
	Task       string
	Limit      int64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %q exceeds %d tasks/min", courier.ErrRateLimited, e.Task, e.Limit)
}

func (e *RateLimitError) Unwrap() error { return courier.ErrRateLimited }

// TaskServiceDeps holds the collaborators of a TaskService.
type TaskServiceDeps struct {
	Catalog     TaskCatalog
	Queue       Enqueuer
	Revocations Revoker
	Events      courier.EventSink  // optional
	EventStore  storage.EventStore // optional; Events returns an empty page without it
	RateLimits  RateLimiter        // optional
	Metrics     *telemetry.Metrics // optional
	Hostname    string             // defaults to os.Hostname
}

// TaskService is the producer-facing API: it accepts tasks onto the ready
// queue, revokes them, and exposes the revocation set and event log.
type TaskService struct {
	catalog     TaskCatalog
	queue       Enqueuer
	revocations Revoker
	events      courier.EventSink
	eventStore  storage.EventStore
	limits      RateLimiter
	metrics     *telemetry.Metrics
	hostname    string
}

// NewTaskService returns a TaskService wired to deps.
func NewTaskService(deps TaskServiceDeps) *TaskService {
	host := deps.Hostname
	if host == "" {
		host, _ = os.Hostname()
	}
	return &TaskService{
		catalog:     deps.Catalog,
		queue:       deps.Queue,
		revocations: deps.Revocations,
		events:      deps.Events,
		eventStore:  deps.EventStore,
		limits:      deps.RateLimits,
		metrics:     deps.Metrics,
		hostname:    host,
	}
}

// Submit validates and enqueues a task. It fails fast with ErrQueueFull
// rather than blocking the caller when the ready queue is at capacity.
func (s *TaskService) Submit(ctx context.Context, name string, args json.RawMessage) (*courier.Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: task name is required", courier.ErrBadRequest)
	}
	if !s.catalog.Has(name) {
		return nil, fmt.Errorf("%w: %q", courier.ErrUnknownTask, name)
	}
	if s.limits != nil {
		if res := s.limits.Allow(name); !res.Allowed {
			if s.metrics != nil {
				s.metrics.TasksThrottled.WithLabelValues(name).Inc()
			}
			return nil, &RateLimitError{Task: name, Limit: res.Limit, RetryAfter: res.RetryAfter}
		}
	}

	task := &courier.Task{
		ID:        courier.NewID(),
		Name:      name,
		Args:      args,
		Hostname:  s.hostname,
		CreatedAt: time.Now().UTC(),
	}
	req := courier.NewRequest(task, s.revocations, s.acknowledgeRevoked)
	if err := s.queue.TryPush(req); err != nil {
		return nil, fmt.Errorf("submit %s: %w", name, err)
	}

	s.record(task, courier.EventReceived, "")
	if s.metrics != nil {
		s.metrics.TasksReceived.WithLabelValues(name).Inc()
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "task received",
		slog.String("task_id", task.ID),
		slog.String("task", name),
		slog.String("request_id", courier.RequestIDFromContext(ctx)),
	)
	return task, nil
}

// acknowledgeRevoked runs once for each revoked request the mediator drops.
func (s *TaskService) acknowledgeRevoked(t *courier.Task) {
	s.record(t, courier.EventRevoked, "")
	if s.metrics != nil {
		s.metrics.TasksRevoked.Inc()
	}
	slog.LogAttrs(context.Background(), slog.LevelInfo, "discarding revoked task",
		slog.String("task_id", t.ID),
		slog.String("task", t.Name),
	)
}

// Revoke marks taskID so it is skipped if it has not been dispatched yet.
// Revoking an unknown or already dispatched ID is not an error.
func (s *TaskService) Revoke(ctx context.Context, taskID, reason string) (*courier.Revocation, error) {
	return s.revocations.Revoke(ctx, strings.TrimSpace(taskID), reason)
}

// Revocations returns the revocations currently in effect, oldest first.
func (s *TaskService) Revocations() []courier.Revocation {
	return s.revocations.List()
}

// Events returns a page of task events matching f and the total match count.
func (s *TaskService) Events(ctx context.Context, f courier.EventFilter) ([]courier.TaskEvent, int, error) {
	if s.eventStore == nil {
		return []courier.TaskEvent{}, 0, nil
	}
	if f.Limit < 0 || f.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: negative limit or offset", courier.ErrBadRequest)
	}
	events, err := s.eventStore.QueryEvents(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	total, err := s.eventStore.CountEvents(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}
	return events, total, nil
}

// TaskNames returns the names of all executable tasks.
func (s *TaskService) TaskNames() []string {
	return s.catalog.Names()
}

func (s *TaskService) record(t *courier.Task, typ courier.EventType, detail string) {
	if s.events != nil {
		s.events.Record(courier.NewEvent(t, typ, detail))
	}
}
