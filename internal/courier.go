// Package courier defines domain types and interfaces for the Courier task dispatcher.
// This package has no project imports -- it is the dependency root.
package courier

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// --- Tasks ---

// Task is a unit of work submitted by a producer.
type Task struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Hostname  string          `json:"hostname,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RevocationChecker reports whether a task ID has been revoked.
// Implementations must be safe for concurrent use.
type RevocationChecker interface {
	Contains(taskID string) bool
}

// Request is a task waiting in the ready queue. It carries the revocation
// registry it was created against so the consumer can veto dispatch.
type Request struct {
	Task *Task

	revocations RevocationChecker
	onAck       func(*Task)
	acked       atomic.Bool
}

// NewRequest wraps t for the ready queue. onAck runs synchronously, at most
// once, when the request turns out to be revoked. Both checker and onAck may be nil.
func NewRequest(t *Task, checker RevocationChecker, onAck func(*Task)) *Request {
	return &Request{Task: t, revocations: checker, onAck: onAck}
}

// Revoked reports whether the task ID is in the revocation registry.
// A revoked request is acknowledged before Revoked returns.
func (r *Request) Revoked() bool {
	if r.revocations == nil || !r.revocations.Contains(r.Task.ID) {
		return false
	}
	r.acknowledge()
	return true
}

// Acknowledged reports whether the request has been acknowledged.
func (r *Request) Acknowledged() bool {
	return r.acked.Load()
}

func (r *Request) acknowledge() {
	if !r.acked.CompareAndSwap(false, true) {
		return
	}
	if r.onAck != nil {
		r.onAck(r.Task)
	}
}

// --- Revocations ---

// Revocation records that a task must be skipped rather than dispatched.
type Revocation struct {
	TaskID    string    `json:"task_id"`
	Reason    string    `json:"reason,omitempty"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the revocation has lapsed at now.
func (r Revocation) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// --- Events ---

// EventType classifies a task lifecycle event.
type EventType string

// Task lifecycle event types.
const (
	EventReceived   EventType = "received"
	EventRevoked    EventType = "revoked"
	EventDispatched EventType = "dispatched"
	EventSucceeded  EventType = "succeeded"
	EventFailed     EventType = "failed"
)

// TaskEvent is a single entry in a task's lifecycle log.
type TaskEvent struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	TaskName  string    `json:"task_name"`
	Type      EventType `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEvent builds an event of type typ for t, stamped with the current time.
func NewEvent(t *Task, typ EventType, detail string) TaskEvent {
	return TaskEvent{
		TaskID:    t.ID,
		TaskName:  t.Name,
		Type:      typ,
		Detail:    detail,
		Hostname:  t.Hostname,
		CreatedAt: time.Now().UTC(),
	}
}

// EventFilter specifies query parameters for task events.
type EventFilter struct {
	TaskID string
	Type   EventType
	Since  time.Time // inclusive; zero means unbounded
	Until  time.Time // exclusive; zero means unbounded
	Limit  int
	Offset int
}

// EventSink accepts task events for asynchronous persistence.
type EventSink interface {
	Record(TaskEvent)
}

// --- IDs ---

// NewID returns a new time-ordered unique identifier (UUID v7).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
