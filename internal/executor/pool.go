// Package executor runs dispatched tasks. The Pool is the mediator's callback
// target: it maps task names to handlers and bounds how many run at once.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	courier "github.com/eugener/courier/internal"
	"github.com/eugener/courier/internal/telemetry"
)

// Handler executes a single task. A returned error marks the task failed;
// it does not affect the pool or the mediator.
type Handler func(ctx context.Context, t *courier.Task) error

// Pool executes tasks on goroutines, at most size at a time.
type Pool struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	ctx     context.Context // parent of every handler context
	cancel  context.CancelFunc
	running atomic.Int64

	events  courier.EventSink
	metrics *telemetry.Metrics
}

// NewPool creates a pool running at most size handlers concurrently.
// events and metrics may be nil.
func NewPool(size int, events courier.EventSink, metrics *telemetry.Metrics) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		handlers: make(map[string]Handler),
		sem:      semaphore.NewWeighted(int64(size)),
		ctx:      ctx,
		cancel:   cancel,
		events:   events,
		metrics:  metrics,
	}
}

// Register binds a handler to a task name, replacing any previous binding.
func (p *Pool) Register(name string, h Handler) {
	p.mu.Lock()
	p.handlers[name] = h
	p.mu.Unlock()
}

// Has reports whether a handler is registered for name.
func (p *Pool) Has(name string) bool {
	p.mu.RLock()
	_, ok := p.handlers[name]
	p.mu.RUnlock()
	return ok
}

// Names returns the registered task names, sorted.
func (p *Pool) Names() []string {
	p.mu.RLock()
	names := make([]string, 0, len(p.handlers))
	for n := range p.handlers {
		names = append(names, n)
	}
	p.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Running returns the number of handlers currently executing.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Apply starts req's handler on a pool goroutine. It blocks while the pool
// is saturated. The span in ctx becomes the parent of the handler's work.
func (p *Pool) Apply(ctx context.Context, req *courier.Request) error {
	task := req.Task
	p.mu.RLock()
	h, ok := p.handlers[task.Name]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", courier.ErrUnknownTask, task.Name)
	}

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return courier.ErrPoolClosed
	}

	// wg.Add must not race with Close's Wait.
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.sem.Release(1)
		return courier.ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	p.record(task, courier.EventDispatched, "")
	if p.metrics != nil {
		p.metrics.TasksDispatched.WithLabelValues(task.Name).Inc()
	}

	hctx := trace.ContextWithSpanContext(p.ctx, trace.SpanContextFromContext(ctx))
	p.running.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.running.Add(-1)
		p.execute(hctx, h, task)
	}()
	return nil
}

func (p *Pool) execute(ctx context.Context, h Handler, task *courier.Task) {
	err := runHandler(ctx, h, task)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "task failed",
			slog.String("task_id", task.ID),
			slog.String("task", task.Name),
			slog.String("error", err.Error()),
		)
		p.record(task, courier.EventFailed, err.Error())
		p.observe(task.Name, "failure")
		return
	}
	p.record(task, courier.EventSucceeded, "")
	p.observe(task.Name, "success")
}

// runHandler converts a handler panic into an error so one bad task cannot
// take down the pool.
func runHandler(ctx context.Context, h Handler, task *courier.Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, task)
}

// Close stops accepting work and waits for running handlers. If ctx ends
// first, handler contexts are cancelled and ctx's error is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

func (p *Pool) record(t *courier.Task, typ courier.EventType, detail string) {
	if p.events != nil {
		p.events.Record(courier.NewEvent(t, typ, detail))
	}
}

func (p *Pool) observe(task, outcome string) {
	if p.metrics != nil {
		p.metrics.TaskResults.WithLabelValues(task, outcome).Inc()
	}
}
