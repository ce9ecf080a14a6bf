package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eugener/courier/internal/telemetry"
)

// DefaultPopTimeout bounds how long a single Move waits for work. It is the
// upper bound on how long Stop takes to be observed by an idle mediator.
const DefaultPopTimeout = time.Second

// errUnexpectedStop is returned by Run when the loop exits without Stop.
var errUnexpectedStop = errors.New("mediator stopped unexpectedly")

// Revocable is implemented by items that can be vetoed before dispatch.
// Revoked performs any acknowledgment side effect before returning true.
type Revocable interface {
	Revoked() bool
}

// ReadyQueue is the consumer side of the ready queue.
type ReadyQueue[T any] interface {
	// Pop waits up to timeout for an item and reports false if none arrived.
	Pop(timeout time.Duration) (T, bool)
}

// Dispatch hands a single item to the executor.
type Dispatch[T any] func(ctx context.Context, item T) error

type mediatorConfig struct {
	popTimeout time.Duration
	terminate  func(code int)
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
}

// MediatorOption configures a Mediator.
type MediatorOption func(*mediatorConfig)

// WithPopTimeout sets the bounded wait used by each Move.
func WithPopTimeout(d time.Duration) MediatorOption {
	return func(c *mediatorConfig) {
		if d > 0 {
			c.popTimeout = d
		}
	}
}

// WithTerminate replaces the fatal-exit hook (os.Exit by default), e.g. to
// notify a supervisor before exiting.
func WithTerminate(fn func(code int)) MediatorOption {
	return func(c *mediatorConfig) {
		if fn != nil {
			c.terminate = fn
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *telemetry.Metrics) MediatorOption {
	return func(c *mediatorConfig) { c.metrics = m }
}

// WithTracer overrides the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) MediatorOption {
	return func(c *mediatorConfig) {
		if t != nil {
			c.tracer = t
		}
	}
}

// Mediator is the single consumer of the ready queue. It pops one item at a
// time, drops revoked items, and passes the rest to its callback.
//
// A callback failure is unrecoverable: the mediator marks itself stopped and
// then terminates the whole process. A supervisor is expected to restart it.
type Mediator[T Revocable] struct {
	queue    ReadyQueue[T]
	callback Dispatch[T]
	cfg      mediatorConfig

	shutdown atomic.Bool
	stopped  atomic.Bool
	done     chan struct{}
	err      error // set before done is closed
}

// NewMediator creates a mediator draining queue into callback.
func NewMediator[T Revocable](queue ReadyQueue[T], callback Dispatch[T], opts ...MediatorOption) *Mediator[T] {
	cfg := mediatorConfig{
		popTimeout: DefaultPopTimeout,
		terminate:  os.Exit,
		tracer:     telemetry.Tracer("courier/worker"),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Mediator[T]{
		queue:    queue,
		callback: callback,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
}

// Name returns the worker identifier.
func (m *Mediator[T]) Name() string { return "mediator" }

// Start launches the run loop in a new goroutine. It must be called at most once.
func (m *Mediator[T]) Start() {
	go m.run()
}

// Stop asks the run loop to exit at the next iteration boundary. It does not wait.
func (m *Mediator[T]) Stop() {
	m.shutdown.Store(true)
}

// Join blocks until the run loop has exited. It blocks forever if Start was never called.
func (m *Mediator[T]) Join() {
	<-m.done
}

// ShutdownRequested reports whether Stop has been called.
func (m *Mediator[T]) ShutdownRequested() bool { return m.shutdown.Load() }

// Stopped reports whether the run loop has exited.
func (m *Mediator[T]) Stopped() bool { return m.stopped.Load() }

// Run implements Worker: it starts the loop, waits for ctx to be cancelled,
// then stops and joins it.
func (m *Mediator[T]) Run(ctx context.Context) error {
	m.Start()
	select {
	case <-ctx.Done():
	case <-m.done:
	}
	m.Stop()
	m.Join()
	if m.err != nil {
		return m.err
	}
	if !m.ShutdownRequested() {
		return errUnexpectedStop
	}
	return nil
}

// Move pops at most one item and dispatches it unless it was revoked.
// An empty queue after the pop timeout is not an error. Errors and panics
// from the callback are not handled here.
func (m *Mediator[T]) Move() error {
	item, ok := m.queue.Pop(m.cfg.popTimeout)
	m.observeQueue()
	if !ok {
		return nil
	}

	if item.Revoked() {
		return nil
	}

	ctx, span := m.cfg.tracer.Start(context.Background(), "mediator.dispatch")
	defer span.End()

	start := time.Now()
	err := m.callback(ctx, item)
	if m.cfg.metrics != nil {
		m.cfg.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// run loops until Stop. stopped is set on every exit path before the
// process is terminated on a dispatch failure.
func (m *Mediator[T]) run() {
	m.setRunning(1)
	err := m.loop()
	m.setRunning(0)

	m.err = err
	m.stopped.Store(true)
	close(m.done)

	if err != nil {
		slog.LogAttrs(context.Background(), slog.LevelError, "mediator crashed, terminating process",
			slog.String("error", err.Error()),
		)
		m.cfg.terminate(1)
	}
}

func (m *Mediator[T]) loop() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("mediator: panic in dispatch: %v", rec)
		}
	}()
	for !m.shutdown.Load() {
		if err := m.Move(); err != nil {
			return fmt.Errorf("mediator: dispatch: %w", err)
		}
	}
	return nil
}

func (m *Mediator[T]) setRunning(v float64) {
	if m.cfg.metrics != nil {
		m.cfg.metrics.MediatorRunning.Set(v)
	}
}

func (m *Mediator[T]) observeQueue() {
	if m.cfg.metrics == nil {
		return
	}
	if l, ok := m.queue.(interface{ Len() int }); ok {
		m.cfg.metrics.ReadyQueueLength.Set(float64(l.Len()))
	}
}
