package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	courier "github.com/eugener/courier/internal"
	"github.com/eugener/courier/internal/queue"
	"github.com/eugener/courier/internal/telemetry"
)

const testPopTimeout = 20 * time.Millisecond

type revokedSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (s *revokedSet) add(id string) {
	s.mu.Lock()
	s.ids[id] = true
	s.mu.Unlock()
}

func (s *revokedSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id]
}

func newRevokedSet() *revokedSet { return &revokedSet{ids: make(map[string]bool)} }

// recordingTerminator counts fatal-exit calls instead of exiting.
type recordingTerminator struct {
	calls atomic.Int32
	code  atomic.Int32
}

func (r *recordingTerminator) terminate(code int) {
	r.calls.Add(1)
	r.code.Store(int32(code))
}

func newRequest(name string, revoked courier.RevocationChecker) *courier.Request {
	return courier.NewRequest(&courier.Task{
		ID:       courier.NewID(),
		Name:     "mocktask",
		Args:     []byte(`"` + name + `"`),
		Hostname: "harness.com",
	}, revoked, nil)
}

func TestMediator_StartStop(t *testing.T) {
	t.Parallel()
	q := queue.NewReady[*courier.Request](10)
	term := &recordingTerminator{}
	m := NewMediator(q, func(context.Context, *courier.Request) error { return nil },
		WithPopTimeout(testPopTimeout), WithTerminate(term.terminate))

	m.Start()
	if m.ShutdownRequested() {
		t.Error("shutdown set after Start")
	}
	if m.Stopped() {
		t.Error("stopped set after Start")
	}

	m.Stop()
	m.Join()

	if !m.ShutdownRequested() {
		t.Error("shutdown not set after Stop")
	}
	if !m.Stopped() {
		t.Error("stopped not set after Join")
	}
	if term.calls.Load() != 0 {
		t.Errorf("terminate called %d times on clean stop", term.calls.Load())
	}
}

func TestMediator_Move(t *testing.T) {
	t.Parallel()
	q := queue.NewReady[*courier.Request](10)
	var got string
	m := NewMediator(q, func(_ context.Context, r *courier.Request) error {
		got = string(r.Task.Args)
		return nil
	}, WithPopTimeout(testPopTimeout))

	q.TryPush(newRequest("George Costanza", nil))

	if err := m.Move(); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if got != `"George Costanza"` {
		t.Errorf("callback got %s, want %q", got, `"George Costanza"`)
	}
}

func TestMediator_MoveEmptyQueue(t *testing.T) {
	t.Parallel()
	q := queue.NewReady[*courier.Request](10)
	var calls atomic.Int32
	m := NewMediator(q, func(context.Context, *courier.Request) error {
		calls.Add(1)
		return nil
	}, WithPopTimeout(testPopTimeout))

	start := time.Now()
	if err := m.Move(); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Move on empty queue took %v", time.Since(start))
	}
	if calls.Load() != 0 {
		t.Errorf("callback called %d times on empty queue", calls.Load())
	}
}

func TestMediator_MovePreservesOrder(t *testing.T) {
	t.Parallel()
	q := queue.NewReady[*courier.Request](10)
	var got []string
	m := NewMediator(q, func(_ context.Context, r *courier.Request) error {
		got = append(got, string(r.Task.Args))
		return nil
	}, WithPopTimeout(testPopTimeout))

	names := []string{"Jerry", "George", "Elaine", "Kramer"}
	for _, n := range names {
		q.TryPush(newRequest(n, nil))
	}
	for range names {
		if err := m.Move(); err != nil {
			t.Fatal(err)
		}
	}

	if len(got) != len(names) {
		t.Fatalf("dispatched %d items, want %d", len(got), len(names))
	}
	for i, n := range names {
		if got[i] != `"`+n+`"` {
			t.Errorf("got[%d] = %s, want %q", i, got[i], n)
		}
	}
}

func TestMediator_MoveRevoked(t *testing.T) {
	t.Parallel()
	q := queue.NewReady[*courier.Request](10)
	revoked := newRevokedSet()

	var calls atomic.Int32
	m := NewMediator(q, func(context.Context, *courier.Request) error {
		calls.Add(1)
		return nil
	}, WithPopTimeout(testPopTimeout))

	var acks atomic.Int32
	task := &courier.Task{ID: courier.NewID(), Name: "mocktask", Args: []byte(`"Jerry Seinfeld"`)}
	req := courier.NewRequest(task, revoked, func(*courier.Task) { acks.Add(1) })
	revoked.add(task.ID)
	q.TryPush(req)

	if err := m.Move(); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("callback called %d times for revoked item", calls.Load())
	}
	if acks.Load() != 1 {
		t.Errorf("acks = %d, want 1", acks.Load())
	}
}

func TestMediator_MoveCallbackError(t *testing.T) {
	t.Parallel()
	q := queue.NewReady[*courier.Request](10)
	errFoo := errors.New("foo")
	m := NewMediator(q, func(context.Context, *courier.Request) error { return errFoo },
		WithPopTimeout(testPopTimeout))

	q.TryPush(newRequest("Elaine M. Benes", nil))

	if err := m.Move(); !errors.Is(err, errFoo) {
		t.Errorf("Move err = %v, want %v", err, errFoo)
	}
}

func TestMediator_MoveCallbackPanic(t *testing.T) {
	t.Parallel()
	q := queue.NewReady[*courier.Request](10)
	m := NewMediator(q, func(context.Context, *courier.Request) error { panic("foo") },
		WithPopTimeout(testPopTimeout))

	q.TryPush(newRequest("Elaine M. Benes", nil))

	defer func() {
		if rec := recover(); rec != "foo" {
			t.Errorf("recovered %v, want foo", rec)
		}
	}()
	m.Move()
	t.Error("Move should have panicked")
}

func TestMediator_RunStopsFromCallback(t *testing.T) {
	t.Parallel()
	q := queue.NewReady[*courier.Request](10)
	term := &recordingTerminator{}

	var m *Mediator[*courier.Request]
	m = NewMediator(q, func(context.Context, *courier.Request) error {
		m.Stop()
		return nil
	}, WithPopTimeout(testPopTimeout), WithTerminate(term.terminate))

	q.TryPush(newRequest("Elaine M. Benes", nil))
	m.run()

	if !m.ShutdownRequested() {
		t.Error("shutdown not set")
	}
	if !m.Stopped() {
		t.Error("stopped not set")
	}
	if term.calls.Load() != 0 {
		t.Errorf("terminate called %d times", term.calls.Load())
	}
}

func TestMediator_Crash(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		callback Dispatch[*courier.Request]
	}{
		{
			name:     "error",
			callback: func(context.Context, *courier.Request) error { return errors.New("foo") },
		},
		{
			name:     "panic",
			callback: func(context.Context, *courier.Request) error { panic("foo") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := queue.NewReady[*courier.Request](10)
			term := &recordingTerminator{}

			var m *Mediator[*courier.Request]
			var stoppedAtExit atomic.Bool
			m = NewMediator(q, tt.callback, WithPopTimeout(testPopTimeout),
				WithTerminate(func(code int) {
					stoppedAtExit.Store(m.Stopped())
					term.terminate(code)
				}))

			q.TryPush(newRequest("George Constanza", nil))
			m.run()

			if !m.Stopped() {
				t.Error("stopped not set after crash")
			}
			if term.calls.Load() != 1 {
				t.Errorf("terminate called %d times, want 1", term.calls.Load())
			}
			if term.code.Load() != 1 {
				t.Errorf("exit code = %d, want 1", term.code.Load())
			}
			if !stoppedAtExit.Load() {
				t.Error("stopped must be set before terminate runs")
			}
		})
	}
}

func TestMediator_CrashReleasesJoin(t *testing.T) {
	t.Parallel()
	q := queue.NewReady[*courier.Request](10)
	term := &recordingTerminator{}
	m := NewMediator(q, func(context.Context, *courier.Request) error { return errors.New("boom") },
		WithPopTimeout(testPopTimeout), WithTerminate(term.terminate))

	m.Start()
	q.TryPush(newRequest("Newman", nil))

	joined := make(chan struct{})
	go func() {
		m.Join()
		close(joined)
	}()

	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("Join not released after crash")
	}
	if !m.Stopped() {
		t.Error("stopped not set")
	}
}

func TestMediator_StopBeforeWork(t *testing.T) {
	t.Parallel()
	q := queue.NewReady[*courier.Request](10)
	m := NewMediator(q, func(context.Context, *courier.Request) error { return nil },
		WithPopTimeout(testPopTimeout))

	m.Stop()

	done := make(chan struct{})
	go func() {
		m.run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after Stop")
	}
	if !m.Stopped() {
		t.Error("stopped not set")
	}
}

func TestMediator_StopLatencyBoundedByPopTimeout(t *testing.T) {
	t.Parallel()
	q := queue.NewReady[*courier.Request](10)
	m := NewMediator(q, func(context.Context, *courier.Request) error { return nil },
		WithPopTimeout(50*time.Millisecond))

	m.Start()
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	m.Stop()
	m.Join()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("stop took %v, want roughly the pop timeout", elapsed)
	}
}

func TestMediator_RunWorker(t *testing.T) {
	t.Parallel()
	q := queue.NewReady[*courier.Request](10)
	var calls atomic.Int32
	m := NewMediator(q, func(context.Context, *courier.Request) error {
		calls.Add(1)
		return nil
	}, WithPopTimeout(testPopTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	q.TryPush(newRequest("Jerry", nil))
	q.TryPush(newRequest("George", nil))

	deadline := time.After(2 * time.Second)
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("dispatched %d items, want 2", calls.Load())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mediator did not stop")
	}
	if !m.Stopped() {
		t.Error("stopped not set")
	}
}

func TestMediator_RunWorkerReportsCrash(t *testing.T) {
	t.Parallel()
	q := queue.NewReady[*courier.Request](10)
	term := &recordingTerminator{}
	errBoom := errors.New("boom")
	m := NewMediator(q, func(context.Context, *courier.Request) error { return errBoom },
		WithPopTimeout(testPopTimeout), WithTerminate(term.terminate))

	q.TryPush(newRequest("Kramer", nil))

	err := m.Run(t.Context())
	if !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want %v", err, errBoom)
	}
	if term.calls.Load() != 1 {
		t.Errorf("terminate called %d times, want 1", term.calls.Load())
	}
}

func TestMediator_Metrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewPedanticRegistry()
	metrics := telemetry.NewMetrics(reg)
	q := queue.NewReady[*courier.Request](10)

	var m *Mediator[*courier.Request]
	m = NewMediator(q, func(context.Context, *courier.Request) error {
		if promtest.ToFloat64(metrics.MediatorRunning) != 1 {
			t.Error("mediator_running should be 1 during dispatch")
		}
		m.Stop()
		return nil
	}, WithPopTimeout(testPopTimeout), WithMetrics(metrics))

	q.TryPush(newRequest("Jerry", nil))
	q.TryPush(newRequest("George", nil))
	m.run()

	if got := promtest.ToFloat64(metrics.MediatorRunning); got != 0 {
		t.Errorf("mediator_running = %v, want 0", got)
	}
	if got := promtest.ToFloat64(metrics.ReadyQueueLength); got != 1 {
		t.Errorf("ready_queue_length = %v, want 1", got)
	}
	if got := promtest.CollectAndCount(metrics.DispatchDuration); got != 1 {
		t.Errorf("dispatch_duration series = %d, want 1", got)
	}
}
