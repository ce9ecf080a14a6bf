package worker

import (
	"context"
	"log/slog"
	"time"

	courier "github.com/eugener/courier/internal"
	"github.com/eugener/courier/internal/telemetry"
)

const (
	eventChanSize   = 1000
	eventBatchSize  = 100
	eventFlushEvery = 5 * time.Second
	eventDrainTime  = 30 * time.Second
)

// EventStore is the persistence interface consumed by EventRecorder.
type EventStore interface {
	InsertEvents(ctx context.Context, events []courier.TaskEvent) error
}

// EventRecorder buffers task events and batch-flushes them to the store.
// Events are dropped if the channel is full (back-pressure on slow DB).
type EventRecorder struct {
	ch      chan courier.TaskEvent
	store   EventStore
	metrics *telemetry.Metrics
}

// NewEventRecorder creates an EventRecorder backed by store. metrics may be nil.
func NewEventRecorder(store EventStore, metrics *telemetry.Metrics) *EventRecorder {
	return &EventRecorder{
		ch:      make(chan courier.TaskEvent, eventChanSize),
		store:   store,
		metrics: metrics,
	}
}

// Name returns the worker identifier.
func (r *EventRecorder) Name() string { return "event_recorder" }

// Record enqueues an event. It never blocks; drops on full channel.
func (r *EventRecorder) Record(e courier.TaskEvent) {
	select {
	case r.ch <- e:
		r.observe()
	default:
		slog.LogAttrs(context.Background(), slog.LevelWarn, "task event dropped, channel full",
			slog.String("task_id", e.TaskID),
			slog.String("type", string(e.Type)),
		)
	}
}

// Run batches events until ctx is cancelled, then drains what is still
// buffered using a fresh deadline so shutdown does not lose outcomes.
func (r *EventRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(eventFlushEvery)
	defer ticker.Stop()

	b := eventBatch{rec: r, buf: make([]courier.TaskEvent, 0, eventBatchSize)}
	for {
		select {
		case e := <-r.ch:
			b.add(ctx, e)
		case <-ticker.C:
			b.flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), eventDrainTime)
			defer cancel()
			for {
				select {
				case e := <-r.ch:
					b.add(drainCtx, e)
				default:
					b.flush(drainCtx)
					return nil
				}
			}
		}
	}
}

// eventBatch accumulates events between flushes.
type eventBatch struct {
	rec *EventRecorder
	buf []courier.TaskEvent
}

func (b *eventBatch) add(ctx context.Context, e courier.TaskEvent) {
	if e.ID == "" {
		e.ID = courier.NewID()
	}
	b.buf = append(b.buf, e)
	if len(b.buf) >= eventBatchSize {
		b.flush(ctx)
	}
}

func (b *eventBatch) flush(ctx context.Context) {
	if len(b.buf) == 0 {
		return
	}
	batch := b.buf
	b.buf = make([]courier.TaskEvent, 0, eventBatchSize)

	if err := b.rec.store.InsertEvents(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "task event flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	b.rec.observe()
}

func (r *EventRecorder) observe() {
	if r.metrics != nil {
		r.metrics.EventQueueLength.Set(float64(len(r.ch)))
	}
}
