// Package queue provides the in-process ready queue that sits between task
// producers and the mediator.
package queue

import (
	"context"
	"sync"
	"time"

	courier "github.com/eugener/courier/internal"
)

const defaultSize = 10_000

// Ready is a bounded, thread-safe FIFO. Producers push; a single consumer pops
// with a bounded wait so it can periodically observe shutdown.
type Ready[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewReady creates a ready queue holding at most size items.
// A non-positive size falls back to 10 000.
func NewReady[T any](size int) *Ready[T] {
	if size <= 0 {
		size = defaultSize
	}
	return &Ready[T]{
		ch:   make(chan T, size),
		done: make(chan struct{}),
	}
}

// Push enqueues item, blocking while the queue is full until ctx is done or
// the queue is closed.
func (q *Ready[T]) Push(ctx context.Context, item T) error {
	if q.closed() {
		return courier.ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.done:
		return courier.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues item without blocking. It returns ErrQueueFull when there
// is no free slot.
func (q *Ready[T]) TryPush(item T) error {
	if q.closed() {
		return courier.ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return courier.ErrQueueFull
	}
}

// Pop removes the oldest item, waiting up to timeout for one to arrive.
// It reports false if nothing arrived in time.
func (q *Ready[T]) Pop(timeout time.Duration) (T, bool) {
	// Fast path avoids a timer allocation when work is already waiting.
	select {
	case item := <-q.ch:
		return item, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item := <-q.ch:
		return item, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// Len returns the number of queued items.
func (q *Ready[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Ready[T]) Cap() int { return cap(q.ch) }

// Close rejects further pushes. Items already queued can still be popped.
func (q *Ready[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Ready[T]) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
