// Package ratelimit throttles task submission per task name with lazily
// refilled token buckets.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      int64 // tasks per minute; 0 means unlimited
	Remaining  int64
	RetryAfter time.Duration
}

// bucket is a token bucket refilled on access, with no background goroutine.
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(perMinute int64, now time.Time) *bucket {
	return &bucket{
		tokens:   float64(perMinute),
		max:      float64(perMinute),
		rate:     float64(perMinute) / 60,
		lastFill: now,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// take consumes one token if available, else reports the wait for one.
func (b *bucket) take(now time.Time) (remaining int64, wait time.Duration, ok bool) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return int64(b.tokens), 0, true
	}
	secs := (1 - b.tokens) / b.rate
	return 0, time.Duration(math.Ceil(secs * float64(time.Second))), false
}

// Registry holds one bucket per limited task name. Names without a limit are
// never throttled. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	limits  map[string]int64
	buckets map[string]*bucket
	now     func() time.Time
}

// NewRegistry creates a registry from per-minute limits keyed by task name.
// Non-positive limits are ignored.
func NewRegistry(perMinute map[string]int64) *Registry {
	limits := make(map[string]int64, len(perMinute))
	for name, n := range perMinute {
		if n > 0 {
			limits[name] = n
		}
	}
	return &Registry{
		limits:  limits,
		buckets: make(map[string]*bucket, len(limits)),
		now:     time.Now,
	}
}

// Allow consumes one submission for task.
func (r *Registry) Allow(task string) Result {
	limit, ok := r.limits[task]
	if !ok {
		return Result{Allowed: true}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	b, ok := r.buckets[task]
	if !ok {
		b = newBucket(limit, now)
		r.buckets[task] = b
	}
	remaining, wait, allowed := b.take(now)
	return Result{Allowed: allowed, Limit: limit, Remaining: remaining, RetryAfter: wait}
}

// Limit returns the per-minute limit for task, or 0 if unlimited.
func (r *Registry) Limit(task string) int64 {
	return r.limits[task]
}
