// Package revoke implements the revocation registry: a bounded, expiring set
// of task IDs that must be skipped rather than dispatched.
package revoke

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/maypok86/otter/v2"

	courier "github.com/eugener/courier/internal"
)

// Defaults match the limits a worker keeps for revoked task IDs.
const (
	DefaultMaxSize = 10_000
	DefaultTTL     = time.Hour
)

// Store persists revocations across restarts.
type Store interface {
	InsertRevocation(ctx context.Context, r courier.Revocation) error
	ListRevocations(ctx context.Context, now time.Time) ([]courier.Revocation, error)
}

// Options configures a Registry.
type Options struct {
	MaxSize int
	TTL     time.Duration
}

// Registry is an in-memory W-TinyLFU set of revoked task IDs backed by otter,
// with optional write-through persistence. It is safe for concurrent use.
type Registry struct {
	cache *otter.Cache[string, courier.Revocation]
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// New creates a registry. store may be nil for a purely in-memory registry.
func New(store Store, opts Options) (*Registry, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	c, err := otter.New[string, courier.Revocation](&otter.Options[string, courier.Revocation]{
		MaximumSize:      opts.MaxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, courier.Revocation](opts.TTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create revocation cache: %w", err)
	}
	return &Registry{cache: c, store: store, ttl: opts.TTL, now: time.Now}, nil
}

// Contains reports whether taskID is revoked and the revocation has not lapsed.
func (r *Registry) Contains(taskID string) bool {
	rev, ok := r.cache.GetIfPresent(taskID)
	if !ok {
		return false
	}
	if rev.Expired(r.now()) {
		r.cache.Invalidate(taskID)
		return false
	}
	return true
}

// Revoke marks taskID as revoked for the registry TTL. The revocation is
// persisted before it becomes visible to Contains.
func (r *Registry) Revoke(ctx context.Context, taskID, reason string) (*courier.Revocation, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: empty task id", courier.ErrBadRequest)
	}
	now := r.now().UTC()
	rev := courier.Revocation{
		TaskID:    taskID,
		Reason:    reason,
		RevokedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	if r.store != nil {
		if err := r.store.InsertRevocation(ctx, rev); err != nil {
			return nil, fmt.Errorf("persist revocation: %w", err)
		}
	}
	r.cache.Set(taskID, rev)
	return &rev, nil
}

// Restore loads unexpired revocations from the store. It returns the number
// of revocations loaded.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	now := r.now()
	revs, err := r.store.ListRevocations(ctx, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("load revocations: %w", err)
	}
	n := 0
	for _, rev := range revs {
		if rev.Expired(now) {
			continue
		}
		r.cache.Set(rev.TaskID, rev)
		n++
	}
	return n, nil
}

// List returns the unexpired revocations, oldest first.
func (r *Registry) List() []courier.Revocation {
	now := r.now()
	var out []courier.Revocation
	for _, rev := range r.cache.All() {
		if !rev.Expired(now) {
			out = append(out, rev)
		}
	}
	slices.SortFunc(out, func(a, b courier.Revocation) int {
		return a.RevokedAt.Compare(b.RevokedAt)
	})
	return out
}

// Len returns the number of unexpired revocations.
func (r *Registry) Len() int {
	return len(r.List())
}
