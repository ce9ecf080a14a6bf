// Package testutil provides configurable test fakes for courier interfaces.
package testutil

import (
	"context"
	"slices"
	"sync"
	"time"

	courier "github.com/eugener/courier/internal"
	"github.com/eugener/courier/internal/storage"
)

var _ storage.Store = (*FakeStore)(nil)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu          sync.RWMutex
	revocations map[string]courier.Revocation
	events      []courier.TaskEvent

	// PingErr, when set, is returned by Ping.
	PingErr error
	// InsertErr, when set, is returned by InsertRevocation and InsertEvents.
	InsertErr error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{revocations: make(map[string]courier.Revocation)}
}

// --- RevocationStore ---

// InsertRevocation upserts r.
func (s *FakeStore) InsertRevocation(_ context.Context, r courier.Revocation) error {
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.mu.Lock()
	s.revocations[r.TaskID] = r
	s.mu.Unlock()
	return nil
}

// ListRevocations returns revocations unexpired at now, oldest first.
func (s *FakeStore) ListRevocations(_ context.Context, now time.Time) ([]courier.Revocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []courier.Revocation
	for _, r := range s.revocations {
		if !r.Expired(now) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b courier.Revocation) int { return a.RevokedAt.Compare(b.RevokedAt) })
	return out, nil
}

// DeleteExpiredRevocations removes revocations expired at now.
func (s *FakeStore) DeleteExpiredRevocations(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.revocations {
		if r.Expired(now) {
			delete(s.revocations, id)
			n++
		}
	}
	return n, nil
}

// --- EventStore ---

// InsertEvents appends events.
func (s *FakeStore) InsertEvents(_ context.Context, events []courier.TaskEvent) error {
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

// QueryEvents returns a page of events matching f in insertion order.
func (s *FakeStore) QueryEvents(_ context.Context, f courier.EventFilter) ([]courier.TaskEvent, error) {
	matched := s.match(f)
	if f.Offset >= len(matched) {
		return []courier.TaskEvent{}, nil
	}
	matched = matched[f.Offset:]
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// CountEvents returns the number of events matching f.
func (s *FakeStore) CountEvents(_ context.Context, f courier.EventFilter) (int, error) {
	return len(s.match(f)), nil
}

// Events returns a copy of every stored event.
func (s *FakeStore) Events() []courier.TaskEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

func (s *FakeStore) match(f courier.EventFilter) []courier.TaskEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []courier.TaskEvent
	for _, e := range s.events {
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// --- lifecycle ---

// Ping returns PingErr.
func (s *FakeStore) Ping(context.Context) error { return s.PingErr }

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }
