// Package storage defines persistence interfaces for the dispatcher.
package storage

import (
	"context"
	"time"

	courier "github.com/eugener/courier/internal"
)

// RevocationStore persists revoked task IDs across restarts.
type RevocationStore interface {
	// InsertRevocation stores r, replacing any existing revocation for the same task.
	InsertRevocation(ctx context.Context, r courier.Revocation) error
	// ListRevocations returns revocations still in effect at now.
	ListRevocations(ctx context.Context, now time.Time) ([]courier.Revocation, error)
	// DeleteExpiredRevocations removes revocations that lapsed at or before now.
	DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error)
}

// EventStore manages the task lifecycle log.
type EventStore interface {
	InsertEvents(ctx context.Context, events []courier.TaskEvent) error
	QueryEvents(ctx context.Context, f courier.EventFilter) ([]courier.TaskEvent, error)
	CountEvents(ctx context.Context, f courier.EventFilter) (int, error)
}

// Store combines all storage interfaces.
type Store interface {
	RevocationStore
	EventStore
	Ping(ctx context.Context) error
	Close() error
}
