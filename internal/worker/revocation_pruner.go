package worker

import (
	"context"
	"log/slog"
	"time"
)

const defaultPruneInterval = 5 * time.Minute

// PruneStore deletes lapsed revocations.
type PruneStore interface {
	DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error)
}

// RevocationPruner periodically removes expired revocations from the store so
// Restore does not replay them after a restart.
type RevocationPruner struct {
	store    PruneStore
	interval time.Duration
	now      func() time.Time
}

// NewRevocationPruner creates a pruner. A non-positive interval uses 5 minutes.
func NewRevocationPruner(store PruneStore, interval time.Duration) *RevocationPruner {
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	return &RevocationPruner{store: store, interval: interval, now: time.Now}
}

// Name returns the worker identifier.
func (p *RevocationPruner) Name() string { return "revocation_pruner" }

// Run prunes once, then on every interval until ctx is cancelled.
func (p *RevocationPruner) Run(ctx context.Context) error {
	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *RevocationPruner) prune(ctx context.Context) {
	n, err := p.store.DeleteExpiredRevocations(ctx, p.now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			slog.LogAttrs(ctx, slog.LevelError, "revocation prune failed",
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if n > 0 {
		slog.Info("pruned expired revocations", "count", n)
	}
}
