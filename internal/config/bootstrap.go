package config

import (
	"context"
	"fmt"
	"log/slog"

	courier "github.com/eugener/courier/internal"
)

// Revoker is the part of the revocation registry Bootstrap needs.
type Revoker interface {
	Restore(ctx context.Context) (int, error)
	Revoke(ctx context.Context, taskID, reason string) (*courier.Revocation, error)
}

// Bootstrap restores persisted revocations into the registry, then applies
// the revocations seeded in the config file. A seed refreshes the expiry of
// a revocation that was already persisted.
func Bootstrap(ctx context.Context, cfg *Config, revocations Revoker) error {
	n, err := revocations.Restore(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if n > 0 {
		slog.Info("restored revocations", "count", n)
	}

	for _, s := range cfg.Revocations.Seed {
		if _, err := revocations.Revoke(ctx, s.TaskID, s.Reason); err != nil {
			return fmt.Errorf("bootstrap: seed revocation %q: %w", s.TaskID, err)
		}
		slog.Info("seeded revocation", "task_id", s.TaskID)
	}
	return nil
}
