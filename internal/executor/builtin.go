package executor

import (
	"context"
	"log/slog"

	courier "github.com/eugener/courier/internal"
)

// Log is a handler that writes the task to the log and succeeds.
func Log(ctx context.Context, t *courier.Task) error {
	slog.LogAttrs(ctx, slog.LevelInfo, "task executed",
		slog.String("task_id", t.ID),
		slog.String("task", t.Name),
		slog.String("args", string(t.Args)),
	)
	return nil
}
