package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner runs workers side by side. The first worker to fail cancels the
// others; Run returns once all of them have returned.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner over workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run blocks until every worker has returned and reports the first failure,
// prefixed with the failing worker's name.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		g.Go(func() error { return runWorker(ctx, w) })
	}
	return g.Wait()
}

func runWorker(ctx context.Context, w Worker) error {
	name := workerName(w)
	start := time.Now()
	slog.LogAttrs(ctx, slog.LevelInfo, "worker started", slog.String("worker", name))

	err := w.Run(ctx)

	attrs := []slog.Attr{
		slog.String("worker", name),
		slog.Duration("uptime", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(context.Background(), slog.LevelError, "worker failed", attrs...)
		return fmt.Errorf("%s: %w", name, err)
	}
	slog.LogAttrs(context.Background(), slog.LevelInfo, "worker stopped", attrs...)
	return nil
}

// workerName uses the worker's Name method when it has one.
func workerName(w Worker) string {
	if n, ok := w.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", w)
}
