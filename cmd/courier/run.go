package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	courier "github.com/eugener/courier/internal"
	"github.com/eugener/courier/internal/app"
	"github.com/eugener/courier/internal/auth"
	"github.com/eugener/courier/internal/cloudauth"
	"github.com/eugener/courier/internal/config"
	"github.com/eugener/courier/internal/executor"
	"github.com/eugener/courier/internal/executor/webhook"
	"github.com/eugener/courier/internal/queue"
	"github.com/eugener/courier/internal/ratelimit"
	"github.com/eugener/courier/internal/revoke"
	"github.com/eugener/courier/internal/server"
	"github.com/eugener/courier/internal/storage/sqlite"
	"github.com/eugener/courier/internal/telemetry"
	"github.com/eugener/courier/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(config.NewLogger(cfg.Log, os.Stderr))

	slog.Info("starting courier", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate, version)
		if err != nil {
			return err
		}
		defer shutdownTracing(context.Background()) //nolint:errcheck
	}

	// Metrics
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Revocation registry, restored from the previous run and seeded from config
	registry, err := revoke.New(store, revoke.Options{
		MaxSize: cfg.Revocations.MaxSize,
		TTL:     cfg.Revocations.TTL,
	})
	if err != nil {
		return err
	}
	if err := config.Bootstrap(ctx, cfg, registry); err != nil {
		return err
	}

	// Event log
	events := worker.NewEventRecorder(store, metrics)

	// Executor pool and handlers
	pool := executor.NewPool(cfg.Executor.Concurrency, events, metrics)
	pool.Register("log", executor.Log)

	resolver := &dnscache.Resolver{}
	transport := webhook.NewTransport(resolver)
	for _, w := range cfg.Executor.Webhooks {
		h, err := webhook.New(ctx, webhookConfig(w), transport)
		if err != nil {
			return fmt.Errorf("webhook %q: %w", w.Task, err)
		}
		pool.Register(w.Task, h.Handle)
	}
	slog.Info("registered tasks", "tasks", pool.Names())

	// Ready queue and mediator
	ready := queue.NewReady[*courier.Request](cfg.Mediator.QueueSize)
	mediator := worker.NewMediator[*courier.Request](ready, pool.Apply,
		worker.WithPopTimeout(cfg.Mediator.PopTimeout),
		worker.WithMetrics(metrics),
	)

	tasks := app.NewTaskService(app.TaskServiceDeps{
		Catalog:     pool,
		Queue:       ready,
		Revocations: registry,
		Events:      events,
		EventStore:  store,
		RateLimits:  ratelimit.NewRegistry(cfg.Executor.RateLimits),
		Metrics:     metrics,
	})

	// Create HTTP server
	handler := server.New(server.Deps{
		Tasks: tasks,
		Auth:  auth.NewAdminKeyAuth(cfg.Auth.AdminKey),
		ReadyCheck: func(ctx context.Context) error {
			if mediator.Stopped() {
				return errors.New("mediator stopped")
			}
			return store.Ping(ctx)
		},
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})
	if cfg.Auth.AdminKey == "" {
		slog.Warn("auth.admin_key is empty, /v1 endpoints are unauthenticated")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// The event recorder outlives the other workers so the outcomes of
	// in-flight handlers are still persisted during shutdown.
	eventsCtx, stopEvents := context.WithCancel(ctx)
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		events.Run(eventsCtx) //nolint:errcheck
	}()
	defer func() {
		stopEvents()
		<-eventsDone
	}()

	// Background workers
	workersCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	runner := worker.NewRunner(
		mediator,
		worker.NewRevocationPruner(store, cfg.Revocations.PruneInterval),
		worker.NewDNSRefresher(resolver, 0),
	)
	workersErr := make(chan error, 1)
	go func() { workersErr <- runner.Run(workersCtx) }()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("courier ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		runErr = err
	case err := <-workersErr:
		runErr = fmt.Errorf("workers exited: %w", err)
		workersErr <- nil
	}

	// Shutdown: stop intake, stop the mediator, then let in-flight tasks finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("http shutdown: %w", err))
	}
	ready.Close()

	stopWorkers()
	if err := <-workersErr; err != nil {
		runErr = errors.Join(runErr, err)
	}

	if err := pool.Close(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("executor shutdown: %w", err))
	}
	if n := ready.Len(); n > 0 {
		slog.Warn("tasks left in ready queue", "count", n)
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("courier stopped")
	return nil
}

func webhookConfig(w config.WebhookEntry) webhook.Config {
	c := webhook.Config{
		URL:     w.URL,
		Timeout: w.Timeout,
		Breaker: webhook.BreakerConfig{
			ErrorThreshold: w.Breaker.ErrorThreshold,
			MinSamples:     w.Breaker.MinSamples,
			Window:         w.Breaker.Window,
			OpenTimeout:    w.Breaker.OpenTimeout,
		},
	}
	if w.OAuth != nil {
		c.OAuth = &webhook.OAuthConfig{
			TokenURL:     w.OAuth.TokenURL,
			ClientID:     w.OAuth.ClientID,
			ClientSecret: w.OAuth.ClientSecret,
			Scopes:       w.OAuth.Scopes,
		}
	}
	if w.Auth != nil {
		c.Auth = &cloudauth.Config{
			Type:    w.Auth.Type,
			Key:     w.Auth.Key,
			Header:  w.Auth.Header,
			Prefix:  w.Auth.Prefix,
			Scopes:  w.Auth.Scopes,
			Region:  w.Auth.Region,
			Service: w.Auth.Service,
		}
	}
	return c
}
