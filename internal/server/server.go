// Package server implements the HTTP transport layer for the Courier dispatcher.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/courier/internal/app"
	"github.com/eugener/courier/internal/auth"
	"github.com/eugener/courier/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Tasks          *app.TaskService
	Auth           *auth.AdminKeyAuth // nil = no authentication
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = /metrics not mounted
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery, s.requestID, s.observe)

	// Probes and scraping are unauthenticated.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/tasks", s.handleSubmitTask)
		r.Get("/tasks/registered", s.handleRegisteredTasks)
		r.Post("/tasks/{id}/revoke", s.handleRevokeTask)
		r.Get("/revocations", s.handleListRevocations)
		r.Get("/events", s.handleListEvents)
	})

	return r
}

type server struct {
	deps Deps
}
