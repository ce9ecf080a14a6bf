package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	courier "github.com/eugener/courier/internal"
)

const requestIDHeader = "X-Request-Id"

// recovery turns a handler panic into a 500 response.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
				slog.String("error", fmt.Sprint(rec)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("request_id", courier.RequestIDFromContext(r.Context())),
			)
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal_error", "internal server error"))
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID keeps the caller's X-Request-Id or assigns a new one, echoing it
// in the response and storing it in the request context.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = courier.NewID()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(courier.ContextWithRequestID(r.Context(), id)))
	})
}

// observe writes one access log line per request and, when metrics are
// enabled, updates the request counters keyed by chi route pattern.
func (s *server) observe(next http.Handler) http.Handler {
	m := s.deps.Metrics
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m != nil {
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("request_id", courier.RequestIDFromContext(r.Context())),
		)
		if m != nil {
			route := routePattern(r)
			m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		}
	})
}

// routePattern bounds label cardinality: /v1/tasks/{id}/revoke rather than
// one series per task ID.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// authenticate guards the /v1 API with the admin key.
func (s *server) authenticate(next http.Handler) http.Handler {
	if s.deps.Auth == nil || !s.deps.Auth.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Auth.Authenticate(r); err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the first status code written.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wroteHeader = true
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }
