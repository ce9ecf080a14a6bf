package server

import (
	"log/slog"
	"net/http"
)

func writeProbe(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body)) //nolint:errcheck
}

// handleHealthz is a liveness probe; it only proves the process serves HTTP.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, http.StatusOK, "ok")
}

// handleReadyz fails once the mediator has stopped or the store is unreachable,
// so a supervisor can take the instance out of rotation.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if check := s.deps.ReadyCheck; check != nil {
		if err := check(r.Context()); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "readiness check failed",
				slog.String("error", err.Error()),
			)
			writeProbe(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeProbe(w, http.StatusOK, "ok")
}
