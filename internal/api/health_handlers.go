package api

import (
	"context"
	"net/http"
	"time"
)

const readyTimeout = 2 * time.Second

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports whether the process should receive new calls. It
// fails while shutting down or when Redis is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry.IsShuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.deps.Registry.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "call registry unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"active_calls": s.deps.Registry.Count(r.Context()),
	})
}
