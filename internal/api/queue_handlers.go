package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/callbridge/internal/queue"
)

const (
	defaultPeek = 10
	maxPeek     = 100
)

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Stats(r.Context()))
}

// handlePeekQueue returns the calls at the head of the queue without
// removing them.
func (s *Server) handlePeekQueue(w http.ResponseWriter, r *http.Request) {
	n := defaultPeek
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "n must be an integer")
			return
		}
		if msg := validateIntRange("n", parsed, 1, maxPeek); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		n = parsed
	}

	calls := s.deps.Queue.Peek(r.Context(), n)
	if calls == nil {
		calls = []queue.QueuedCall{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls, "count": len(calls)})
}

func (s *Server) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if msg := validateID("call id", callID); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	pos := s.deps.Queue.Position(r.Context(), callID)
	if pos == 0 {
		writeError(w, http.StatusNotFound, "call not queued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call_id": callID, "position": pos})
}

func (s *Server) handleRemoveQueued(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if msg := validateID("call id", callID); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if !s.deps.Queue.Remove(r.Context(), callID) {
		writeError(w, http.StatusNotFound, "call not queued")
		return
	}
	s.logger.Info("queued call removed by operator", "call_id", callID)
	writeJSON(w, http.StatusOK, map[string]any{"call_id": callID, "removed": true})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Queue.Clear(r.Context())
	s.logger.Info("queue cleared by operator", "removed", n)
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}
