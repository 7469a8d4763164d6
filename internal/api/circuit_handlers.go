package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Circuits.Snapshots())
}

// handleResetCircuit forces the named breaker closed.
func (s *Server) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if msg := validateID("circuit name", name); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if !s.deps.Circuits.Reset(name) {
		writeError(w, http.StatusNotFound, "circuit not found")
		return
	}
	s.logger.Info("circuit reset by operator", "circuit", name)

	p, _ := s.deps.Circuits.Get(name)
	writeJSON(w, http.StatusOK, p.Breaker().Snapshot())
}
