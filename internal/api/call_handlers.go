package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/registry"
)

// callRecordResponse is the JSON representation of a call record.
type callRecordResponse struct {
	ID              string  `json:"id"`
	ProviderCallID  string  `json:"provider_call_id"`
	AgentID         string  `json:"agent_id"`
	Carrier         string  `json:"carrier"`
	Direction       string  `json:"direction"`
	PhoneNumber     string  `json:"phone_number,omitempty"`
	Status          string  `json:"status"`
	Transcript      string  `json:"transcript,omitempty"`
	StartedAt       string  `json:"started_at"`
	EndedAt         *string `json:"ended_at"`
	DurationSeconds *int    `json:"duration_seconds"`
}

func toCallRecordResponse(c *models.CallRecord) callRecordResponse {
	resp := callRecordResponse{
		ID:              c.ID,
		ProviderCallID:  c.ProviderCallID,
		AgentID:         c.AgentID,
		Carrier:         c.Carrier,
		Direction:       c.Direction,
		PhoneNumber:     c.PhoneNumber,
		Status:          c.Status,
		Transcript:      c.Transcript,
		StartedAt:       c.StartedAt.Format(time.RFC3339),
		DurationSeconds: c.DurationSeconds,
	}
	if c.EndedAt != nil {
		s := c.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &s
	}
	return resp
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.deps.Registry.ListActive(r.Context())
	if calls == nil {
		calls = []registry.CallInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"calls": calls,
		"count": len(calls),
	})
}

func (s *Server) handleCallCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.deps.Registry.Count(r.Context())})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if msg := validateID("call id", callID); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	info, ok := s.deps.Registry.Get(r.Context(), callID)
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleCallHistory lists persisted call records, newest first.
func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	p, msg := parsePagination(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	recs, err := s.deps.Records.ListRecent(r.Context(), p.Limit, p.Offset)
	if err != nil {
		s.logger.Error("listing call records", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	total, err := s.deps.Records.Count(r.Context())
	if err != nil {
		s.logger.Error("counting call records", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]callRecordResponse, len(recs))
	for i := range recs {
		items[i] = toCallRecordResponse(&recs[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}
