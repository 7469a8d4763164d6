package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/qa"
)

// evaluationResponse is the JSON representation of a call evaluation.
type evaluationResponse struct {
	ID                  string   `json:"id"`
	CallRecordID        string   `json:"call_record_id"`
	AgentID             string   `json:"agent_id"`
	OverallScore        int      `json:"overall_score"`
	Passed              bool     `json:"passed"`
	IntentCompletion    *int     `json:"intent_completion"`
	ToolUsage           *int     `json:"tool_usage"`
	Compliance          *int     `json:"compliance"`
	ResponseQuality     *int     `json:"response_quality"`
	Coherence           *int     `json:"coherence"`
	Relevance           *int     `json:"relevance"`
	Groundedness        *int     `json:"groundedness"`
	Fluency             *int     `json:"fluency"`
	Sentiment           string   `json:"overall_sentiment,omitempty"`
	SentimentScore      *float64 `json:"sentiment_score"`
	EscalationRisk      *float64 `json:"escalation_risk"`
	ObjectivesDetected  []string `json:"objectives_detected"`
	ObjectivesCompleted []string `json:"objectives_completed"`
	FailureReasons      []string `json:"failure_reasons"`
	Recommendations     []string `json:"recommendations"`
	Model               string   `json:"evaluation_model"`
	PromptVersion       string   `json:"evaluation_prompt_version"`
	LatencyMS           int      `json:"evaluation_latency_ms"`
	InputTokens         int      `json:"input_tokens"`
	OutputTokens        int      `json:"output_tokens"`
	CreatedAt           string   `json:"created_at"`
}

func toEvaluationResponse(e *models.CallEvaluation) evaluationResponse {
	return evaluationResponse{
		ID:                  e.ID,
		CallRecordID:        e.CallRecordID,
		AgentID:             e.AgentID,
		OverallScore:        e.OverallScore,
		Passed:              e.Passed,
		IntentCompletion:    e.IntentCompletion,
		ToolUsage:           e.ToolUsage,
		Compliance:          e.Compliance,
		ResponseQuality:     e.ResponseQuality,
		Coherence:           e.Coherence,
		Relevance:           e.Relevance,
		Groundedness:        e.Groundedness,
		Fluency:             e.Fluency,
		Sentiment:           e.Sentiment,
		SentimentScore:      e.SentimentScore,
		EscalationRisk:      e.EscalationRisk,
		ObjectivesDetected:  nonNil(e.ObjectivesDetected),
		ObjectivesCompleted: nonNil(e.ObjectivesCompleted),
		FailureReasons:      nonNil(e.FailureReasons),
		Recommendations:     nonNil(e.Recommendations),
		Model:               e.Model,
		PromptVersion:       e.PromptVersion,
		LatencyMS:           e.LatencyMS,
		InputTokens:         e.InputTokens,
		OutputTokens:        e.OutputTokens,
		CreatedAt:           e.CreatedAt.Format(time.RFC3339),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// handleListEvaluations lists call evaluations, newest first.
func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	p, msg := parsePagination(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	evals, err := s.deps.Evaluations.ListRecent(r.Context(), p.Limit, p.Offset)
	if err != nil {
		s.logger.Error("listing evaluations", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	total, err := s.deps.Evaluations.Count(r.Context())
	if err != nil {
		s.logger.Error("counting evaluations", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]evaluationResponse, len(evals))
	for i := range evals {
		items[i] = toEvaluationResponse(&evals[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

func (s *Server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "callRecordID")
	if msg := validateID("call record id", id); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	ev, err := s.deps.Evaluations.GetByCallRecordID(r.Context(), id)
	if err != nil {
		s.logger.Error("getting evaluation", "call_record_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	writeJSON(w, http.StatusOK, toEvaluationResponse(ev))
}

type evaluateCallRequest struct {
	ProviderCallID string `json:"provider_call_id"`
}

// handleEvaluateCall scores one call synchronously and returns the stored
// evaluation.
func (s *Server) handleEvaluateCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Evaluator == nil {
		writeError(w, http.StatusBadRequest, "quality evaluation is disabled")
		return
	}
	var req evaluateCallRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateID("provider_call_id", req.ProviderCallID); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ev, err := s.deps.Evaluator.Evaluate(r.Context(), req.ProviderCallID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, toEvaluationResponse(ev))
	case errors.Is(err, qa.ErrNoRecord):
		writeError(w, http.StatusNotFound, "call not found")
	case errors.Is(err, qa.ErrNoTranscript):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, qa.ErrAlreadyEvaluated):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("evaluating call", "provider_call_id", req.ProviderCallID, "error", err)
		writeError(w, http.StatusBadGateway, "evaluation failed")
	}
}
