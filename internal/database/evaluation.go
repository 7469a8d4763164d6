package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/callbridge/internal/database/models"
)

// evaluationRepo implements EvaluationRepository.
type evaluationRepo struct {
	db *DB
}

// NewEvaluationRepository creates a new EvaluationRepository.
func NewEvaluationRepository(db *DB) EvaluationRepository {
	return &evaluationRepo{db: db}
}

const evaluationColumns = `id, call_record_id, agent_id, overall_score, passed,
	 intent_completion, tool_usage, compliance, response_quality,
	 coherence, relevance, groundedness, fluency,
	 sentiment, sentiment_score, escalation_risk,
	 objectives_detected, objectives_completed, failure_reasons, recommendations,
	 model, prompt_version, latency_ms, input_tokens, output_tokens, created_at`

// Create inserts an evaluation. A second evaluation for the same call record
// fails on the unique constraint.
func (r *evaluationRepo) Create(ctx context.Context, ev *models.CallEvaluation) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	lists := make([]string, 0, 4)
	for _, l := range [][]string{ev.ObjectivesDetected, ev.ObjectivesCompleted, ev.FailureReasons, ev.Recommendations} {
		if l == nil {
			l = []string{}
		}
		b, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encoding evaluation list: %w", err)
		}
		lists = append(lists, string(b))
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_evaluations (`+evaluationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.CallRecordID, ev.AgentID, ev.OverallScore, ev.Passed,
		ev.IntentCompletion, ev.ToolUsage, ev.Compliance, ev.ResponseQuality,
		ev.Coherence, ev.Relevance, ev.Groundedness, ev.Fluency,
		ev.Sentiment, ev.SentimentScore, ev.EscalationRisk,
		lists[0], lists[1], lists[2], lists[3],
		ev.Model, ev.PromptVersion, ev.LatencyMS, ev.InputTokens, ev.OutputTokens, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting call evaluation: %w", err)
	}
	return nil
}

// GetByCallRecordID returns the evaluation of a call record.
func (r *evaluationRepo) GetByCallRecordID(ctx context.Context, callRecordID string) (*models.CallEvaluation, error) {
	ev, err := scanEvaluation(r.db.QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM call_evaluations WHERE call_record_id = ?`, callRecordID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

// ListRecent returns one page of evaluations, newest first.
func (r *evaluationRepo) ListRecent(ctx context.Context, limit, offset int) ([]models.CallEvaluation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+evaluationColumns+` FROM call_evaluations ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call evaluations: %w", err)
	}
	defer rows.Close()

	var evs []models.CallEvaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evs = append(evs, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call evaluation rows: %w", err)
	}
	return evs, nil
}

// Count returns the number of evaluations.
func (r *evaluationRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_evaluations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting call evaluations: %w", err)
	}
	return n, nil
}

func scanEvaluation(s scanner) (*models.CallEvaluation, error) {
	var (
		ev                                          models.CallEvaluation
		intent, toolUsage, compliance, quality      sql.NullInt64
		coherence, relevance, groundedness, fluency sql.NullInt64
		sentimentScore, escalation                  sql.NullFloat64
		detected, completed, failures, recs         string
	)
	err := s.Scan(&ev.ID, &ev.CallRecordID, &ev.AgentID, &ev.OverallScore, &ev.Passed,
		&intent, &toolUsage, &compliance, &quality,
		&coherence, &relevance, &groundedness, &fluency,
		&ev.Sentiment, &sentimentScore, &escalation,
		&detected, &completed, &failures, &recs,
		&ev.Model, &ev.PromptVersion, &ev.LatencyMS, &ev.InputTokens, &ev.OutputTokens, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call evaluation: %w", err)
	}

	ev.IntentCompletion = nullInt(intent)
	ev.ToolUsage = nullInt(toolUsage)
	ev.Compliance = nullInt(compliance)
	ev.ResponseQuality = nullInt(quality)
	ev.Coherence = nullInt(coherence)
	ev.Relevance = nullInt(relevance)
	ev.Groundedness = nullInt(groundedness)
	ev.Fluency = nullInt(fluency)
	if sentimentScore.Valid {
		ev.SentimentScore = &sentimentScore.Float64
	}
	if escalation.Valid {
		ev.EscalationRisk = &escalation.Float64
	}

	for _, l := range []struct {
		raw string
		dst *[]string
	}{
		{detected, &ev.ObjectivesDetected},
		{completed, &ev.ObjectivesCompleted},
		{failures, &ev.FailureReasons},
		{recs, &ev.Recommendations},
	} {
		if err := json.Unmarshal([]byte(l.raw), l.dst); err != nil {
			return nil, fmt.Errorf("decoding evaluation list: %w", err)
		}
	}
	return &ev, nil
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
