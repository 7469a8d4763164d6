// Package qa scores finished calls by asking a language model to review the
// saved transcript against the agent's instructions.
package qa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/metrics"
	"github.com/flowpbx/callbridge/internal/resilience"
)

// PromptVersion identifies the evaluation prompt stored with each result.
const PromptVersion = "v1"

var (
	// ErrUnparseable is returned when the model's reply holds no evaluation.
	ErrUnparseable = errors.New("evaluation reply is not a JSON object")

	ErrNoRecord         = errors.New("call record not found")
	ErrNoTranscript     = errors.New("call has no transcript to evaluate")
	ErrAlreadyEvaluated = errors.New("call has already been evaluated")
)

// skipped reports whether err means there was nothing to evaluate.
func skipped(err error) bool {
	return errors.Is(err, ErrNoRecord) || errors.Is(err, ErrNoTranscript) || errors.Is(err, ErrAlreadyEvaluated)
}

// Completion is one model reply.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Judge sends a prompt to the evaluation model.
type Judge interface {
	Complete(ctx context.Context, prompt string) (Completion, error)
}

// RecordStore reads call records.
type RecordStore interface {
	GetByProviderCallID(ctx context.Context, providerCallID string) (*models.CallRecord, error)
}

// AgentStore reads agents.
type AgentStore interface {
	GetByID(ctx context.Context, id string) (*models.Agent, error)
}

// EvaluationStore persists evaluations.
type EvaluationStore interface {
	Create(ctx context.Context, ev *models.CallEvaluation) error
	GetByCallRecordID(ctx context.Context, callRecordID string) (*models.CallEvaluation, error)
}

// Options configures an Evaluator.
type Options struct {
	Threshold     int           // minimum overall score that passes
	MaxConcurrent int           // evaluations running at once from Trigger
	Timeout       time.Duration // bound on one triggered evaluation
}

// Evaluator scores call transcripts. Calls to the model run through the
// evaluator's resilience policy.
type Evaluator struct {
	records RecordStore
	agents  AgentStore
	store   EvaluationStore
	judge   Judge
	policy  *resilience.Policy
	metrics *metrics.CallMetrics
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates an Evaluator. policy and m may be nil.
func New(records RecordStore, agents AgentStore, store EvaluationStore, judge Judge,
	policy *resilience.Policy, m *metrics.CallMetrics, opts Options, logger *slog.Logger) *Evaluator {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Evaluator{
		records: records,
		agents:  agents,
		store:   store,
		judge:   judge,
		policy:  policy,
		metrics: m,
		opts:    opts,
		logger:  logger.With("subsystem", "qa"),
		now:     time.Now,
		sem:     make(chan struct{}, opts.MaxConcurrent),
	}
}

// Trigger evaluates the call in the background. It never blocks the caller.
func (e *Evaluator) Trigger(providerCallID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), e.opts.Timeout)
		defer cancel()
		_, err := e.Evaluate(ctx, providerCallID)
		switch {
		case err == nil:
		case skipped(err):
			e.logger.Debug("call not evaluated", "provider_call_id", providerCallID, "reason", err)
		default:
			e.logger.Error("call evaluation failed", "provider_call_id", providerCallID, "error", err)
		}
	}()
}

// Wait blocks until triggered evaluations finish or ctx ends.
func (e *Evaluator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evaluate scores one call and stores the result. A call with no record,
// no transcript or an existing evaluation returns ErrNoRecord,
// ErrNoTranscript or ErrAlreadyEvaluated without contacting the model.
func (e *Evaluator) Evaluate(ctx context.Context, providerCallID string) (*models.CallEvaluation, error) {
	logger := e.logger.With("provider_call_id", providerCallID)

	rec, err := e.records.GetByProviderCallID(ctx, providerCallID)
	if err != nil {
		return nil, fmt.Errorf("loading call record: %w", err)
	}
	if rec == nil {
		return nil, ErrNoRecord
	}
	if strings.TrimSpace(rec.Transcript) == "" {
		return nil, ErrNoTranscript
	}
	existing, err := e.store.GetByCallRecordID(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("checking existing evaluation: %w", err)
	}
	if existing != nil {
		return nil, ErrAlreadyEvaluated
	}

	agent, err := e.agents.GetByID(ctx, rec.AgentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}

	start := e.now()
	complete := func(ctx context.Context) (Completion, error) { return e.judge.Complete(ctx, buildPrompt(agent, rec)) }
	var reply Completion
	if e.policy != nil {
		reply, err = resilience.Do(ctx, e.policy, complete)
	} else {
		reply, err = complete(ctx)
	}
	if err != nil {
		e.metrics.RecordEvaluation("error")
		return nil, fmt.Errorf("requesting evaluation: %w", err)
	}

	scores, err := parseScores(reply.Text)
	if err != nil {
		e.metrics.RecordEvaluation("error")
		return nil, err
	}

	ev := scores.toModel(rec)
	ev.Passed = ev.OverallScore >= e.opts.Threshold
	ev.Model = reply.Model
	ev.PromptVersion = PromptVersion
	ev.LatencyMS = int(e.now().Sub(start).Milliseconds())
	ev.InputTokens = reply.InputTokens
	ev.OutputTokens = reply.OutputTokens
	if err := e.store.Create(ctx, ev); err != nil {
		e.metrics.RecordEvaluation("error")
		return nil, fmt.Errorf("saving evaluation: %w", err)
	}

	if ev.Passed {
		e.metrics.RecordEvaluation("passed")
		logger.Info("call evaluated", "overall_score", ev.OverallScore, "latency_ms", ev.LatencyMS)
	} else {
		e.metrics.RecordEvaluation("failed")
		logger.Warn("call failed quality evaluation",
			"agent_id", ev.AgentID,
			"overall_score", ev.OverallScore,
			"threshold", e.opts.Threshold,
			"failure_reasons", ev.FailureReasons,
		)
	}
	return ev, nil
}

func buildPrompt(agent *models.Agent, rec *models.CallRecord) string {
	name, instructions := "Unknown Agent", "N/A"
	if agent != nil {
		name, instructions = agent.Name, agent.SystemPrompt
	}
	duration := 0
	if rec.DurationSeconds != nil {
		duration = *rec.DurationSeconds
	}

	var b strings.Builder
	b.WriteString("You are an expert QA evaluator for voice AI agents. Analyze this call transcript and provide a detailed evaluation.\n\n")
	b.WriteString("## Agent Information\n")
	fmt.Fprintf(&b, "- Agent Name: %s\n- System Prompt: %s\n\n", name, instructions)
	b.WriteString("## Call Information\n")
	fmt.Fprintf(&b, "- Direction: %s\n- Duration: %d seconds\n- Status: %s\n\n", rec.Direction, duration, rec.Status)
	fmt.Fprintf(&b, "## Transcript\n%s\n\n", rec.Transcript)
	b.WriteString(scoringInstructions)
	return b.String()
}

const scoringInstructions = `## Evaluation Criteria

Score each category from 0-100:

1. Intent Completion: did the agent identify and fulfill the caller's objectives?
2. Tool Usage: were tools used appropriately? Use null if no tools were used.
3. Compliance: did the agent follow its system prompt and maintain proper conduct?
4. Response Quality: were responses clear, helpful and appropriate?
5. Coherence: was the conversation logical and well structured?
6. Relevance: were responses relevant to the caller's needs?
7. Groundedness: were responses factually grounded?
8. Fluency: was the language natural and easy to understand?

## Response Format

Respond with a JSON object only:
{
    "overall_score": <0-100>,
    "intent_completion": <0-100>,
    "tool_usage": <0-100 or null>,
    "compliance": <0-100>,
    "response_quality": <0-100>,
    "coherence": <0-100>,
    "relevance": <0-100>,
    "groundedness": <0-100>,
    "fluency": <0-100>,
    "overall_sentiment": "<positive|negative|neutral>",
    "sentiment_score": <-1.0 to 1.0>,
    "escalation_risk": <0.0 to 1.0>,
    "objectives_detected": ["..."],
    "objectives_completed": ["..."],
    "failure_reasons": ["..."],
    "recommendations": ["..."]
}
`
