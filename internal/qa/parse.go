package qa

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/flowpbx/callbridge/internal/database/models"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// scores is the evaluation object returned by the model.
type scores map[string]any

// parseScores extracts the evaluation object from a model reply. The reply
// may be bare JSON, a fenced ```json block, or prose around one object.
func parseScores(text string) (scores, error) {
	text = strings.TrimSpace(text)

	var s scores
	if err := json.Unmarshal([]byte(text), &s); err == nil {
		return s.check()
	}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if err := json.Unmarshal([]byte(m[1]), &s); err == nil {
			return s.check()
		}
	}
	if obj, ok := firstObject(text); ok {
		if err := json.Unmarshal([]byte(obj), &s); err == nil {
			return s.check()
		}
	}
	return nil, ErrUnparseable
}

func (s scores) check() (scores, error) {
	if s == nil {
		return nil, ErrUnparseable
	}
	if s.score("overall_score") == nil {
		return nil, fmt.Errorf("%w: missing overall_score", ErrUnparseable)
	}
	return s, nil
}

// firstObject returns the first balanced {...} span, skipping braces inside
// string literals.
func firstObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth, inString, escaped := 0, false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// number reads a numeric field. Numeric strings are accepted.
func (s scores) number(key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// score reads a 0-100 score, rounded and clamped. Missing or null gives nil.
func (s scores) score(key string) *int {
	f, ok := s.number(key)
	if !ok {
		return nil
	}
	n := int(math.Round(math.Max(0, math.Min(100, f))))
	return &n
}

func (s scores) ratio(key string, lo, hi float64) *float64 {
	f, ok := s.number(key)
	if !ok {
		return nil
	}
	f = math.Max(lo, math.Min(hi, f))
	return &f
}

func (s scores) list(key string) []string {
	raw, ok := s[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok && strings.TrimSpace(str) != "" {
			out = append(out, str)
		}
	}
	return out
}

func (s scores) toModel(rec *models.CallRecord) *models.CallEvaluation {
	sentiment, _ := s["overall_sentiment"].(string)
	switch sentiment = strings.ToLower(strings.TrimSpace(sentiment)); sentiment {
	case "positive", "negative", "neutral":
	default:
		sentiment = ""
	}
	return &models.CallEvaluation{
		CallRecordID:        rec.ID,
		AgentID:             rec.AgentID,
		OverallScore:        *s.score("overall_score"),
		IntentCompletion:    s.score("intent_completion"),
		ToolUsage:           s.score("tool_usage"),
		Compliance:          s.score("compliance"),
		ResponseQuality:     s.score("response_quality"),
		Coherence:           s.score("coherence"),
		Relevance:           s.score("relevance"),
		Groundedness:        s.score("groundedness"),
		Fluency:             s.score("fluency"),
		Sentiment:           sentiment,
		SentimentScore:      s.ratio("sentiment_score", -1, 1),
		EscalationRisk:      s.ratio("escalation_risk", 0, 1),
		ObjectivesDetected:  s.list("objectives_detected"),
		ObjectivesCompleted: s.list("objectives_completed"),
		FailureReasons:      s.list("failure_reasons"),
		Recommendations:     s.list("recommendations"),
	}
}
