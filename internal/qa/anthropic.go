package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowpbx/callbridge/internal/resilience"
)

const maxEvaluationTokens = 2000

// AnthropicJudge asks an Anthropic model for evaluations. Retries are left
// to the evaluator's resilience policy, so the client's own are disabled.
type AnthropicJudge struct {
	client anthropic.Client
	model  string
}

// AnthropicConfig configures an AnthropicJudge. BaseURL is optional.
type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// NewAnthropicJudge creates a judge for cfg.Model.
func NewAnthropicJudge(cfg AnthropicConfig) *AnthropicJudge {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicJudge{client: anthropic.NewClient(opts...), model: cfg.Model}
}

// Complete sends prompt as a single user message and returns the text reply.
func (j *AnthropicJudge) Complete(ctx context.Context, prompt string) (Completion, error) {
	msg, err := j.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(j.model),
		MaxTokens: maxEvaluationTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return Completion{}, &resilience.StatusError{Code: apiErr.StatusCode, Message: "anthropic messages request failed"}
		}
		return Completion{}, fmt.Errorf("anthropic messages request: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return Completion{
		Text:         text.String(),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}
