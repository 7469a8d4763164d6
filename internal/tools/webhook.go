package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowpbx/callbridge/internal/resilience"
)

const webhookName = "send_webhook"

// WebhookClient posts tool invocations to agent-configured HTTP endpoints.
type WebhookClient struct {
	httpClient *http.Client
}

// NewWebhookClient creates a WebhookClient with the given request timeout.
func NewWebhookClient(timeout time.Duration) *WebhookClient {
	return &WebhookClient{httpClient: &http.Client{Timeout: timeout}}
}

type webhookRequest struct {
	Tool      string         `json:"tool"`
	AgentID   string         `json:"agent_id"`
	CallID    string         `json:"call_id"`
	Arguments map[string]any `json:"arguments"`
	SentAt    time.Time      `json:"sent_at"`
}

// webhookEnvelope is the expected response wrapper.
type webhookEnvelope struct {
	Data  map[string]any `json:"data"`
	Error string         `json:"error,omitempty"`
}

// Post sends payload to url and returns the decoded data section. Rate
// limiting and server errors surface as *resilience.StatusError so they are
// retried.
func (c *WebhookClient) Post(ctx context.Context, url string, payload any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("webhook: marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("webhook: reading response: %w", err)
	}

	var env webhookEnvelope
	decodeErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := ""
		if decodeErr == nil {
			msg = env.Error
		}
		return nil, &resilience.StatusError{Code: resp.StatusCode, Message: msg}
	}
	if len(respBody) == 0 {
		return map[string]any{}, nil
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("webhook: decoding response: %w", decodeErr)
	}
	if env.Error != "" {
		return nil, fmt.Errorf("webhook: %s", env.Error)
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	return env.Data, nil
}

// Webhook forwards the model's arguments to the agent's webhook URL and
// returns the endpoint's data to the model.
type Webhook struct {
	Client  *WebhookClient
	URL     string
	AgentID string
	CallID  string
}

func (t *Webhook) Name() string { return webhookName }

func (t *Webhook) External() bool { return true }

func (t *Webhook) Definition() Definition {
	return Definition{
		Type:        "function",
		Name:        webhookName,
		Description: "Send information collected during the call to the business's system.",
		Parameters: objectSchema(map[string]any{
			"event": map[string]any{"type": "string", "description": "Short name for what happened, e.g. lead_captured."},
			"data":  map[string]any{"type": "object", "description": "Details collected from the caller."},
		}, "event"),
	}
}

func (t *Webhook) Execute(ctx context.Context, args map[string]any) (Result, error) {
	if t.URL == "" || t.Client == nil {
		return Failure("no webhook configured for this agent"), nil
	}
	data, err := t.Client.Post(ctx, t.URL, webhookRequest{
		Tool:      webhookName,
		AgentID:   t.AgentID,
		CallID:    t.CallID,
		Arguments: args,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return Success(data), nil
}
