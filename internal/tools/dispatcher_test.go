package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowpbx/callbridge/internal/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type echoTool struct {
	calls    atomic.Int32
	err      error
	res      Result
	external bool
}

func (t *echoTool) Name() string   { return "echo" }
func (t *echoTool) External() bool { return t.external }
func (t *echoTool) Definition() Definition {
	return Definition{Type: "function", Name: "echo", Parameters: objectSchema(map[string]any{})}
}
func (t *echoTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	t.calls.Add(1)
	if t.err != nil {
		return nil, t.err
	}
	if t.res != nil {
		return t.res, nil
	}
	return Success(args), nil
}

func TestUnknownTool(t *testing.T) {
	d := NewDispatcher(nil, testLogger())
	res := d.Execute(context.Background(), "lookup_crm", `{}`)
	if res.OK() {
		t.Fatal("unknown tool returned success")
	}
	if res["error"] != "Unknown tool: lookup_crm" {
		t.Errorf("error = %v", res["error"])
	}
}

func TestExecutePassesArguments(t *testing.T) {
	tool := &echoTool{}
	d := NewDispatcher(nil, testLogger(), tool)

	res := d.Execute(context.Background(), "echo", `{"name":"Ada","count":2}`)
	if !res.OK() {
		t.Fatalf("result = %v", res)
	}
	if res["name"] != "Ada" || res["count"] != float64(2) {
		t.Errorf("result = %v", res)
	}
}

func TestExecuteEmptyArguments(t *testing.T) {
	d := NewDispatcher(nil, testLogger(), &echoTool{})
	if res := d.Execute(context.Background(), "echo", ""); !res.OK() {
		t.Errorf("result = %v", res)
	}
}

func TestExecuteInvalidArguments(t *testing.T) {
	tool := &echoTool{}
	d := NewDispatcher(nil, testLogger(), tool)
	res := d.Execute(context.Background(), "echo", `{not json`)
	if res.OK() {
		t.Fatal("invalid arguments returned success")
	}
	if tool.calls.Load() != 0 {
		t.Error("tool executed with invalid arguments")
	}
}

func TestExecuteToolError(t *testing.T) {
	tool := &echoTool{err: errors.New("crm unavailable")}
	d := NewDispatcher(nil, testLogger(), tool)
	res := d.Execute(context.Background(), "echo", `{}`)
	if res.OK() || res["error"] != "crm unavailable" {
		t.Errorf("result = %v", res)
	}
}

func TestExecuteAddsMissingSuccess(t *testing.T) {
	d := NewDispatcher(nil, testLogger(), &echoTool{res: Result{"value": 1}})
	res := d.Execute(context.Background(), "echo", `{}`)
	if !res.OK() {
		t.Errorf("result = %v, want success defaulted", res)
	}
}

func TestExecuteRetriesThroughPolicy(t *testing.T) {
	cfg := resilience.Config{Name: "tools", MaxAttempts: 3, BaseBackoff: time.Millisecond, Multiplier: 1, FailureThreshold: 5}
	tool := &echoTool{err: &resilience.StatusError{Code: 503}, external: true}
	d := NewDispatcher(resilience.New(cfg, testLogger()), testLogger(), tool)

	res := d.Execute(context.Background(), "echo", `{}`)
	if res.OK() {
		t.Fatal("expected failure")
	}
	if n := tool.calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestLocalToolBypassesPolicy(t *testing.T) {
	cfg := resilience.Config{Name: "tools", MaxAttempts: 3, BaseBackoff: time.Millisecond, Multiplier: 1, FailureThreshold: 5}
	tool := &echoTool{err: &resilience.StatusError{Code: 503}}
	policy := resilience.New(cfg, testLogger())
	d := NewDispatcher(policy, testLogger(), tool)

	if res := d.Execute(context.Background(), "echo", `{}`); res.OK() {
		t.Fatal("expected failure")
	}
	if n := tool.calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
	if policy.Breaker().Snapshot().Failures != 0 {
		t.Error("local tool failure recorded on the breaker")
	}
}

func TestEndCallWorksWithWebhookCircuitOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad payload"}`))
	}))
	defer srv.Close()

	cfg := resilience.Config{Name: "tools", MaxAttempts: 1, FailureThreshold: 5, RecoveryTimeout: time.Minute}
	policy := resilience.New(cfg, testLogger())
	c := NewCatalog(policy, testLogger())
	RegisterBuiltins(c, NewWebhookClient(time.Second))

	broken := c.Dispatcher([]string{"send_webhook"}, Env{AgentID: "agent-a", WebhookURL: srv.URL})
	for i := 0; i < 5; i++ {
		if res := broken.Execute(context.Background(), "send_webhook", `{"event":"lead"}`); res.OK() {
			t.Fatalf("webhook call %d succeeded", i)
		}
	}
	if policy.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %s, want open", policy.State())
	}

	var hungUp atomic.Bool
	d := c.Dispatcher([]string{"end_call"}, Env{AgentID: "agent-b", Hangup: func(string) { hungUp.Store(true) }})
	res := d.Execute(context.Background(), "end_call", `{"reason":"done"}`)
	if !res.OK() {
		t.Fatalf("end_call result = %v", res)
	}
	if !hungUp.Load() {
		t.Error("hangup not invoked")
	}
}

func TestResultJSON(t *testing.T) {
	var got map[string]any
	if err := json.Unmarshal([]byte(Failure("boom").JSON()), &got); err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if got["success"] != false || got["error"] != "boom" {
		t.Errorf("decoded = %v", got)
	}
	if s := Success(map[string]any{"success": false, "x": 1}); !s.OK() {
		t.Error("Success let fields override the success flag")
	}
}

func TestCatalogDispatcher(t *testing.T) {
	c := NewCatalog(nil, testLogger())
	RegisterBuiltins(c, NewWebhookClient(time.Second))

	d := c.Dispatcher([]string{"get_current_time", "crm_lookup", "end_call"}, Env{Timezone: "UTC"})
	names := d.Names()
	if len(names) != 2 || names[0] != "end_call" || names[1] != "get_current_time" {
		t.Fatalf("Names() = %v", names)
	}
	defs := d.Definitions()
	if len(defs) != 2 || defs[0].Name != "end_call" || defs[0].Type != "function" {
		t.Errorf("Definitions() = %+v", defs)
	}
}

func TestCurrentTime(t *testing.T) {
	tool := &CurrentTime{
		Timezone: "America/New_York",
		now:      func() time.Time { return time.Date(2026, 1, 15, 17, 30, 0, 0, time.UTC) },
	}
	res, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res["datetime"] != "2026-01-15T12:30:00-05:00" {
		t.Errorf("datetime = %v", res["datetime"])
	}

	tool.Timezone = "Mars/Olympus"
	res, _ = tool.Execute(context.Background(), nil)
	if res["timezone"] != "UTC" {
		t.Errorf("invalid timezone fallback = %v", res["timezone"])
	}
}

func TestEndCall(t *testing.T) {
	var reason string
	tool := &EndCall{Hangup: func(r string) { reason = r }}
	res, err := tool.Execute(context.Background(), map[string]any{"reason": "caller finished"})
	if err != nil || !res.OK() {
		t.Fatalf("Execute = %v, %v", res, err)
	}
	if reason != "caller finished" {
		t.Errorf("hangup reason = %q", reason)
	}

	res, _ = (&EndCall{}).Execute(context.Background(), nil)
	if res.OK() {
		t.Error("EndCall without hangup succeeded")
	}
}

func TestWebhook(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"ticket":"T-1"}}`))
	}))
	defer srv.Close()

	tool := &Webhook{Client: NewWebhookClient(time.Second), URL: srv.URL, AgentID: "agent-1", CallID: "CA1"}
	res, err := tool.Execute(context.Background(), map[string]any{"event": "lead_captured"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.OK() || res["ticket"] != "T-1" {
		t.Errorf("result = %v", res)
	}
	if got.AgentID != "agent-1" || got.CallID != "CA1" || got.Arguments["event"] != "lead_captured" {
		t.Errorf("request = %+v", got)
	}
}

func TestWebhookStatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":"nope"}`))
		}))
		_, err := NewWebhookClient(time.Second).Post(context.Background(), srv.URL, map[string]any{})
		srv.Close()

		var se *resilience.StatusError
		if !errors.As(err, &se) || se.Code != tt.status || se.Message != "nope" {
			t.Errorf("status %d: err = %v", tt.status, err)
			continue
		}
		if resilience.IsTransient(err) != tt.transient {
			t.Errorf("status %d: transient = %v, want %v", tt.status, !tt.transient, tt.transient)
		}
	}
}

func TestWebhookNotConfigured(t *testing.T) {
	res, err := (&Webhook{Client: NewWebhookClient(time.Second)}).Execute(context.Background(), nil)
	if err != nil || res.OK() {
		t.Errorf("Execute = %v, %v", res, err)
	}
}
