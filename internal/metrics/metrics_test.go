package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/flowpbx/callbridge/internal/queue"
	"github.com/flowpbx/callbridge/internal/resilience"
)

type fakeCalls int

func (f fakeCalls) Count(ctx context.Context) int { return int(f) }

type fakeQueue queue.Stats

func (f fakeQueue) Stats(ctx context.Context) queue.Stats { return queue.Stats(f) }

type fakeCircuits []resilience.Snapshot

func (f fakeCircuits) Snapshots() []resilience.Snapshot { return f }

func gather(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestCollector(t *testing.T) {
	c := NewCollector(
		fakeCalls(3),
		fakeQueue{Enabled: true, Depth: 2, MaxSize: 10, TotalQueued: 7, TotalDequeued: 5},
		fakeCircuits{
			{Name: "realtime", State: "open", Failures: 5},
			{Name: "tools", State: "closed"},
		},
		time.Now().Add(-time.Minute),
	)
	fams := gather(t, New(c))

	if got := fams["callbridge_active_calls"].GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Errorf("active calls = %v, want 3", got)
	}
	if got := fams["callbridge_queue_depth"].GetMetric()[0].GetGauge().GetValue(); got != 2 {
		t.Errorf("queue depth = %v, want 2", got)
	}
	if got := fams["callbridge_queue_enqueued_total"].GetMetric()[0].GetCounter().GetValue(); got != 7 {
		t.Errorf("enqueued total = %v, want 7", got)
	}

	states := map[string]float64{}
	for _, m := range fams["callbridge_circuit_state"].GetMetric() {
		states[m.GetLabel()[0].GetValue()] = m.GetGauge().GetValue()
	}
	if states["realtime"] != 1 || states["tools"] != 0 {
		t.Errorf("circuit states = %v", states)
	}

	if got := fams["callbridge_uptime_seconds"].GetMetric()[0].GetGauge().GetValue(); got < 59 {
		t.Errorf("uptime = %v, want >= 59", got)
	}
}

func TestCollectorSkipsDisabledQueue(t *testing.T) {
	fams := gather(t, New(NewCollector(nil, fakeQueue{}, nil, time.Now())))
	if _, ok := fams["callbridge_queue_depth"]; ok {
		t.Error("queue metrics reported for a disabled queue")
	}
	if _, ok := fams["callbridge_active_calls"]; ok {
		t.Error("active calls reported without a provider")
	}
}

func TestCallMetrics(t *testing.T) {
	m := New(nil)
	m.Calls.RecordCallStart("twilio")
	m.Calls.RecordCallStart("twilio")
	m.Calls.RecordCallEnd("twilio", "", 30*time.Second)
	m.Calls.RecordCallEnd("twilio", "session_error", 2*time.Second)
	m.Calls.RecordToolCall("end_call", true)
	m.Calls.RecordEvaluation("failed")

	fams := gather(t, m)
	if got := fams["callbridge_calls_initiated_total"].GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("initiated = %v, want 2", got)
	}
	if got := fams["callbridge_calls_completed_total"].GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	failed := fams["callbridge_calls_failed_total"].GetMetric()[0]
	if failed.GetCounter().GetValue() != 1 {
		t.Errorf("failed = %v, want 1", failed.GetCounter().GetValue())
	}
	if got := fams["callbridge_call_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("duration samples = %d, want 2", got)
	}
	tool := fams["callbridge_tool_calls_total"].GetMetric()[0]
	for _, l := range tool.GetLabel() {
		if l.GetName() == "success" && l.GetValue() != "true" {
			t.Errorf("success label = %q", l.GetValue())
		}
	}
	if got := fams["callbridge_qa_evaluations_total"].GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("evaluations = %v, want 1", got)
	}
}

func TestNilCallMetrics(t *testing.T) {
	var m *CallMetrics
	m.RecordCallStart("twilio")
	m.RecordCallEnd("twilio", "", time.Second)
	m.RecordToolCall("x", false)
	m.RecordEvaluation("error")
}

func TestHandler(t *testing.T) {
	m := New(NewCollector(fakeCalls(1), nil, nil, time.Now()))
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "callbridge_active_calls 1") {
		t.Errorf("metrics output missing active calls:\n%s", body)
	}
}
