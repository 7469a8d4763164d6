package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallMetrics holds the counters the bridge updates as calls progress. A nil
// *CallMetrics is valid and records nothing.
type CallMetrics struct {
	CallsInitiated *prometheus.CounterVec
	CallsCompleted *prometheus.CounterVec
	CallsFailed    *prometheus.CounterVec
	CallDuration   *prometheus.HistogramVec
	ToolCalls      *prometheus.CounterVec
	Evaluations    *prometheus.CounterVec
}

// NewCallMetrics creates the call metrics and registers them with reg.
func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	m := &CallMetrics{
		CallsInitiated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "callbridge",
				Name:      "calls_initiated_total",
				Help:      "Total carrier connections that reached session setup",
			},
			[]string{"carrier"},
		),
		CallsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "callbridge",
				Name:      "calls_completed_total",
				Help:      "Total calls that streamed and ended normally",
			},
			[]string{"carrier"},
		),
		CallsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "callbridge",
				Name:      "calls_failed_total",
				Help:      "Total calls that ended in an error",
			},
			[]string{"carrier", "reason"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "callbridge",
				Name:      "call_duration_seconds",
				Help:      "Bridged call duration in seconds",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"carrier"},
		),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "callbridge",
				Name:      "tool_calls_total",
				Help:      "Total function calls routed to tools",
			},
			[]string{"tool", "success"},
		),
		Evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "callbridge",
				Name:      "qa_evaluations_total",
				Help:      "Total post-call quality evaluations by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.CallsInitiated,
		m.CallsCompleted,
		m.CallsFailed,
		m.CallDuration,
		m.ToolCalls,
		m.Evaluations,
	)
	return m
}

// RecordCallStart records a call entering session setup.
func (m *CallMetrics) RecordCallStart(carrier string) {
	if m == nil {
		return
	}
	m.CallsInitiated.WithLabelValues(carrier).Inc()
}

// RecordCallEnd records a finished call. An empty reason means success.
func (m *CallMetrics) RecordCallEnd(carrier, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	if reason == "" {
		m.CallsCompleted.WithLabelValues(carrier).Inc()
	} else {
		m.CallsFailed.WithLabelValues(carrier, reason).Inc()
	}
	m.CallDuration.WithLabelValues(carrier).Observe(duration.Seconds())
}

// RecordToolCall records one dispatched function call.
func (m *CallMetrics) RecordToolCall(tool string, success bool) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

// RecordEvaluation records a finished quality evaluation. result is
// "passed", "failed" or "error".
func (m *CallMetrics) RecordEvaluation(result string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(result).Inc()
}
