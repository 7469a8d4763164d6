package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/callbridge/internal/queue"
	"github.com/flowpbx/callbridge/internal/resilience"
)

// ActiveCallsProvider exposes the number of registered calls.
type ActiveCallsProvider interface {
	Count(ctx context.Context) int
}

// QueueStatsProvider exposes admission queue statistics.
type QueueStatsProvider interface {
	Stats(ctx context.Context) queue.Stats
}

// CircuitProvider exposes circuit breaker snapshots.
type CircuitProvider interface {
	Snapshots() []resilience.Snapshot
}

// Collector is a prometheus.Collector that gathers bridge state at scrape time.
type Collector struct {
	activeCalls ActiveCallsProvider
	queue       QueueStatsProvider
	circuits    CircuitProvider
	startTime   time.Time

	// Metric descriptors.
	activeCallsDesc   *prometheus.Desc
	queueDepthDesc    *prometheus.Desc
	queueMaxDesc      *prometheus.Desc
	queuedTotalDesc   *prometheus.Desc
	dequeuedTotalDesc *prometheus.Desc
	circuitStateDesc  *prometheus.Desc
	circuitFailsDesc  *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	activeCalls ActiveCallsProvider,
	q QueueStatsProvider,
	circuits CircuitProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		queue:       q,
		circuits:    circuits,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"callbridge_active_calls",
			"Number of calls currently present in the call registry",
			nil, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"callbridge_queue_depth",
			"Number of calls waiting in the admission queue",
			nil, nil,
		),
		queueMaxDesc: prometheus.NewDesc(
			"callbridge_queue_max_size",
			"Configured maximum admission queue depth",
			nil, nil,
		),
		queuedTotalDesc: prometheus.NewDesc(
			"callbridge_queue_enqueued_total",
			"Total calls ever placed in the admission queue",
			nil, nil,
		),
		dequeuedTotalDesc: prometheus.NewDesc(
			"callbridge_queue_dequeued_total",
			"Total calls ever taken off the admission queue",
			nil, nil,
		),
		circuitStateDesc: prometheus.NewDesc(
			"callbridge_circuit_state",
			"Circuit breaker state (0=closed, 1=open, 2=half-open)",
			[]string{"name"}, nil,
		),
		circuitFailsDesc: prometheus.NewDesc(
			"callbridge_circuit_consecutive_failures",
			"Consecutive failures recorded by the circuit breaker",
			[]string{"name"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callbridge_uptime_seconds",
			"Seconds since the callbridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.queueDepthDesc
	ch <- c.queueMaxDesc
	ch <- c.queuedTotalDesc
	ch <- c.dequeuedTotalDesc
	ch <- c.circuitStateDesc
	ch <- c.circuitFailsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.Count(ctx)),
		)
	}

	if c.queue != nil {
		st := c.queue.Stats(ctx)
		if st.Enabled {
			ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(st.Depth))
			ch <- prometheus.MustNewConstMetric(c.queueMaxDesc, prometheus.GaugeValue, float64(st.MaxSize))
			ch <- prometheus.MustNewConstMetric(c.queuedTotalDesc, prometheus.CounterValue, float64(st.TotalQueued))
			ch <- prometheus.MustNewConstMetric(c.dequeuedTotalDesc, prometheus.CounterValue, float64(st.TotalDequeued))
		}
	}

	if c.circuits != nil {
		for _, s := range c.circuits.Snapshots() {
			ch <- prometheus.MustNewConstMetric(
				c.circuitStateDesc, prometheus.GaugeValue,
				circuitValue(s.State), s.Name,
			)
			ch <- prometheus.MustNewConstMetric(
				c.circuitFailsDesc, prometheus.GaugeValue,
				float64(s.Failures), s.Name,
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func circuitValue(state string) float64 {
	switch state {
	case resilience.StateOpen.String():
		return 1
	case resilience.StateHalfOpen.String():
		return 2
	default:
		return 0
	}
}

// Metrics owns the Prometheus registry served at /metrics.
type Metrics struct {
	registry *prometheus.Registry
	Calls    *CallMetrics
}

// New creates a registry holding the Go runtime collectors, collector (when
// non-nil) and a fresh CallMetrics.
func New(collector *Collector) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if collector != nil {
		registry.MustRegister(collector)
	}
	calls := NewCallMetrics(registry)
	slog.Debug("metrics registry initialised")
	return &Metrics{registry: registry, Calls: calls}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
