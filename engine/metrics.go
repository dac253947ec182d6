// Package engine provides the core incremental processing engine for IncGraph-Go.
package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics collection for engine runs
// in production environments.
//
// Metrics exposed (all namespaced with "incgraph_"):
//
// 1. recompute_total (counter): Full Run invocations per node.
// Labels: engine_id, node.
//
// 2. compute_total (counter): Iterations where a node was brought up to date
// purely by change handlers. Labels: engine_id, node.
//
// 3. cancel_total (counter): Canceled node iterations. Labels: engine_id,
// node.
//
// 4. runs_total (counter): Engine iterations by mode and outcome.
// Labels: engine_id, mode (incremental/forced), outcome (completed/canceled).
//
// 5. run_duration_ms (histogram): Traversal duration in milliseconds.
// Labels: engine_id, mode.
//
// 6. nodes (gauge): Number of nodes reachable from the root after Init.
// Labels: engine_id.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := engine.NewMetrics(registry)
//	eng := engine.New(engine.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	recompute *prometheus.CounterVec
	compute   *prometheus.CounterVec
	cancel    *prometheus.CounterVec
	runs      *prometheus.CounterVec

	runDuration *prometheus.HistogramVec

	nodes *prometheus.GaugeVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers all engine metrics with the provided
// Prometheus registry. A nil registry falls back to the global default
// registerer; a dedicated registry is recommended for isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		enabled:  true,
	}

	m.recompute = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "incgraph",
		Name:      "recompute_total",
		Help:      "Full recompute (run callback) invocations per node",
	}, []string{"engine_id", "node"})

	m.compute = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "incgraph",
		Name:      "compute_total",
		Help:      "Iterations where a node was updated purely by change handlers",
	}, []string{"engine_id", "node"})

	m.cancel = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "incgraph",
		Name:      "cancel_total",
		Help:      "Iterations where a node's processing was canceled",
	}, []string{"engine_id", "node"})

	m.runs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "incgraph",
		Name:      "runs_total",
		Help:      "Engine iterations by traversal mode and outcome",
	}, []string{"engine_id", "mode", "outcome"})

	m.runDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "incgraph",
		Name:      "run_duration_ms",
		Help:      "Engine traversal duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}, // 1ms to 10s
	}, []string{"engine_id", "mode"})

	m.nodes = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "incgraph",
		Name:      "nodes",
		Help:      "Number of nodes reachable from the engine root",
	}, []string{"engine_id"})

	return m
}

// RecordRecompute increments the recompute counter for a node.
func (m *Metrics) RecordRecompute(engineID, node string) {
	if !m.enabled {
		return
	}
	m.recompute.WithLabelValues(engineID, node).Inc()
}

// RecordCompute increments the handled-incrementally counter for a node.
func (m *Metrics) RecordCompute(engineID, node string) {
	if !m.enabled {
		return
	}
	m.compute.WithLabelValues(engineID, node).Inc()
}

// RecordCancel increments the cancellation counter for a node.
func (m *Metrics) RecordCancel(engineID, node string) {
	if !m.enabled {
		return
	}
	m.cancel.WithLabelValues(engineID, node).Inc()
}

// RecordRun records one engine iteration with its traversal mode
// ("incremental" or "forced"), outcome ("completed" or "canceled") and
// duration.
func (m *Metrics) RecordRun(engineID, mode, outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.runs.WithLabelValues(engineID, mode, outcome).Inc()
	m.runDuration.WithLabelValues(engineID, mode).Observe(float64(duration.Milliseconds()))
}

// SetNodeCount sets the reachable-node gauge after Init.
func (m *Metrics) SetNodeCount(engineID string, count int) {
	if !m.enabled {
		return
	}
	m.nodes.WithLabelValues(engineID).Set(float64(count))
}

// Disable temporarily disables metric recording (useful for testing).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
