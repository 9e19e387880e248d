// Package metrics exposes Prometheus instrumentation for workflow
// execution, mirroring the gauge/histogram/counter shape of
// dshills-langgraph-go's graph.PrometheusMetrics but relabeled for this
// system's event vocabulary: nodes and steps instead of generic graph
// nodes, and pending human approvals instead of a scheduler queue.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every metric this package registers. All methods are
// nil-receiver safe so a *Metrics can be left nil wherever instrumentation
// is optional.
type Metrics struct {
	inflightNodes    prometheus.Gauge
	approvalsPending prometheus.Gauge
	stepLatency      *prometheus.HistogramVec
	errors           *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// New registers and returns the metric set against registry. Passing nil
// registers against prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,

		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "inflight_nodes",
			Help:      "Current number of agent/template nodes executing concurrently",
		}),
		approvalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "approvals_pending",
			Help:      "Current number of workflows parked on a pending human approval",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "step_latency_ms",
			Help:      "Node/step execution duration in milliseconds, from node_start to node_end or failure",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"workflow_id", "node", "status"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "errors_total",
			Help:      "Cumulative count of workflow errors, labeled by the node active when the error surfaced",
		}, []string{"workflow_id", "node"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "tool_calls_total",
			Help:      "Cumulative count of tool calls issued by agent slots, labeled by tool name and outcome",
		}, []string{"tool", "status"}),
	}
}

func (m *Metrics) isEnabled() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable stops metric recording without unregistering collectors, useful
// in tests that want a clean slate without re-registering against the
// default registry.
func (m *Metrics) Disable() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.enabled = false
	m.mu.Unlock()
}

// Enable re-enables recording after Disable.
func (m *Metrics) Enable() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
}

func (m *Metrics) RecordStepLatency(workflowID, node string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.stepLatency.WithLabelValues(workflowID, node, status).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) IncrementErrors(workflowID, node string) {
	if !m.isEnabled() {
		return
	}
	m.errors.WithLabelValues(workflowID, node).Inc()
}

func (m *Metrics) IncrementToolCalls(tool, status string) {
	if !m.isEnabled() {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) SetInflightNodes(count int) {
	if !m.isEnabled() {
		return
	}
	m.inflightNodes.Set(float64(count))
}

func (m *Metrics) IncInflightNodes() {
	if !m.isEnabled() {
		return
	}
	m.inflightNodes.Inc()
}

func (m *Metrics) DecInflightNodes() {
	if !m.isEnabled() {
		return
	}
	m.inflightNodes.Dec()
}

func (m *Metrics) SetApprovalsPending(count int) {
	if !m.isEnabled() {
		return
	}
	m.approvalsPending.Set(float64(count))
}

func (m *Metrics) IncApprovalsPending() {
	if !m.isEnabled() {
		return
	}
	m.approvalsPending.Inc()
}

func (m *Metrics) DecApprovalsPending() {
	if !m.isEnabled() {
		return
	}
	m.approvalsPending.Dec()
}
