package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

func TestHandler_RecordsStepLatencyOnNodeEnd(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	handler := NewHandler(m)

	handler(orchestrator.Event{WorkflowID: "wf-1", Kind: orchestrator.EventNodeStart, Payload: map[string]interface{}{"node": "supervisor"}})
	time.Sleep(5 * time.Millisecond)
	handler(orchestrator.Event{WorkflowID: "wf-1", Kind: orchestrator.EventNodeEnd, Payload: map[string]interface{}{"node": "supervisor"}})

	require.Equal(t, float64(0), testutil.ToFloat64(m.inflightNodes))
	count, err := testutil.GatherAndCount(registry, "orchestrator_step_latency_ms")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestHandler_RecordsErrorAgainstOpenNode(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	handler := NewHandler(m)

	handler(orchestrator.Event{WorkflowID: "wf-2", Kind: orchestrator.EventNodeStart, Payload: map[string]interface{}{"step": "apply-changes"}})
	handler(orchestrator.Event{WorkflowID: "wf-2", Kind: orchestrator.EventError, Payload: map[string]interface{}{"error": "boom"}})

	require.Equal(t, float64(0), testutil.ToFloat64(m.inflightNodes))
	require.Equal(t, float64(1), testutil.ToFloat64(m.errors.WithLabelValues("wf-2", "apply-changes")))
}

func TestHandler_TracksApprovalsPending(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	handler := NewHandler(m)

	handler(orchestrator.Event{WorkflowID: "wf-3", Kind: orchestrator.EventApprovalPending})
	require.Equal(t, float64(1), testutil.ToFloat64(m.approvalsPending))

	handler(orchestrator.Event{WorkflowID: "wf-3", Kind: orchestrator.EventApprovalResolved})
	require.Equal(t, float64(0), testutil.ToFloat64(m.approvalsPending))
}

func TestHandler_CountsToolCallsByOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	handler := NewHandler(m)

	handler(orchestrator.Event{WorkflowID: "wf-4", Kind: orchestrator.EventToolCallEnd, Payload: map[string]interface{}{"tool": "run_tests", "error": false}})
	handler(orchestrator.Event{WorkflowID: "wf-4", Kind: orchestrator.EventToolCallEnd, Payload: map[string]interface{}{"tool": "run_tests", "error": true}})

	require.Equal(t, float64(1), testutil.ToFloat64(m.toolCalls.WithLabelValues("run_tests", "success")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.toolCalls.WithLabelValues("run_tests", "error")))
}

func TestMetrics_DisableStopsRecording(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	m.Disable()

	m.IncInflightNodes()
	m.IncApprovalsPending()
	m.IncrementErrors("wf-5", "node")

	require.Equal(t, float64(0), testutil.ToFloat64(m.inflightNodes))
	require.Equal(t, float64(0), testutil.ToFloat64(m.approvalsPending))
}
