package metrics

import (
	"sync"
	"time"

	"github.com/devflow/orchestrator/internal/eventbus"
	"github.com/devflow/orchestrator/internal/orchestrator"
)

// NewHandler returns an eventbus.Handler that derives every metric in m
// from the orchestrator's existing event stream, the same hook point
// internal/eventbus's OTel handler uses, rather than threading a *Metrics
// through internal/engine and internal/template. A workflow runs its
// nodes/steps one at a time, so tracking a single open span per workflow
// id is sufficient to pair node_start with its node_end/error.
func NewHandler(m *Metrics) eventbus.Handler {
	spans := &spanTracker{open: make(map[string]openSpan)}

	return func(event orchestrator.Event) {
		switch event.Kind {
		case orchestrator.EventNodeStart:
			node := nodeLabel(event.Payload)
			spans.start(event.WorkflowID, node)
			m.IncInflightNodes()

		case orchestrator.EventNodeEnd:
			if span, ok := spans.end(event.WorkflowID); ok {
				m.RecordStepLatency(event.WorkflowID, span.node, time.Since(span.startedAt), "success")
				m.DecInflightNodes()
			}

		case orchestrator.EventError:
			node := "unknown"
			if span, ok := spans.end(event.WorkflowID); ok {
				node = span.node
				m.RecordStepLatency(event.WorkflowID, node, time.Since(span.startedAt), "error")
				m.DecInflightNodes()
			}
			m.IncrementErrors(event.WorkflowID, node)

		case orchestrator.EventToolCallEnd:
			tool, _ := event.Payload["tool"].(string)
			status := "success"
			if failed, _ := event.Payload["error"].(bool); failed {
				status = "error"
			}
			m.IncrementToolCalls(tool, status)

		case orchestrator.EventApprovalPending:
			m.IncApprovalsPending()

		case orchestrator.EventApprovalResolved:
			m.DecApprovalsPending()

		case orchestrator.EventDone:
			spans.drop(event.WorkflowID)
		}
	}
}

func nodeLabel(payload map[string]interface{}) string {
	if node, ok := payload["node"].(string); ok {
		return node
	}
	if step, ok := payload["step"].(string); ok {
		return step
	}
	return "unknown"
}

type openSpan struct {
	node      string
	startedAt time.Time
}

type spanTracker struct {
	mu   sync.Mutex
	open map[string]openSpan
}

func (s *spanTracker) start(workflowID, node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[workflowID] = openSpan{node: node, startedAt: time.Now()}
}

func (s *spanTracker) end(workflowID string) (openSpan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	span, ok := s.open[workflowID]
	if ok {
		delete(s.open, workflowID)
	}
	return span, ok
}

func (s *spanTracker) drop(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, workflowID)
}
