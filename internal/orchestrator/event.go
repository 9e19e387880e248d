package orchestrator

import "time"

// EventKind enumerates the wire-level event kinds the engine emits onto the
// event bus and, ultimately, the SSE stream.
type EventKind string

const (
	EventNodeStart       EventKind = "node_start"
	EventNodeEnd         EventKind = "node_end"
	EventContentToken    EventKind = "content_token"
	EventToolCallStart   EventKind = "tool_call_start"
	EventToolCallEnd     EventKind = "tool_call_end"
	EventAgentComplete   EventKind = "agent_complete"
	EventApprovalPending EventKind = "approval_pending"
	EventApprovalResolved EventKind = "approval_resolved"
	EventError           EventKind = "error"
	EventDone            EventKind = "done"
	EventKeepalive       EventKind = "keepalive"
)

// Event is a single, totally-ordered-per-workflow observability/streaming
// event. Event ordering for a given WorkflowID is FIFO; no ordering is
// guaranteed across workflow ids.
type Event struct {
	EventID    string                 `json:"event_id"`
	WorkflowID string                 `json:"workflow_id"`
	Kind       EventKind              `json:"kind"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}
