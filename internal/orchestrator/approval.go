package orchestrator

import "time"

// ApprovalState is the lifecycle phase of an ApprovalHandle.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalExpired  ApprovalState = "expired"
)

// ApprovalHandle represents one HITL approval request materialized against
// the external issue tracker and correlated back to a parked WorkflowState.
type ApprovalHandle struct {
	ApprovalID string        `json:"approval_id"`
	WorkflowID string        `json:"workflow_id"`
	RiskLevel  string        `json:"risk_level"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
	State      ApprovalState `json:"state"`
	Actor      string        `json:"actor,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}
