package hitl

import (
	"context"
	"testing"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

func TestRequestApproval_AssessesRiskFromRuleTable(t *testing.T) {
	c := New(nil, nil, nil)
	id, level, role, err := c.RequestApproval(context.Background(), "wf-1", "deploy to production", "supervisor reasoning")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if level != "critical" || role != "eng_lead" {
		t.Fatalf("unexpected risk assessment: level=%s role=%s", level, role)
	}
	handle, ok := c.Get(id)
	if !ok || handle.State != orchestrator.ApprovalPending {
		t.Fatalf("expected pending handle, got %+v ok=%v", handle, ok)
	}
}

func TestRequestApproval_LowRiskDefault(t *testing.T) {
	c := New(nil, nil, nil)
	_, level, role, err := c.RequestApproval(context.Background(), "wf-1", "rename a variable", "")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if level != "low" || role != "self" {
		t.Fatalf("expected low/self default, got %s/%s", level, role)
	}
}

func TestResolve_IsIdempotent(t *testing.T) {
	var resolvedCount int
	c := New(nil, nil, func(ctx context.Context, h orchestrator.ApprovalHandle) { resolvedCount++ })
	id, _, _, _ := c.RequestApproval(context.Background(), "wf-1", "deploy", "")

	first, err := c.Resolve(context.Background(), id, orchestrator.ApprovalApproved, "alice", "looks good")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first.State != orchestrator.ApprovalApproved || first.Actor != "alice" {
		t.Fatalf("unexpected resolution: %+v", first)
	}

	second, err := c.Resolve(context.Background(), id, orchestrator.ApprovalRejected, "bob", "changed my mind")
	if err != nil {
		t.Fatalf("Resolve (duplicate): %v", err)
	}
	if second.State != orchestrator.ApprovalApproved || second.Actor != "alice" {
		t.Fatalf("expected original outcome preserved, got %+v", second)
	}
	if resolvedCount != 1 {
		t.Fatalf("expected OnResolve to fire exactly once, got %d", resolvedCount)
	}
}

func TestResolve_UnknownApprovalIsNotFound(t *testing.T) {
	c := New(nil, nil, nil)
	_, err := c.Resolve(context.Background(), "nonexistent", orchestrator.ApprovalApproved, "alice", "")
	if err != orchestrator.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRequestApprovalWithAssessment_UsesProvidedRisk(t *testing.T) {
	c := New(nil, nil, nil)
	id, err := c.RequestApprovalWithAssessment(context.Background(), "wf-2", "rollout-step", "medium", "reviewer", "llm assessed medium risk")
	if err != nil {
		t.Fatalf("RequestApprovalWithAssessment: %v", err)
	}
	handle, ok := c.Get(id)
	if !ok || handle.RiskLevel != "medium" {
		t.Fatalf("expected medium risk handle, got %+v", handle)
	}
}
