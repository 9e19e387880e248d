// Package hitl implements the HITL Controller from spec §4.10: risk
// assessment, ApprovalHandle lifecycle, and materialization of approvals
// against an external issue tracker for human action.
//
// Grounded on the teacher's examples/human_in_the_loop pause/resume
// pattern (graph/examples/human_in_the_loop/main.go): a node signals a
// pause, the caller's operator resolves it externally, and the graph
// resumes from exactly where it stopped. That example threads a single
// `Approved *bool` through one state field; this controller generalizes it
// into a keyed set of concurrent ApprovalHandles plus a pluggable
// issue-tracker client, since a production orchestrator runs many
// workflows with many outstanding approvals at once.
package hitl

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/uuid"

	"github.com/devflow/orchestrator/internal/issuetracker"
	"github.com/devflow/orchestrator/internal/orchestrator"
)

// Tracker is the subset of issuetracker.Client the controller needs.
// issuetracker.Client satisfies this.
type Tracker interface {
	CreateIssue(ctx context.Context, title, body string, metadata map[string]interface{}) (issuetracker.IssueHandle, error)
	UpdateIssue(ctx context.Context, handle issuetracker.IssueHandle, newState string) error
}

// RiskRule maps an operation description to a risk level and the role
// that must approve it, per spec §4.10's rule table.
type RiskRule struct {
	Pattern      *regexp.Regexp
	Level        string
	ApproverRole string
}

// DefaultRiskRules is the static policy table spec §4.10 calls for: the
// first matching rule wins, falling through to "low"/"self" for anything
// unmatched.
func DefaultRiskRules() []RiskRule {
	return []RiskRule{
		{Pattern: regexp.MustCompile(`(?i)deploy|release|production`), Level: "critical", ApproverRole: "eng_lead"},
		{Pattern: regexp.MustCompile(`(?i)infra|migrate|delete|rollback`), Level: "high", ApproverRole: "senior_engineer"},
		{Pattern: regexp.MustCompile(`(?i)merge|write|refactor|cicd`), Level: "medium", ApproverRole: "reviewer"},
	}
}

// OnResolve is invoked after a handle transitions to approved or rejected,
// so the caller (typically the graph/template engine) can resume the
// parked workflow. It runs synchronously inside Resolve; callers that need
// to avoid blocking the resolution request should dispatch asynchronously
// inside their own callback.
type OnResolve func(ctx context.Context, handle orchestrator.ApprovalHandle)

// Controller implements the request_approval/resolve contract from spec
// §4.10.
type Controller struct {
	tracker Tracker
	rules   []RiskRule
	onResolve OnResolve

	mu      sync.Mutex
	handles map[string]*orchestrator.ApprovalHandle
	issues  map[string]issuetracker.IssueHandle
}

// New constructs a Controller. tracker may be nil to skip issue-tracker
// materialization (approvals are then resolved purely through Resolve,
// e.g. a CLI or test harness driving them directly).
func New(tracker Tracker, rules []RiskRule, onResolve OnResolve) *Controller {
	if rules == nil {
		rules = DefaultRiskRules()
	}
	return &Controller{
		tracker:   tracker,
		rules:     rules,
		onResolve: onResolve,
		handles:   map[string]*orchestrator.ApprovalHandle{},
		issues:    map[string]issuetracker.IssueHandle{},
	}
}

// RequestApproval assesses operation against the rule table and
// materializes a new ApprovalHandle. It satisfies the engine.Approvals
// contract the graph engine uses when a supervisor decision sets
// requires_approval=true. riskHint is surfaced as the issue body context
// (typically the supervisor's reasoning) but does not itself influence the
// assessed risk level.
func (c *Controller) RequestApproval(ctx context.Context, workflowID, operation, riskHint string) (approvalID, riskLevel, approverRole string, err error) {
	level, role := assessRisk(operation, c.rules)
	id, err := c.create(ctx, workflowID, operation, level, role, riskHint)
	return id, level, role, err
}

// RequestApprovalWithAssessment materializes a new ApprovalHandle using a
// risk level and approver role already computed elsewhere (the template
// engine's llm_assessment decision gate runs before a hitl_approval step,
// per spec §4.9, rather than deferring to this controller's static rule
// table). It satisfies the template.Approvals contract.
func (c *Controller) RequestApprovalWithAssessment(ctx context.Context, workflowID, operation, riskLevel, approverRole, reasoning string) (string, error) {
	return c.create(ctx, workflowID, operation, riskLevel, approverRole, reasoning)
}

func (c *Controller) create(ctx context.Context, workflowID, operation, riskLevel, approverRole, reasoning string) (string, error) {
	approvalID := uuid.New().String()
	handle := orchestrator.ApprovalHandle{
		ApprovalID: approvalID,
		WorkflowID: workflowID,
		RiskLevel:  riskLevel,
		CreatedAt:  orchestrator.Now(),
		State:      orchestrator.ApprovalPending,
		Reason:     reasoning,
	}

	if c.tracker != nil {
		title := fmt.Sprintf("[%s] approval required: %s", riskLevel, operation)
		body := fmt.Sprintf("workflow %s requests approval from %s.\n\n%s", workflowID, approverRole, reasoning)
		issue, err := c.tracker.CreateIssue(ctx, title, body, map[string]interface{}{
			"approval_id": approvalID,
			"workflow_id": workflowID,
			"risk_level":  riskLevel,
		})
		if err != nil {
			return "", fmt.Errorf("materialize approval issue: %w", err)
		}
		c.mu.Lock()
		c.issues[approvalID] = issue
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.handles[approvalID] = &handle
	c.mu.Unlock()

	return approvalID, nil
}

// Resolve transitions approvalID to approved or rejected. Resolving an
// already-resolved handle is a no-op that returns the original outcome,
// per spec §4.10's idempotence requirement — a duplicate webhook delivery
// or a doubled button click must not re-fire OnResolve.
func (c *Controller) Resolve(ctx context.Context, approvalID string, decision orchestrator.ApprovalState, actor, reason string) (orchestrator.ApprovalHandle, error) {
	c.mu.Lock()
	handle, ok := c.handles[approvalID]
	if !ok {
		c.mu.Unlock()
		return orchestrator.ApprovalHandle{}, orchestrator.ErrNotFound
	}
	if handle.State != orchestrator.ApprovalPending {
		already := *handle
		c.mu.Unlock()
		return already, nil
	}

	now := orchestrator.Now()
	handle.State = decision
	handle.ResolvedAt = &now
	handle.Actor = actor
	if reason != "" {
		handle.Reason = reason
	}
	resolved := *handle
	issue, hasIssue := c.issues[approvalID]
	c.mu.Unlock()

	if c.tracker != nil && hasIssue {
		newState := "rejected"
		if decision == orchestrator.ApprovalApproved {
			newState = "approved"
		}
		if err := c.tracker.UpdateIssue(ctx, issue, newState); err != nil {
			return resolved, fmt.Errorf("update approval issue: %w", err)
		}
	}

	if c.onResolve != nil {
		c.onResolve(ctx, resolved)
	}
	return resolved, nil
}

// Get returns the current state of an approval handle.
func (c *Controller) Get(approvalID string) (orchestrator.ApprovalHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[approvalID]
	if !ok {
		return orchestrator.ApprovalHandle{}, false
	}
	return *h, true
}

func assessRisk(operation string, rules []RiskRule) (level, role string) {
	for _, rule := range rules {
		if rule.Pattern.MatchString(operation) {
			return rule.Level, rule.ApproverRole
		}
	}
	return "low", "self"
}
