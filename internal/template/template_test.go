package template

import (
	"context"
	"testing"
	"time"

	"github.com/devflow/orchestrator/internal/agent"
	"github.com/devflow/orchestrator/internal/eventbus"
	"github.com/devflow/orchestrator/internal/model"
	"github.com/devflow/orchestrator/internal/orchestrator"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/devflow/orchestrator/internal/toolbind"
	"github.com/devflow/orchestrator/internal/toolgateway"
)

type fakeGateway struct{}

func (fakeGateway) ListTools(ctx context.Context, agentName string) ([]toolbind.ToolDescriptor, error) {
	return nil, nil
}
func (fakeGateway) Related(ctx context.Context, agentName, query string, already map[string]bool) ([]toolbind.ToolDescriptor, error) {
	return nil, nil
}

type scriptedChat struct {
	replies []string
	calls   int
}

func (c *scriptedChat) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	reply := c.replies[c.calls]
	if c.calls < len(c.replies)-1 {
		c.calls++
	}
	return model.ChatOut{Text: reply}, nil
}

func newTestSlot(t *testing.T, name string, chat model.ChatModel) *agent.Slot {
	t.Helper()
	binder := toolbind.NewBinder(fakeGateway{}, nil, 3000)
	gw := toolgateway.New("http://127.0.0.1:0", time.Second)
	return agent.NewSlot(agent.Spec{Name: name, SystemPrompt: "test", BinderStrategy: toolbind.StrategyMinimal}, chat, binder, gw, 0)
}

func newWorkflowState(workflowID, userMsg string) orchestrator.WorkflowState {
	return orchestrator.WorkflowState{
		WorkflowID: workflowID,
		ThreadID:   workflowID,
		Messages:   []orchestrator.Message{{Role: orchestrator.RoleUser, Content: userMsg}},
		Status:     orchestrator.StatusRunning,
		Metadata:   map[string]interface{}{},
	}
}

func TestLoad_RejectsUnknownStepReference(t *testing.T) {
	_, err := Load([]byte(`
name: bad
version: "1"
steps:
  - id: one
    type: agent_call
    agent: feature_dev
    on_success: missing_step
`))
	if err == nil {
		t.Fatalf("expected error for unknown step reference")
	}
}

func TestLoad_RejectsResourceLockOnNonAgentCallStep(t *testing.T) {
	_, err := Load([]byte(`
name: bad
version: "1"
steps:
  - id: one
    type: deterministic_check
    resource_lock: billing_db
`))
	if err == nil {
		t.Fatalf("expected error for resource_lock on non-agent_call step")
	}
}

func TestRun_AgentCallStepsChainToEnd(t *testing.T) {
	tmpl, err := Load([]byte(`
name: release
version: "1"
steps:
  - id: implement
    type: agent_call
    agent: feature_dev
    payload_template: "implement: {{.context.ticket}}"
    on_success: review
  - id: review
    type: agent_call
    agent: code_review
    payload_template: "review the change"
    on_success: END
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	featureSlot := newTestSlot(t, agent.KindFeatureDev, &scriptedChat{replies: []string{"implemented the ticket"}})
	reviewSlot := newTestSlot(t, agent.KindCodeReview, &scriptedChat{replies: []string{"looks good"}})
	specialists := map[string]*agent.Slot{
		agent.KindFeatureDev: featureSlot,
		agent.KindCodeReview: reviewSlot,
	}

	st := store.NewMemStore()
	bus := eventbus.NewInProcessBus()
	e := New(st, bus, specialists, nil, nil, nil, Config{})

	state := newWorkflowState("wf-tmpl-1", "ship the ticket")
	state.ProjectContext = map[string]interface{}{"ticket": "TICKET-42"}

	final, err := e.Run(context.Background(), tmpl, state)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Status != orchestrator.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.Status)
	}
	if final.Version() != 3 {
		t.Fatalf("expected 3 committed versions (implement, review, complete), got %d", final.Version())
	}
}

func TestRun_DeterministicCheckBranches(t *testing.T) {
	tmpl, err := Load([]byte(`
name: gated
version: "1"
steps:
  - id: gate
    type: deterministic_check
    decision_gate:
      type: deterministic_check
      expression: "outputs.implement == \"ok\""
    on_success: END
    on_failure: retry
  - id: retry
    type: agent_call
    agent: feature_dev
    payload_template: "retry the change"
    on_success: END
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	retrySlot := newTestSlot(t, agent.KindFeatureDev, &scriptedChat{replies: []string{"retried"}})
	specialists := map[string]*agent.Slot{agent.KindFeatureDev: retrySlot}

	st := store.NewMemStore()
	bus := eventbus.NewInProcessBus()
	e := New(st, bus, specialists, nil, nil, nil, Config{})

	state := newWorkflowState("wf-tmpl-2", "run the gate")
	state.Metadata[outputsMetadataKey] = map[string]interface{}{"implement": "not-ok"}

	final, err := e.Run(context.Background(), tmpl, state)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Status != orchestrator.StatusCompleted {
		t.Fatalf("expected COMPLETED after retry branch, got %s", final.Status)
	}
}

type fakeAssessor struct {
	assessment Assessment
}

func (f *fakeAssessor) Assess(ctx context.Context, state orchestrator.WorkflowState, prompt string) (Assessment, error) {
	return f.assessment, nil
}

type fakeApprovals struct {
	approvalID string
}

func (f *fakeApprovals) RequestApprovalWithAssessment(ctx context.Context, workflowID, operation, riskLevel, approverRole, reasoning string) (string, error) {
	return f.approvalID, nil
}

func TestRun_HITLApprovalStepInterrupts(t *testing.T) {
	tmpl, err := Load([]byte(`
name: risky
version: "1"
steps:
  - id: approve
    type: hitl_approval
    decision_gate:
      type: llm_assessment
      prompt: "assess the deploy risk"
    on_success: END
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	assessor := &fakeAssessor{assessment: Assessment{RiskLevel: "critical", ApproverRole: "eng_lead", Reasoning: "touches production"}}
	approvals := &fakeApprovals{approvalID: "appr-9"}

	st := store.NewMemStore()
	bus := eventbus.NewInProcessBus()
	e := New(st, bus, nil, assessor, approvals, nil, Config{})

	state := newWorkflowState("wf-tmpl-3", "deploy to production")
	final, err := e.Run(context.Background(), tmpl, state)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Status != orchestrator.StatusPausedForApproval {
		t.Fatalf("expected PAUSED_FOR_APPROVAL, got %s", final.Status)
	}
	if final.PendingOperation == nil || final.PendingOperation.ApprovalHandle != "appr-9" {
		t.Fatalf("expected pending_operation with approval handle, got %+v", final.PendingOperation)
	}
	if final.PendingOperation.RiskLevel != "critical" || final.PendingOperation.ApproverRole != "eng_lead" {
		t.Fatalf("expected risk assessment to flow through, got %+v", final.PendingOperation)
	}
	if err := final.Invariant(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}

	resumeID, _ := final.Metadata["template_step"].(string)
	if resumeID != "END" {
		t.Fatalf("expected resume target END, got %q", resumeID)
	}
}

func TestRun_ResumesFromPersistedTemplateStep(t *testing.T) {
	tmpl, err := Load([]byte(`
name: resumable
version: "1"
steps:
  - id: first
    type: agent_call
    agent: feature_dev
    payload_template: "first step"
    on_success: second
  - id: second
    type: agent_call
    agent: feature_dev
    payload_template: "second step"
    on_success: END
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	slot := newTestSlot(t, agent.KindFeatureDev, &scriptedChat{replies: []string{"done"}})
	specialists := map[string]*agent.Slot{agent.KindFeatureDev: slot}

	st := store.NewMemStore()
	bus := eventbus.NewInProcessBus()
	e := New(st, bus, specialists, nil, nil, nil, Config{})

	state := newWorkflowState("wf-tmpl-4", "resume me")
	state.Metadata["template_step"] = "second"

	final, err := e.Run(context.Background(), tmpl, state)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Status != orchestrator.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.Status)
	}
	if final.Version() != 2 {
		t.Fatalf("expected 2 committed versions (second, complete), got %d", final.Version())
	}
}

func TestCommit_DedupesReplayedIdempotentCommit(t *testing.T) {
	st := store.NewMemStore()
	bus := eventbus.NewInProcessBus()
	e := New(st, bus, nil, nil, nil, nil, Config{})

	state := newWorkflowState("wf-tmpl-commit", "hello")
	next := orchestrator.Reduce(state, orchestrator.StateDelta{})

	version, err := e.commit(context.Background(), state.ThreadID, "first", next, state.Version())
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1 after first commit, got %d", version)
	}

	replayed, err := e.commit(context.Background(), state.ThreadID, "first", next, state.Version())
	if err != nil {
		t.Fatalf("replayed commit: %v", err)
	}
	if replayed != state.Version() {
		t.Fatalf("expected replayed commit to be a no-op returning %d, got %d", state.Version(), replayed)
	}

	_, storedVersion, err := st.LoadLatest(context.Background(), state.ThreadID)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if storedVersion != 1 {
		t.Fatalf("expected store version to still be 1 after replay, got %d", storedVersion)
	}
}
