package engine

import (
	"context"
	"testing"
	"time"

	"github.com/devflow/orchestrator/internal/agent"
	"github.com/devflow/orchestrator/internal/eventbus"
	"github.com/devflow/orchestrator/internal/intent"
	"github.com/devflow/orchestrator/internal/model"
	"github.com/devflow/orchestrator/internal/orchestrator"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/devflow/orchestrator/internal/supervisor"
	"github.com/devflow/orchestrator/internal/toolbind"
	"github.com/devflow/orchestrator/internal/toolgateway"
)

// fakeGateway advertises no tools; every test slot in this file runs
// tool-free so the engine's routing logic is exercised in isolation from
// agent.Slot's tool-calling loop.
type fakeGateway struct{}

func (fakeGateway) ListTools(ctx context.Context, agentName string) ([]toolbind.ToolDescriptor, error) {
	return nil, nil
}
func (fakeGateway) Related(ctx context.Context, agentName, query string, already map[string]bool) ([]toolbind.ToolDescriptor, error) {
	return nil, nil
}

// scriptedChat replies with a fixed text, once per call, cycling through
// responses so a test can script a multi-turn supervisor conversation.
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

func newWorkflowState(workflowID string, userMsg string) orchestrator.WorkflowState {
	return orchestrator.WorkflowState{
		WorkflowID: workflowID,
		ThreadID:   workflowID,
		Messages:   []orchestrator.Message{{Role: orchestrator.RoleUser, Content: userMsg}},
		Status:     orchestrator.StatusRunning,
		Metadata:   map[string]interface{}{},
	}
}

func TestExecute_FastPathBypassesSupervisor(t *testing.T) {
	st := store.NewMemStore()
	bus := eventbus.NewInProcessBus()
	classifier := intent.New()

	convoSlot := newTestSlot(t, agent.KindConversational, &scriptedChat{replies: []string{"Paris is the capital of France."}})
	supSlot := newTestSlot(t, agent.KindSupervisor, &scriptedChat{replies: []string{"NEXT_AGENT: conversational\n"}})
	sup := supervisor.New(supSlot)

	specialists := map[string]*agent.Slot{agent.KindConversational: convoSlot}
	e := New(st, bus, classifier, sup, specialists, nil, nil, Config{EnableIntentRouting: true})

	state := newWorkflowState("wf-1", "What is the capital of France?")
	final, err := e.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if final.Status != orchestrator.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.Status)
	}
	if supSlot.Name() != agent.KindSupervisor {
		t.Fatalf("sanity check failed")
	}
}

func TestExecute_SupervisorRoutesToSpecialistThenEnds(t *testing.T) {
	st := store.NewMemStore()
	bus := eventbus.NewInProcessBus()
	classifier := intent.New()

	supSlot := newTestSlot(t, agent.KindSupervisor, &scriptedChat{replies: []string{
		"NEXT_AGENT: feature_dev\nREQUIRES_APPROVAL: false\nREASONING: needs code changes\n",
		"NEXT_AGENT: END\nREASONING: done\n",
	}})
	sup := supervisor.New(supSlot)
	featureSlot := newTestSlot(t, agent.KindFeatureDev, &scriptedChat{replies: []string{"implemented the feature"}})

	specialists := map[string]*agent.Slot{agent.KindFeatureDev: featureSlot}
	e := New(st, bus, classifier, sup, specialists, nil, nil, Config{EnableIntentRouting: true})

	state := newWorkflowState("wf-2", "implement the login page")
	final, err := e.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if final.Status != orchestrator.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.Status)
	}
	if final.Version() != 4 {
		t.Fatalf("expected 4 committed versions (supervisor, feature_dev, supervisor, complete), got %d", final.Version())
	}
}

type fakeApprovals struct {
	approvalID string
}

func (f *fakeApprovals) RequestApproval(ctx context.Context, workflowID, operation, riskHint string) (string, string, string, error) {
	return f.approvalID, "high", "lead", nil
}

func TestExecute_RequiresApprovalInterrupts(t *testing.T) {
	st := store.NewMemStore()
	bus := eventbus.NewInProcessBus()
	classifier := intent.New()

	supSlot := newTestSlot(t, agent.KindSupervisor, &scriptedChat{replies: []string{
		"NEXT_AGENT: infra\nREQUIRES_APPROVAL: true\nREASONING: production deploy\n",
	}})
	sup := supervisor.New(supSlot)
	infraSlot := newTestSlot(t, agent.KindInfra, &scriptedChat{replies: []string{"deployed"}})

	specialists := map[string]*agent.Slot{agent.KindInfra: infraSlot}
	approvals := &fakeApprovals{approvalID: "appr-1"}
	e := New(st, bus, classifier, sup, specialists, nil, approvals, Config{EnableIntentRouting: true})

	state := newWorkflowState("wf-3", "deploy the latest build to production")
	final, err := e.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if final.Status != orchestrator.StatusPausedForApproval {
		t.Fatalf("expected PAUSED_FOR_APPROVAL, got %s", final.Status)
	}
	if final.PendingOperation == nil || final.PendingOperation.ApprovalHandle != "appr-1" {
		t.Fatalf("expected pending_operation with approval handle, got %+v", final.PendingOperation)
	}
	if err := final.Invariant(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

func TestExecute_MalformedSupervisorOutputFallsBackToConversational(t *testing.T) {
	st := store.NewMemStore()
	bus := eventbus.NewInProcessBus()
	classifier := intent.New()

	supSlot := newTestSlot(t, agent.KindSupervisor, &scriptedChat{replies: []string{
		"Sure, happy to help with that right away!",
	}})
	sup := supervisor.New(supSlot)
	convoSlot := newTestSlot(t, agent.KindConversational, &scriptedChat{replies: []string{"here is your answer"}})

	specialists := map[string]*agent.Slot{agent.KindConversational: convoSlot}
	e := New(st, bus, classifier, sup, specialists, nil, nil, Config{EnableIntentRouting: true})

	state := newWorkflowState("wf-4", "refactor and migrate the billing service end to end")
	final, err := e.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if final.Status != orchestrator.StatusCompleted {
		t.Fatalf("expected COMPLETED via conversational fallback, got %s", final.Status)
	}
}

func TestExecute_MaxGraphStepsFailsWorkflow(t *testing.T) {
	st := store.NewMemStore()
	bus := eventbus.NewInProcessBus()
	classifier := intent.New()

	supSlot := newTestSlot(t, agent.KindSupervisor, &scriptedChat{replies: []string{
		"NEXT_AGENT: feature_dev\nREASONING: keep going\n",
	}})
	sup := supervisor.New(supSlot)
	featureSlot := newTestSlot(t, agent.KindFeatureDev, &scriptedChat{replies: []string{"still working"}})

	specialists := map[string]*agent.Slot{agent.KindFeatureDev: featureSlot}
	e := New(st, bus, classifier, sup, specialists, nil, nil, Config{EnableIntentRouting: true, MaxGraphSteps: 4})

	state := newWorkflowState("wf-5", "implement a large cross-cutting change")
	final, err := e.Execute(context.Background(), state)
	if err == nil {
		t.Fatalf("expected max-steps error")
	}
	if final.Status != orchestrator.StatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
}

func TestCommit_DedupesReplayedIdempotentCommit(t *testing.T) {
	st := store.NewMemStore()
	bus := eventbus.NewInProcessBus()
	classifier := intent.New()
	e := New(st, bus, classifier, nil, nil, nil, nil, Config{})

	state := newWorkflowState("wf-commit", "hello")
	next := orchestrator.Reduce(state, orchestrator.StateDelta{})

	version, err := e.commit(context.Background(), state.ThreadID, "feature_dev", next, state.Version())
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1 after first commit, got %d", version)
	}

	// A second commit for the same thread with the same node, incoming
	// version, and resulting state is a replay and must not bump the
	// store's version again.
	replayed, err := e.commit(context.Background(), state.ThreadID, "feature_dev", next, state.Version())
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
