package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshState() WorkflowState {
	return WorkflowState{
		WorkflowID: "wf-1",
		ThreadID:   "wf-1",
		Status:     StatusRunning,
		Metadata:   map[string]interface{}{"version": 0},
	}
}

func TestReduce_AppendMessagesAndBumpsVersion(t *testing.T) {
	prev := freshState()
	delta := StateDelta{AppendMessages: []Message{{Role: RoleUser, Content: "hi"}}}

	next := Reduce(prev, delta)

	require.Len(t, next.Messages, 1)
	assert.Equal(t, "hi", next.Messages[0].Content)
	assert.Equal(t, 1, next.Version())
	assert.Len(t, prev.Messages, 0, "Reduce must not mutate prev")
}

func TestReduce_PendingOperationSetsRequiresApprovalAndStatus(t *testing.T) {
	prev := freshState()
	op := PendingOperation{Operation: "deploy_production", RiskLevel: "high"}
	next := Reduce(prev, StateDelta{SetPendingOperation: &op})

	assert.True(t, next.RequiresApproval)
	assert.Equal(t, StatusPausedForApproval, next.Status)
	require.NoError(t, next.Invariant())
}

func TestReduce_ClearPendingOperationClearsRequiresApproval(t *testing.T) {
	op := PendingOperation{Operation: "deploy_production"}
	prev := freshState()
	prev.PendingOperation = &op
	prev.RequiresApproval = true
	prev.Status = StatusPausedForApproval

	next := Reduce(prev, StateDelta{ClearPendingOperation: true})

	assert.Nil(t, next.PendingOperation)
	assert.False(t, next.RequiresApproval)
	require.NoError(t, next.Invariant())
}

func TestReduce_LockAcquireAndRelease(t *testing.T) {
	prev := freshState()
	next := Reduce(prev, StateDelta{AcquireLocks: []string{"deploy:prod"}})
	assert.Equal(t, []string{"deploy:prod"}, next.LocksHeld)

	released := Reduce(next, StateDelta{ReleaseLocks: []string{"deploy:prod"}})
	assert.Empty(t, released.LocksHeld)
}

func TestReduce_TerminalStateWithLocksViolatesInvariant(t *testing.T) {
	prev := freshState()
	prev.LocksHeld = []string{"deploy:prod"}
	status := StatusCompleted

	next := Reduce(prev, StateDelta{SetStatus: &status})

	assert.Error(t, next.Invariant())
}

func TestReduce_InsightsAppendInOrder(t *testing.T) {
	prev := freshState()
	first := Reduce(prev, StateDelta{AppendInsights: []CapturedInsight{{AgentName: "feature_dev", Seq: 1, Fact: "found root cause"}}})
	second := Reduce(first, StateDelta{AppendInsights: []CapturedInsight{{AgentName: "code_review", Seq: 2, Fact: "LGTM"}}})

	require.Len(t, second.CapturedInsights, 2)
	assert.Equal(t, "feature_dev", second.CapturedInsights[0].AgentName)
	assert.Equal(t, "code_review", second.CapturedInsights[1].AgentName)
}

func TestReduce_VersionStrictlyIncreasing(t *testing.T) {
	state := freshState()
	for i := 0; i < 5; i++ {
		next := Reduce(state, StateDelta{AppendMessages: []Message{{Role: RoleAssistant, Content: "step"}}})
		assert.Equal(t, state.Version()+1, next.Version())
		state = next
	}
	assert.Equal(t, 5, state.Version())
}

func TestIdempotencyKey_DeterministicUnderReordering(t *testing.T) {
	state := freshState()
	items := []WorkItem{{NodeID: "a", OrderKey: 2}, {NodeID: "b", OrderKey: 1}}
	reordered := []WorkItem{{NodeID: "b", OrderKey: 1}, {NodeID: "a", OrderKey: 2}}

	k1, err := IdempotencyKey("wf-1", "supervisor", 3, items, state)
	require.NoError(t, err)
	k2, err := IdempotencyKey("wf-1", "supervisor", 3, reordered, state)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
}

func TestOrderKey_Deterministic(t *testing.T) {
	assert.Equal(t, OrderKey("node-a", 0), OrderKey("node-a", 0))
	assert.NotEqual(t, OrderKey("node-a", 0), OrderKey("node-a", 1))
}

func TestMain_NowIsOverridable(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := Now
	Now = func() time.Time { return fixed }
	defer func() { Now = orig }()

	next := Reduce(freshState(), StateDelta{})
	assert.Equal(t, fixed, next.Metadata["updated_at"])
}
