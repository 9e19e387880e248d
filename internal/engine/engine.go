// Package engine implements the Workflow Graph Engine described in spec
// §4.8: the free-form graph that routes a single conversational turn
// through the entry classifier, the supervisor, and zero or more
// specialist agent slots, persisting a checkpoint after every node and
// projecting progress onto the event bus as it runs.
//
// The node execution protocol mirrors the teacher engine's step loop
// (graph/engine.go's Step): compute a deterministic key for the step,
// acquire any declared resource lock, invoke the node, apply the result
// through the pure reducer, persist the next version, release the lock,
// emit node_end. Unlike the teacher engine, routing here is a fixed
// three-node shape (entry → supervisor ⇄ specialist) rather than an
// arbitrary user-declared DAG — the arbitrary-DAG case is
// internal/template's job.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devflow/orchestrator/internal/agent"
	"github.com/devflow/orchestrator/internal/eventbus"
	"github.com/devflow/orchestrator/internal/intent"
	"github.com/devflow/orchestrator/internal/locks"
	"github.com/devflow/orchestrator/internal/orchestrator"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/devflow/orchestrator/internal/supervisor"
)

// Virtual and well-known node names. Specialist node names come from the
// agent.Kind* constants and are not enumerated here.
const (
	nodeEntry          = "ENTRY"
	nodeSupervisor     = agent.KindSupervisor
	nodeConversational = agent.KindConversational
	nodeEnd            = "END"
)

// defaultMaxGraphSteps bounds the supervisor⇄specialist ping-pong so a
// misbehaving supervisor that never emits NEXT_AGENT: END cannot loop
// forever; hitting it fails the workflow rather than hanging it.
const defaultMaxGraphSteps = 25

// Approvals is the subset of the HITL controller the engine needs: turning
// a supervisor's requires_approval=true decision into a parked
// ApprovalHandle. internal/hitl.Controller satisfies this.
type Approvals interface {
	RequestApproval(ctx context.Context, workflowID, operation, riskHint string) (approvalID, riskLevel, approverRole string, err error)
}

// Config holds the engine's tunable knobs, all settable from spec §6's
// configuration surface.
type Config struct {
	// LLMTimeout bounds a single node invocation (an agent slot's full
	// tool-calling loop), per spec §6's llm_timeout_ms.
	LLMTimeout time.Duration

	// MaxGraphSteps bounds supervisor⇄specialist round trips per turn.
	MaxGraphSteps int

	// LockDefaultTTL and LockWaitTimeout parameterize any node-declared
	// resource lock acquisition.
	LockDefaultTTL  time.Duration
	LockWaitTimeout time.Duration

	// EnableIntentRouting is the spec §6 rollback switch: when false,
	// every turn is routed through the supervisor regardless of the
	// entry classifier's verdict.
	EnableIntentRouting bool
}

func (c Config) withDefaults() Config {
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 60 * time.Second
	}
	if c.MaxGraphSteps <= 0 {
		c.MaxGraphSteps = defaultMaxGraphSteps
	}
	if c.LockDefaultTTL <= 0 {
		c.LockDefaultTTL = 30 * time.Second
	}
	return c
}

// Engine drives one turn of a workflow through the graph described in spec
// §4.8.
type Engine struct {
	st         store.Store
	bus        eventbus.Bus
	classifier *intent.Classifier
	supervisor *supervisor.Supervisor
	specialists map[string]*agent.Slot
	locker     *locks.Manager
	approvals  Approvals
	nodeLocks  map[string]string
	cfg        Config

	idemMu      sync.Mutex
	idempotency map[string]string
}

// New constructs an Engine. specialists must include an entry for
// agent.KindConversational and for every name the supervisor can route to;
// locker and approvals may be nil (the engine then runs with no
// resource-lock or approval support — every node runs unlocked and
// requires_approval decisions fail the turn).
func New(st store.Store, bus eventbus.Bus, classifier *intent.Classifier, sup *supervisor.Supervisor, specialists map[string]*agent.Slot, locker *locks.Manager, approvals Approvals, cfg Config) *Engine {
	return &Engine{
		st:          st,
		bus:         bus,
		classifier:  classifier,
		supervisor:  sup,
		specialists: specialists,
		locker:      locker,
		approvals:   approvals,
		nodeLocks:   map[string]string{},
		cfg:         cfg.withDefaults(),
		idempotency: map[string]string{},
	}
}

// WithNodeLock declares that nodeName must hold resourceID for the
// duration of its execution. Free-form graph nodes rarely need this (the
// template engine is the usual home for resource-locked steps) but it is
// exposed for specialists that touch genuinely exclusive resources, e.g. a
// deploy-capable infra specialist.
func (e *Engine) WithNodeLock(nodeName, resourceID string) *Engine {
	e.nodeLocks[nodeName] = resourceID
	return e
}

// Execute drives state from its current position through the graph until
// it reaches a terminal status, a HITL interrupt, or an error. The caller
// is expected to have already appended the new user message (if any) to
// state.Messages before calling Execute for a fresh turn; Resume re-enters
// a parked workflow without adding a message.
func (e *Engine) Execute(ctx context.Context, state orchestrator.WorkflowState) (orchestrator.WorkflowState, error) {
	current := nodeEntry
	if state.CurrentAgent != "" {
		// Resuming mid-graph: re-enter at the node the interrupt recorded.
		current = state.CurrentAgent
	}
	return e.run(ctx, state, current)
}

// Resume re-enters a workflow previously parked with status
// PAUSED_FOR_APPROVAL. It expects a state whose pending_operation has
// already been cleared by the caller; neither Resume nor the HITL controller
// clears it. It continues at the resume node the parked PendingOperation
// recorded.
func (e *Engine) Resume(ctx context.Context, state orchestrator.WorkflowState) (orchestrator.WorkflowState, error) {
	resumeNode, _ := state.Metadata["pending_resume_node"].(string)
	if resumeNode == "" {
		resumeNode = nodeSupervisor
	}
	return e.run(ctx, state, resumeNode)
}

func (e *Engine) run(ctx context.Context, state orchestrator.WorkflowState, start string) (orchestrator.WorkflowState, error) {
	current := start
	steps := 0

	for {
		if err := ctx.Err(); err != nil {
			return e.cancel(ctx, state, err)
		}
		if steps >= e.cfg.MaxGraphSteps {
			return e.fail(ctx, state, fmt.Errorf("exceeded max graph steps (%d) without reaching END", e.cfg.MaxGraphSteps))
		}
		steps++

		switch current {
		case nodeEntry:
			route, err := e.routeEntry(ctx, state)
			if err != nil {
				return e.fail(ctx, state, err)
			}
			current = route

		case nodeEnd:
			return e.complete(ctx, state)

		case nodeConversational:
			next, err := e.runNode(ctx, state, nodeConversational)
			if err != nil {
				return e.fail(ctx, state, err)
			}
			return e.complete(ctx, next)

		case nodeSupervisor:
			next, decision, err := e.runSupervisor(ctx, state)
			if err != nil {
				return e.fail(ctx, state, err)
			}
			state = next
			if state.Status == orchestrator.StatusPausedForApproval {
				return e.interrupt(ctx, state)
			}
			switch decision.NextAgent {
			case "END", "":
				current = nodeEnd
			case nodeConversational:
				current = nodeConversational
			default:
				current = decision.NextAgent
			}

		default:
			if _, ok := e.specialists[current]; !ok {
				// Unknown specialist: fall back to the conversational handler.
				current = nodeConversational
				continue
			}
			next, err := e.runNode(ctx, state, current)
			if err != nil {
				return e.fail(ctx, state, err)
			}
			state = next
			current = nodeSupervisor
		}
	}
}

func (e *Engine) routeEntry(ctx context.Context, state orchestrator.WorkflowState) (string, error) {
	if !e.cfg.EnableIntentRouting {
		return nodeSupervisor, nil
	}
	msg := lastUserMessage(state)
	result := e.classifier.Classify(ctx, msg, state.ProjectContext)
	switch result.Intent {
	case intent.QA, intent.SimpleTask:
		return nodeConversational, nil
	case intent.ExplicitCommand:
		// Explicit slash-commands are the synchronous /execute path's
		// concern, not the graph's; the caller (internal/api) is expected
		// to have already diverted these before calling Execute. Treat it
		// as a conversational fallback if one reaches here regardless.
		return nodeConversational, nil
	default:
		return nodeSupervisor, nil
	}
}

func (e *Engine) runSupervisor(ctx context.Context, state orchestrator.WorkflowState) (orchestrator.WorkflowState, supervisor.Decision, error) {
	incomingVersion := state.Version()
	e.emit(ctx, state.WorkflowID, orchestrator.EventNodeStart, map[string]interface{}{"node": nodeSupervisor})

	nodeCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()

	decision, delta, err := e.supervisor.Route(nodeCtx, state)
	if err != nil {
		return state, decision, err
	}

	nextAgent := decision.NextAgent
	delta.SetNextAgent = &nextAgent
	delta.SetCurrentAgent = strPtr(nodeSupervisor)

	if decision.RequiresApproval {
		if e.approvals == nil {
			return state, decision, fmt.Errorf("supervisor requested approval but no HITL controller is configured")
		}
		approvalID, risk, role, approvalErr := e.approvals.RequestApproval(ctx, state.WorkflowID, decision.NextAgent, decision.Reasoning)
		if approvalErr != nil {
			return state, decision, approvalErr
		}
		delta.SetPendingOperation = &orchestrator.PendingOperation{
			Operation:      decision.NextAgent,
			RiskLevel:      risk,
			ApproverRole:   role,
			ApprovalHandle: approvalID,
			ResumeNode:     decision.NextAgent,
		}
		delta.MergeMetadata = map[string]interface{}{"pending_resume_node": decision.NextAgent}
	}

	next := orchestrator.Reduce(state, delta)
	if err := next.Invariant(); err != nil {
		return state, decision, err
	}

	if _, err := e.commit(ctx, state.ThreadID, nodeSupervisor, next, incomingVersion); err != nil {
		return state, decision, err
	}

	e.emit(ctx, state.WorkflowID, orchestrator.EventContentToken, map[string]interface{}{"node": nodeSupervisor, "text": decision.StreamFilter()})
	e.emit(ctx, state.WorkflowID, orchestrator.EventAgentComplete, map[string]interface{}{"agent": nodeSupervisor, "next_agent": decision.NextAgent})
	e.emit(ctx, state.WorkflowID, orchestrator.EventNodeEnd, map[string]interface{}{"node": nodeSupervisor})

	return next, decision, nil
}

// runNode executes a single agent-slot node (the conversational handler or
// a specialist) following the protocol from spec §4.8: acquire any
// declared lock, invoke, reduce, persist, release, emit.
func (e *Engine) runNode(ctx context.Context, state orchestrator.WorkflowState, nodeName string) (orchestrator.WorkflowState, error) {
	slot, ok := e.specialists[nodeName]
	if !ok {
		return state, fmt.Errorf("%w: no agent slot bound for %q", orchestrator.ErrUnroutableIntent, nodeName)
	}

	incomingVersion := state.Version()
	e.emit(ctx, state.WorkflowID, orchestrator.EventNodeStart, map[string]interface{}{"node": nodeName})

	release, err := e.acquireNodeLock(ctx, nodeName, state.WorkflowID)
	if err != nil {
		return state, err
	}
	if release != nil {
		defer release()
	}

	nodeCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()

	hooks := e.hooksFor(state.WorkflowID, nodeName)
	delta, err := slot.Invoke(nodeCtx, state, lastUserMessage(state), hooks)
	if err != nil {
		return state, err
	}
	delta.SetCurrentAgent = strPtr(nodeName)

	next := orchestrator.Reduce(state, delta)
	if err := next.Invariant(); err != nil {
		return state, err
	}

	if _, err := e.commit(ctx, state.ThreadID, nodeName, next, incomingVersion); err != nil {
		return state, err
	}

	e.emit(ctx, state.WorkflowID, orchestrator.EventAgentComplete, map[string]interface{}{"agent": nodeName})
	e.emit(ctx, state.WorkflowID, orchestrator.EventNodeEnd, map[string]interface{}{"node": nodeName})
	return next, nil
}

func (e *Engine) acquireNodeLock(ctx context.Context, nodeName, workflowID string) (func(), error) {
	resourceID, declared := e.nodeLocks[nodeName]
	if !declared || e.locker == nil {
		return nil, nil
	}
	handle, err := e.locker.Acquire(ctx, resourceID, workflowID, e.cfg.LockDefaultTTL, e.cfg.LockWaitTimeout)
	if err != nil {
		return nil, err
	}
	return func() { _ = e.locker.Release(context.Background(), handle) }, nil
}

// commit persists next, retrying once after reloading on a version
// conflict per spec §4.1's prescribed failure mode. Before persisting, it
// computes next's idempotency key (spec §4.1/§4.8) and compares it against
// the last key committed for threadID: a node re-entered with the same
// (workflow id, node name, incoming version) that reduces to the same
// resulting state is a replay — e.g. a context-cancelled caller retrying a
// node invocation whose commit actually landed — and is skipped rather
// than re-saved.
func (e *Engine) commit(ctx context.Context, threadID, nodeName string, next orchestrator.WorkflowState, expectedVersion int) (int, error) {
	key, keyErr := orchestrator.IdempotencyKey(next.WorkflowID, nodeName, expectedVersion, nil, next)
	if keyErr == nil {
		e.idemMu.Lock()
		last, seen := e.idempotency[threadID]
		e.idemMu.Unlock()
		if seen && last == key {
			return expectedVersion, nil
		}
	}

	version, err := e.st.Save(ctx, threadID, next, expectedVersion)
	if errors.Is(err, orchestrator.ErrPersistenceConflict) {
		_, latestVersion, loadErr := e.st.LoadLatest(ctx, threadID)
		if loadErr != nil {
			return 0, err
		}
		version, err = e.st.Save(ctx, threadID, next, latestVersion)
	}
	if err == nil && keyErr == nil {
		e.idemMu.Lock()
		e.idempotency[threadID] = key
		e.idemMu.Unlock()
	}
	return version, err
}

func (e *Engine) hooksFor(workflowID, nodeName string) *agent.Hooks {
	return &agent.Hooks{
		OnToken: func(token string) {
			e.emit(context.Background(), workflowID, orchestrator.EventContentToken, map[string]interface{}{"node": nodeName, "text": token})
		},
		OnToolCallStart: func(tc orchestrator.ToolCall) {
			e.emit(context.Background(), workflowID, orchestrator.EventToolCallStart, map[string]interface{}{"node": nodeName, "tool": tc.Name, "tool_call_id": tc.ID})
		},
		OnToolCallEnd: func(tc orchestrator.ToolCall, result orchestrator.Message) {
			e.emit(context.Background(), workflowID, orchestrator.EventToolCallEnd, map[string]interface{}{"node": nodeName, "tool": tc.Name, "tool_call_id": tc.ID, "error": result.Meta["error"] == true})
		},
	}
}

func (e *Engine) emit(ctx context.Context, workflowID string, kind orchestrator.EventKind, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, orchestrator.Event{
		WorkflowID: workflowID,
		Kind:       kind,
		Payload:    payload,
		Timestamp:  orchestrator.Now(),
	})
}

func (e *Engine) complete(ctx context.Context, state orchestrator.WorkflowState) (orchestrator.WorkflowState, error) {
	status := orchestrator.StatusCompleted
	next := orchestrator.Reduce(state, orchestrator.StateDelta{SetStatus: &status, ReleaseLocks: state.LocksHeld})
	if _, err := e.commit(ctx, state.ThreadID, "__complete__", next, state.Version()); err != nil {
		return state, err
	}
	e.emit(ctx, state.WorkflowID, orchestrator.EventDone, nil)
	return next, nil
}

func (e *Engine) interrupt(ctx context.Context, state orchestrator.WorkflowState) (orchestrator.WorkflowState, error) {
	e.emit(ctx, state.WorkflowID, orchestrator.EventApprovalPending, map[string]interface{}{
		"approval_handle": state.PendingOperation.ApprovalHandle,
		"risk_level":      state.PendingOperation.RiskLevel,
	})
	return state, nil
}

func (e *Engine) fail(ctx context.Context, state orchestrator.WorkflowState, cause error) (orchestrator.WorkflowState, error) {
	status := orchestrator.StatusFailed
	next := orchestrator.Reduce(state, orchestrator.StateDelta{SetStatus: &status, ReleaseLocks: state.LocksHeld})
	_, _ = e.commit(ctx, state.ThreadID, "__fail__", next, state.Version())
	e.emit(ctx, state.WorkflowID, orchestrator.EventError, map[string]interface{}{"error": cause.Error()})
	return next, cause
}

func (e *Engine) cancel(ctx context.Context, state orchestrator.WorkflowState, cause error) (orchestrator.WorkflowState, error) {
	status := orchestrator.StatusCancelled
	// The incoming ctx is already done, so commit with a background
	// context: cancellation must still land the CANCELLED checkpoint.
	next := orchestrator.Reduce(state, orchestrator.StateDelta{SetStatus: &status, ReleaseLocks: state.LocksHeld})
	_, _ = e.commit(context.Background(), state.ThreadID, "__cancel__", next, state.Version())
	e.emit(context.Background(), state.WorkflowID, orchestrator.EventError, map[string]interface{}{"error": orchestrator.ErrCancelledByCaller.Error()})
	return next, fmt.Errorf("%w: %v", orchestrator.ErrCancelledByCaller, cause)
}

func lastUserMessage(state orchestrator.WorkflowState) string {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == orchestrator.RoleUser {
			return state.Messages[i].Content
		}
	}
	return ""
}

func strPtr(s string) *string { return &s }
