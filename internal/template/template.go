// Package template implements the Workflow Template Engine from spec
// §4.9: a declarative, YAML-described alternative to the free-form graph,
// sharing the same pure reducer and checkpoint/event semantics so the two
// front doors are indistinguishable to the checkpoint store and the event
// bus.
//
// YAML parsing follows the idiom every YAML-consuming repo in the
// retrieval pack shares: unmarshal into a typed struct
// (orchestrator.WorkflowTemplate already carries yaml tags), validate,
// then build runtime objects from it. deterministic_check conditions are
// small boolean expressions evaluated with github.com/expr-lang/expr
// rather than hand-rolled parsing, since that is a real sandboxed
// expression evaluator rather than something any example repo reimplements
// from scratch.
package template

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"

	"github.com/devflow/orchestrator/internal/agent"
	"github.com/devflow/orchestrator/internal/eventbus"
	"github.com/devflow/orchestrator/internal/locks"
	"github.com/devflow/orchestrator/internal/orchestrator"
	"github.com/devflow/orchestrator/internal/store"
)

// outputsMetadataKey is where captured per-step outputs live inside
// WorkflowState.Metadata, since WorkflowState has no dedicated outputs
// field of its own.
const outputsMetadataKey = "template_outputs"

// Load parses a YAML document into a WorkflowTemplate and validates that
// every on_success/on_failure reference names a step that actually exists
// in the template (or is "END").
func Load(data []byte) (orchestrator.WorkflowTemplate, error) {
	var tmpl orchestrator.WorkflowTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return orchestrator.WorkflowTemplate{}, fmt.Errorf("parse template: %w", err)
	}
	if len(tmpl.Steps) == 0 {
		return orchestrator.WorkflowTemplate{}, errors.New("template has no steps")
	}
	ids := make(map[string]bool, len(tmpl.Steps))
	for _, s := range tmpl.Steps {
		ids[s.ID] = true
	}
	for _, s := range tmpl.Steps {
		for _, ref := range []string{s.OnSuccess, s.OnFailure} {
			if ref != "" && ref != "END" && !ids[ref] {
				return orchestrator.WorkflowTemplate{}, fmt.Errorf("step %q references unknown step %q", s.ID, ref)
			}
		}
		if s.ResourceLock != "" && s.Type != orchestrator.StepAgentCall {
			return orchestrator.WorkflowTemplate{}, fmt.Errorf("step %q: resource_lock is only valid on agent_call steps", s.ID)
		}
	}
	return tmpl, nil
}

// Approvals is the subset of the HITL controller the template engine
// needs: handing off a risk assessment the engine has already computed
// itself, rather than asking the controller to derive risk from a static
// rule table (that is the graph engine's path, not this one).
type Approvals interface {
	RequestApprovalWithAssessment(ctx context.Context, workflowID, operation, riskLevel, approverRole, reasoning string) (approvalID string, err error)
}

// Assessor runs the llm_assessment decision gate: producing either a risk
// assessment (for a hitl_approval step) or a next-step id (for a branching
// decision gate after any other step).
type Assessor interface {
	Assess(ctx context.Context, state orchestrator.WorkflowState, prompt string) (Assessment, error)
}

// Assessment is the parsed result of one llm_assessment call. Only the
// fields relevant to the calling site are populated: a hitl_approval step
// reads RiskLevel/ApproverRole/Reasoning, a branching decision gate reads
// NextStepID.
type Assessment struct {
	RiskLevel    string
	ApproverRole string
	Reasoning    string
	NextStepID   string
}

// Config parameterizes a template Engine run.
type Config struct {
	StepTimeout     time.Duration
	LockDefaultTTL  time.Duration
	LockWaitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 60 * time.Second
	}
	if c.LockDefaultTTL <= 0 {
		c.LockDefaultTTL = 30 * time.Second
	}
	return c
}

// Engine executes one WorkflowTemplate against a WorkflowState, per spec
// §4.9.
type Engine struct {
	st          store.Store
	bus         eventbus.Bus
	specialists map[string]*agent.Slot
	assessor    Assessor
	approvals   Approvals
	locker      *locks.Manager
	cfg         Config

	idemMu      sync.Mutex
	idempotency map[string]string
}

// New constructs a template Engine. assessor/approvals may be nil if the
// template never declares an llm_assessment gate or a hitl_approval step;
// locker may be nil if no step declares a resource_lock.
func New(st store.Store, bus eventbus.Bus, specialists map[string]*agent.Slot, assessor Assessor, approvals Approvals, locker *locks.Manager, cfg Config) *Engine {
	return &Engine{st: st, bus: bus, specialists: specialists, assessor: assessor, approvals: approvals, locker: locker, cfg: cfg.withDefaults(), idempotency: map[string]string{}}
}

// Run executes tmpl starting at its first step, or at
// state.Metadata["template_step"] if the state is resuming mid-template.
func (e *Engine) Run(ctx context.Context, tmpl orchestrator.WorkflowTemplate, state orchestrator.WorkflowState) (orchestrator.WorkflowState, error) {
	stepID := tmpl.Steps[0].ID
	if resuming, ok := state.Metadata["template_step"].(string); ok && resuming != "" {
		stepID = resuming
	}

	for {
		if err := ctx.Err(); err != nil {
			return e.cancel(ctx, state, err)
		}
		if stepID == "END" || stepID == "" {
			return e.complete(ctx, state)
		}

		step, ok := tmpl.StepByID(stepID)
		if !ok {
			return e.fail(ctx, state, fmt.Errorf("unknown template step %q", stepID))
		}

		next, outcome, err := e.runStep(ctx, state, step)
		if err != nil {
			return e.fail(ctx, state, err)
		}
		state = next
		if state.Status == orchestrator.StatusPausedForApproval {
			e.emit(ctx, state.WorkflowID, orchestrator.EventApprovalPending, map[string]interface{}{
				"approval_handle": state.PendingOperation.ApprovalHandle,
				"step":            step.ID,
			})
			return state, nil
		}

		nextID, err := e.resolveNext(ctx, state, step, outcome)
		if err != nil {
			return e.fail(ctx, state, err)
		}
		stepID = nextID
	}
}

type stepOutcome struct {
	outputs map[string]interface{}
	result  interface{}
	failed  bool
}

func (e *Engine) runStep(ctx context.Context, state orchestrator.WorkflowState, step orchestrator.WorkflowTemplateStep) (orchestrator.WorkflowState, stepOutcome, error) {
	incomingVersion := state.Version()
	e.emit(ctx, state.WorkflowID, orchestrator.EventNodeStart, map[string]interface{}{"step": step.ID, "type": string(step.Type)})

	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	var delta orchestrator.StateDelta
	var outcome stepOutcome
	var err error

	switch step.Type {
	case orchestrator.StepAgentCall:
		delta, outcome, err = e.runAgentCall(stepCtx, state, step)
	case orchestrator.StepHITLApproval:
		delta, outcome, err = e.runHITLApproval(stepCtx, state, step)
	case orchestrator.StepDeterministicCheck:
		delta, outcome, err = e.runDeterministicCheck(state, step)
	default:
		return state, stepOutcome{}, fmt.Errorf("unknown step type %q", step.Type)
	}
	if err != nil {
		return state, stepOutcome{}, err
	}

	next := orchestrator.Reduce(state, delta)
	if err := next.Invariant(); err != nil {
		return state, stepOutcome{}, err
	}
	if _, err := e.commit(ctx, state.ThreadID, step.ID, next, incomingVersion); err != nil {
		return state, stepOutcome{}, err
	}

	e.emit(ctx, state.WorkflowID, orchestrator.EventNodeEnd, map[string]interface{}{"step": step.ID})
	return next, outcome, nil
}

func (e *Engine) runAgentCall(ctx context.Context, state orchestrator.WorkflowState, step orchestrator.WorkflowTemplateStep) (orchestrator.StateDelta, stepOutcome, error) {
	slot, ok := e.specialists[step.Agent]
	if !ok {
		return orchestrator.StateDelta{}, stepOutcome{}, fmt.Errorf("step %q: no agent slot bound for %q", step.ID, step.Agent)
	}

	release, err := e.acquireStepLock(ctx, step, state.WorkflowID)
	if err != nil {
		return orchestrator.StateDelta{}, stepOutcome{}, err
	}
	if release != nil {
		defer release()
	}

	task := renderPayload(step.PayloadTemplate, state, e.outputsOf(state))
	delta, err := slot.Invoke(ctx, state, task, nil)
	if err != nil {
		return orchestrator.StateDelta{}, stepOutcome{}, err
	}

	result := lastAssistantContent(delta.AppendMessages)
	outputs := cloneOutputs(e.outputsOf(state))
	outputs[step.ID] = result
	delta.MergeMetadata = map[string]interface{}{outputsMetadataKey: outputs}

	return delta, stepOutcome{outputs: outputs, result: result}, nil
}

// acquireStepLock honors a step's resource_lock declaration. Spec §5
// forbids an agent from holding more than one lock at a time; the template
// format enforces that statically by allowing at most one resource_lock
// per step (Load rejects anything else) rather than a set.
func (e *Engine) acquireStepLock(ctx context.Context, step orchestrator.WorkflowTemplateStep, workflowID string) (func(), error) {
	if step.ResourceLock == "" || e.locker == nil {
		return nil, nil
	}
	handle, err := e.locker.Acquire(ctx, step.ResourceLock, workflowID, e.cfg.LockDefaultTTL, e.cfg.LockWaitTimeout)
	if err != nil {
		return nil, err
	}
	return func() { _ = e.locker.Release(context.Background(), handle) }, nil
}

func (e *Engine) runHITLApproval(ctx context.Context, state orchestrator.WorkflowState, step orchestrator.WorkflowTemplateStep) (orchestrator.StateDelta, stepOutcome, error) {
	if e.assessor == nil || e.approvals == nil {
		return orchestrator.StateDelta{}, stepOutcome{}, fmt.Errorf("step %q: hitl_approval requires both an assessor and an approvals controller", step.ID)
	}

	prompt := step.ID
	if step.DecisionGate != nil && step.DecisionGate.Prompt != "" {
		prompt = step.DecisionGate.Prompt
	}
	assessment, err := e.assessor.Assess(ctx, state, prompt)
	if err != nil {
		return orchestrator.StateDelta{}, stepOutcome{}, fmt.Errorf("assess risk for step %q: %w", step.ID, err)
	}

	approvalID, err := e.approvals.RequestApprovalWithAssessment(ctx, state.WorkflowID, step.ID, assessment.RiskLevel, assessment.ApproverRole, assessment.Reasoning)
	if err != nil {
		return orchestrator.StateDelta{}, stepOutcome{}, err
	}

	return orchestrator.StateDelta{
		SetPendingOperation: &orchestrator.PendingOperation{
			Operation:      step.ID,
			RiskLevel:      assessment.RiskLevel,
			ApproverRole:   assessment.ApproverRole,
			ApprovalHandle: approvalID,
			ResumeNode:     step.OnSuccess,
		},
		MergeMetadata: map[string]interface{}{"template_step": step.OnSuccess},
	}, stepOutcome{}, nil
}

func (e *Engine) runDeterministicCheck(state orchestrator.WorkflowState, step orchestrator.WorkflowTemplateStep) (orchestrator.StateDelta, stepOutcome, error) {
	expression := step.ID
	if step.DecisionGate != nil && step.DecisionGate.Expression != "" {
		expression = step.DecisionGate.Expression
	}

	env := map[string]interface{}{
		"context": state.ProjectContext,
		"outputs": e.outputsOf(state),
	}
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return orchestrator.StateDelta{}, stepOutcome{}, fmt.Errorf("step %q: compile condition: %w", step.ID, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return orchestrator.StateDelta{}, stepOutcome{}, fmt.Errorf("step %q: evaluate condition: %w", step.ID, err)
	}
	passed, _ := out.(bool)
	return orchestrator.StateDelta{}, stepOutcome{failed: !passed}, nil
}

// resolveNext picks the following step id: a step's own DecisionGate (if
// any) takes priority for llm_assessment branching, then the
// pass/fail-derived OnSuccess/OnFailure, falling back to "END".
func (e *Engine) resolveNext(ctx context.Context, state orchestrator.WorkflowState, step orchestrator.WorkflowTemplateStep, outcome stepOutcome) (string, error) {
	if step.Type == orchestrator.StepDeterministicCheck {
		if outcome.failed {
			if step.OnFailure != "" {
				return step.OnFailure, nil
			}
			return "END", nil
		}
		if step.OnSuccess != "" {
			return step.OnSuccess, nil
		}
		return "END", nil
	}

	if step.DecisionGate != nil && step.DecisionGate.Type == orchestrator.GateLLMAssessment && e.assessor != nil {
		assessment, err := e.assessor.Assess(ctx, state, step.DecisionGate.Prompt)
		if err != nil {
			return "", fmt.Errorf("step %q: decision gate assessment: %w", step.ID, err)
		}
		if assessment.NextStepID != "" {
			return assessment.NextStepID, nil
		}
	}

	if step.OnSuccess != "" {
		return step.OnSuccess, nil
	}
	return "END", nil
}

func (e *Engine) outputsOf(state orchestrator.WorkflowState) map[string]interface{} {
	raw, _ := state.Metadata[outputsMetadataKey].(map[string]interface{})
	return raw
}

func cloneOutputs(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	return out
}

// commit persists next, retrying once after reloading on a version
// conflict. Before persisting it checks next's idempotency key against the
// last one committed for threadID, so a step re-entered with the same
// (workflow id, step id, incoming version) that reduces to the same
// resulting state is skipped as a replay rather than re-saved.
func (e *Engine) commit(ctx context.Context, threadID, stepID string, next orchestrator.WorkflowState, expectedVersion int) (int, error) {
	key, keyErr := orchestrator.IdempotencyKey(next.WorkflowID, stepID, expectedVersion, nil, next)
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

func (e *Engine) emit(ctx context.Context, workflowID string, kind orchestrator.EventKind, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, orchestrator.Event{WorkflowID: workflowID, Kind: kind, Payload: payload, Timestamp: orchestrator.Now()})
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

func (e *Engine) fail(ctx context.Context, state orchestrator.WorkflowState, cause error) (orchestrator.WorkflowState, error) {
	status := orchestrator.StatusFailed
	next := orchestrator.Reduce(state, orchestrator.StateDelta{SetStatus: &status, ReleaseLocks: state.LocksHeld})
	_, _ = e.commit(ctx, state.ThreadID, "__fail__", next, state.Version())
	e.emit(ctx, state.WorkflowID, orchestrator.EventError, map[string]interface{}{"error": cause.Error()})
	return next, cause
}

func (e *Engine) cancel(ctx context.Context, state orchestrator.WorkflowState, cause error) (orchestrator.WorkflowState, error) {
	status := orchestrator.StatusCancelled
	next := orchestrator.Reduce(state, orchestrator.StateDelta{SetStatus: &status, ReleaseLocks: state.LocksHeld})
	_, _ = e.commit(context.Background(), state.ThreadID, "__cancel__", next, state.Version())
	e.emit(context.Background(), state.WorkflowID, orchestrator.EventError, map[string]interface{}{"error": orchestrator.ErrCancelledByCaller.Error()})
	return next, fmt.Errorf("%w: %v", orchestrator.ErrCancelledByCaller, cause)
}

func lastAssistantContent(messages []orchestrator.Message) interface{} {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == orchestrator.RoleAssistant {
			return messages[i].Content
		}
	}
	return nil
}

// renderPayload renders a step's payload_template against {context,
// outputs} using text/template. A render error yields the raw template
// text rather than failing the step, since a bad template is an authoring
// bug that should surface as a strange-looking prompt, not a hard crash
// mid-workflow.
func renderPayload(tpl string, state orchestrator.WorkflowState, outputs map[string]interface{}) string {
	t, err := template.New("payload").Parse(tpl)
	if err != nil {
		return tpl
	}
	data := map[string]interface{}{
		"context": state.ProjectContext,
		"outputs": outputs,
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return tpl
	}
	return buf.String()
}
