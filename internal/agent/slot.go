// Package agent implements the Agent Slot: the runtime binding of a system
// prompt, a tool-selection policy, and an LLM client into an invokable
// node, plus the closed set of specialist kinds spec §9 models as a tagged
// variant rather than a dispatch hierarchy.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devflow/orchestrator/internal/model"
	"github.com/devflow/orchestrator/internal/orchestrator"
	"github.com/devflow/orchestrator/internal/toolbind"
	"github.com/devflow/orchestrator/internal/toolgateway"
)

// DefaultMaxToolIterations is the spec §4.5 default cap on a single slot
// invocation's tool-call loop.
const DefaultMaxToolIterations = 8

// Spec parameterizes one agent slot: {agent_name, system_prompt, model_id,
// tool_binder_strategy} per spec §4.5.
type Spec struct {
	Name           string
	SystemPrompt   string
	ModelID        string
	BinderStrategy toolbind.Strategy
}

// Known specialist kinds. This is a closed set per spec §9's "model agents
// as a closed set of variants" redesign note — adding a specialist means
// adding an entry here and a prompt, not a new dispatch branch.
const (
	KindSupervisor     = "supervisor"
	KindConversational = "conversational"
	KindFeatureDev     = "feature_dev"
	KindCodeReview     = "code_review"
	KindInfra          = "infra"
	KindCICD           = "cicd"
	KindDocs           = "docs"
)

// Registry is the closed mapping from agent name to its Spec. Concrete
// prompt text is out of scope (spec §1 names "the catalog of concrete
// agent prompts" as an external concern) — the placeholders here describe
// the slot's role, not production prompt copy.
type Registry map[string]Spec

// DefaultRegistry returns the five specialist slots plus the
// conversational handler, each bound to the model id cfg names for it.
func DefaultRegistry(modelPerAgent map[string]string, strategy toolbind.Strategy) Registry {
	reg := Registry{}
	for _, name := range []string{KindConversational, KindFeatureDev, KindCodeReview, KindInfra, KindCICD, KindDocs} {
		reg[name] = Spec{
			Name:           name,
			SystemPrompt:   defaultPrompt(name),
			ModelID:        modelPerAgent[name],
			BinderStrategy: strategy,
		}
	}
	return reg
}

func defaultPrompt(name string) string {
	return fmt.Sprintf("You are the %s specialist in a multi-agent development workflow.", strings.ReplaceAll(name, "_", " "))
}

// Slot is an invokable agent: one LLM client, one tool binder, one spec.
type Slot struct {
	spec          Spec
	chat          model.ChatModel
	binder        *toolbind.Binder
	gateway       *toolgateway.Client
	maxIterations int
}

// NewSlot constructs a Slot. maxIterations <= 0 uses
// DefaultMaxToolIterations.
func NewSlot(spec Spec, chat model.ChatModel, binder *toolbind.Binder, gateway *toolgateway.Client, maxIterations int) *Slot {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxToolIterations
	}
	return &Slot{spec: spec, chat: chat, binder: binder, gateway: gateway, maxIterations: maxIterations}
}

// Name returns the agent name this slot was bound to.
func (s *Slot) Name() string { return s.spec.Name }

// TokenFunc streams a single token of assistant output as it is produced,
// matching the emitter's content_token projection.
type TokenFunc func(token string)

// Hooks lets a caller observe one Invoke's progress without threading the
// observation through the returned StateDelta — the graph engine uses this
// to project content_token/tool_call_* events onto the event bus as they
// happen, rather than after the fact.
type Hooks struct {
	OnToken         TokenFunc
	OnToolCallStart func(orchestrator.ToolCall)
	OnToolCallEnd   func(orchestrator.ToolCall, orchestrator.Message)
}

// Invoke drives the full tool-calling loop described in spec §4.5: builds
// the message window, binds tools, calls the LLM, executes any requested
// tools against the gateway, and re-invokes until a final message is
// produced or maxIterations is exhausted. It returns a StateDelta ready to
// be merged via orchestrator.Reduce — it never mutates state itself. hooks
// may be nil.
func (s *Slot) Invoke(ctx context.Context, state orchestrator.WorkflowState, taskDescription string, hooks *Hooks) (orchestrator.StateDelta, error) {
	tools, err := s.binder.SelectTools(ctx, s.spec.Name, taskDescription, s.spec.BinderStrategy)
	if err != nil {
		return orchestrator.StateDelta{}, fmt.Errorf("select tools: %w", err)
	}
	toolSpecs := toModelToolSpecs(tools)

	messages := buildMessages(s.spec, state)
	var appended []orchestrator.Message

	for iteration := 0; iteration < s.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return orchestrator.StateDelta{AppendMessages: appended}, err
		}

		out, err := s.chatWithRetry(ctx, messages, toolSpecs)
		if err != nil {
			return orchestrator.StateDelta{}, err
		}
		if hooks != nil && hooks.OnToken != nil && out.Text != "" {
			hooks.OnToken(out.Text)
		}

		assistantMsg := orchestrator.Message{
			Role:      orchestrator.RoleAssistant,
			Content:   out.Text,
			ToolCalls: toOrchestratorToolCalls(out.ToolCalls),
		}
		messages = append(messages, assistantMsg)
		appended = append(appended, assistantMsg)

		if len(out.ToolCalls) == 0 {
			return orchestrator.StateDelta{AppendMessages: appended}, nil
		}

		resultMsgs := s.runToolCallsWithHooks(ctx, out.ToolCalls, hooks)
		messages = append(messages, resultMsgs...)
		appended = append(appended, resultMsgs...)
	}

	degraded := orchestrator.Message{
		Role:    orchestrator.RoleAssistant,
		Content: "I could not complete this task within the allotted tool-call iterations.",
	}
	appended = append(appended, degraded)
	return orchestrator.StateDelta{AppendMessages: appended}, nil
}

// runToolCallsWithHooks invokes each requested tool against the gateway,
// preserving the agent-declared ordering when appending tool-result
// messages (spec §5). Tool failures become error tool-result messages
// rather than aborting the node, so the agent can recover. The graph MAY
// run independent tool calls concurrently per spec §5, but since the
// gateway is the only shared resource here and ordering must still be
// preserved on append, this keeps calls sequential — a future fan-out
// would index results by i and sort before appending.
func (s *Slot) runToolCallsWithHooks(ctx context.Context, calls []model.ToolCall, hooks *Hooks) []orchestrator.Message {
	results := make([]orchestrator.Message, len(calls))
	for i, call := range calls {
		oc := orchestrator.ToolCall{ID: call.ID, Name: call.Name, Input: call.Input}
		if hooks != nil && hooks.OnToolCallStart != nil {
			hooks.OnToolCallStart(oc)
		}

		server, tool := splitToolName(call.Name)
		res, err := s.gateway.Invoke(ctx, server, tool, call.Input)

		var content string
		meta := map[string]interface{}{}
		switch {
		case err != nil:
			content = fmt.Sprintf("tool invocation failed: %v", err)
			meta["error"] = true
		case !res.Success:
			content = res.Error
			meta["error"] = true
		default:
			content = string(res.Result)
		}

		results[i] = orchestrator.Message{
			Role:       orchestrator.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
			Name:       call.Name,
			Meta:       meta,
		}
		if hooks != nil && hooks.OnToolCallEnd != nil {
			hooks.OnToolCallEnd(oc, results[i])
		}
	}
	return results
}

// splitToolName splits a "server/tool" qualified name used by the gateway;
// unqualified names are assumed to live on the "default" server.
func splitToolName(name string) (server, tool string) {
	if idx := strings.Index(name, "/"); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return "default", name
}

// chatWithRetry retries transient provider errors (429/503/network) up to
// 3 attempts with exponential backoff, per spec §4.5; other errors fail
// immediately and propagate to the graph's error handling.
func (s *Slot) chatWithRetry(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	const maxAttempts = 3
	base := 250 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		out, err := s.chat.Chat(ctx, messages, tools)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isTransient(err) {
			return model.ChatOut{}, err
		}
		if attempt == maxAttempts-1 {
			break
		}
		delay := base * time.Duration(1<<attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return model.ChatOut{}, ctx.Err()
		}
	}
	return model.ChatOut{}, fmt.Errorf("%w: %v", orchestrator.ErrTransientProvider, lastErr)
}

// isTransient defers classification to the provider adapter that produced
// err: each of internal/model/{anthropic,openai,google} inspects its own
// SDK's error type and wraps model.ErrTransient when the failure (rate
// limit, overload, 5xx) is worth retrying.
func isTransient(err error) bool {
	return errors.Is(err, model.ErrTransient)
}

func toModelToolSpecs(descriptors []toolbind.ToolDescriptor) []model.ToolSpec {
	out := make([]model.ToolSpec, len(descriptors))
	for i, d := range descriptors {
		out[i] = model.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			Schema:      d.ParametersSchema,
		}
	}
	return out
}

func toOrchestratorToolCalls(calls []model.ToolCall) []orchestrator.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]orchestrator.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = orchestrator.ToolCall{ID: c.ID, Name: c.Name, Input: c.Input}
	}
	return out
}

// buildMessages assembles [system] + state.messages + captured-insights
// injection, per spec §4.5 step (iii).
func buildMessages(spec Spec, state orchestrator.WorkflowState) []model.Message {
	messages := make([]model.Message, 0, len(state.Messages)+2)
	messages = append(messages, model.Message{Role: model.RoleSystem, Content: spec.SystemPrompt})

	if len(state.CapturedInsights) > 0 {
		var b strings.Builder
		b.WriteString("Prior agents captured these insights, oldest first:\n")
		for _, ins := range state.CapturedInsights {
			fmt.Fprintf(&b, "- [%s] %v\n", ins.AgentName, ins.Fact)
		}
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: b.String()})
	}

	for _, m := range state.Messages {
		messages = append(messages, model.Message{
			Role:       model.Role(m.Role),
			Content:    m.Content,
			ToolCalls:  toModelToolCalls(m.ToolCalls),
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		})
	}
	return messages
}

func toModelToolCalls(calls []orchestrator.ToolCall) []model.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]model.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = model.ToolCall{ID: c.ID, Name: c.Name, Input: c.Input}
	}
	return out
}
