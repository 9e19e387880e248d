// Package supervisor implements the Supervisor: an agent slot whose only
// job is deciding which specialist runs next, per spec §4.7. Its prompt
// constrains output to a fixed text format; this package parses that
// format and gracefully reinterprets anything else as conversational
// free text, the "observed failure mode" the spec calls out explicitly.
package supervisor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/devflow/orchestrator/internal/agent"
	"github.com/devflow/orchestrator/internal/orchestrator"
)

// Decision is the supervisor's structured output: {next_agent,
// requires_approval, reasoning} from spec §4.7.
type Decision struct {
	NextAgent        string
	RequiresApproval bool
	Reasoning        string

	// WellFormed is false when the supervisor emitted free-form text
	// instead of the fixed format; the graph must then treat the turn as
	// conversational and stream only Reasoning (here, the whole message).
	WellFormed bool
}

// nextAgentLine requires NEXT_AGENT: as a line prefix, optionally indented,
// to count as well-formed output — the precise detection regex the spec
// leaves implementation-chosen (§9 open question 3).
var (
	nextAgentLine = regexp.MustCompile(`(?m)^\s*NEXT_AGENT:\s*(.+)$`)
	approvalLine  = regexp.MustCompile(`(?m)^\s*REQUIRES_APPROVAL:\s*(.+)$`)
	reasoningLine = regexp.MustCompile(`(?m)^\s*REASONING:\s*(.+)$`)
)

// Supervisor wraps a routing-specialized agent.Slot and parses its output
// into a Decision.
type Supervisor struct {
	slot *agent.Slot
}

// New wraps slot (spec'd with agent.KindSupervisor) as a Supervisor.
func New(slot *agent.Slot) *Supervisor {
	return &Supervisor{slot: slot}
}

// Route drives one supervisor turn and returns its parsed Decision plus the
// StateDelta to merge (the underlying slot's appended messages).
func (s *Supervisor) Route(ctx context.Context, state orchestrator.WorkflowState) (Decision, orchestrator.StateDelta, error) {
	delta, err := s.slot.Invoke(ctx, state, lastUserTask(state), nil)
	if err != nil {
		return Decision{}, orchestrator.StateDelta{}, fmt.Errorf("supervisor invoke: %w", err)
	}

	text := lastAssistantText(delta.AppendMessages)
	return Parse(text), delta, nil
}

// Parse extracts a Decision from raw supervisor output. A message missing
// a well-formed NEXT_AGENT: line is treated as conversational free text per
// spec §4.7: Decision.WellFormed is false and NextAgent is
// agent.KindConversational.
func Parse(text string) Decision {
	nextMatch := nextAgentLine.FindStringSubmatch(text)
	if nextMatch == nil {
		return Decision{
			NextAgent:  agent.KindConversational,
			Reasoning:  strings.TrimSpace(text),
			WellFormed: false,
		}
	}

	d := Decision{
		NextAgent:  strings.TrimSpace(nextMatch[1]),
		WellFormed: true,
	}
	if m := approvalLine.FindStringSubmatch(text); m != nil {
		if b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(m[1]))); err == nil {
			d.RequiresApproval = b
		}
	}
	if m := reasoningLine.FindStringSubmatch(text); m != nil {
		d.Reasoning = strings.TrimSpace(m[1])
	}
	return d
}

// StreamFilter returns what should be forwarded to the user-facing SSE
// stream for a supervisor turn: nothing when routing happened via the fast
// path (entry routing already bypassed the supervisor so there is nothing
// to filter), and only the Reasoning extract otherwise — never the raw
// NEXT_AGENT:/REQUIRES_APPROVAL: control lines, per spec §4.8.
func (d Decision) StreamFilter() string {
	if !d.WellFormed {
		return d.Reasoning
	}
	return d.Reasoning
}

func lastUserTask(state orchestrator.WorkflowState) string {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == orchestrator.RoleUser {
			return state.Messages[i].Content
		}
	}
	return ""
}

func lastAssistantText(messages []orchestrator.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == orchestrator.RoleAssistant {
			return messages[i].Content
		}
	}
	return ""
}
