// Package intent classifies an incoming user message into one of the
// routing intents the graph engine's entry node uses to pick a fast path.
package intent

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Intent is the classifier's output category.
type Intent string

const (
	QA               Intent = "QA"
	SimpleTask       Intent = "SIMPLE_TASK"
	MediumComplexity Intent = "MEDIUM_COMPLEXITY"
	HighComplexity   Intent = "HIGH_COMPLEXITY"
	ExplicitCommand  Intent = "EXPLICIT_COMMAND"
)

// confidenceThreshold below which the LLM fallback (if configured) is
// consulted.
const confidenceThreshold = 0.75

var questionPrefix = regexp.MustCompile(`(?i)^(what|how|why|explain|tell me|describe)\b`)

// simpleVerbs are read-mostly, single-agent action verbs.
var simpleVerbs = []string{"show", "list", "check", "view", "explain", "summarize"}

// complexVerbs suggest a write or multi-step change, pushing the message
// toward MEDIUM_COMPLEXITY.
var complexVerbs = []string{"implement", "fix", "deploy", "refactor", "migrate", "build", "write"}

// highComplexityHints suggest the task spans more than one specialist.
var highComplexityHints = []string{"and then", "after that", "across", "end to end", "end-to-end"}

// LLMFallback classifies a message when the heuristic pass has low
// confidence. It must run at temperature 0 for determinism.
type LLMFallback interface {
	Classify(ctx context.Context, message string) (Intent, float64, string, error)
}

// Classifier implements the classify(message, context) contract from spec
// §4.6: a fast heuristic pass, with an optional LLM fallback when the
// heuristic isn't confident.
type Classifier struct {
	fallback        LLMFallback
	heuristicBudget time.Duration
	fallbackBudget  time.Duration
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithFallback attaches an LLM fallback consulted when heuristic
// confidence is below threshold.
func WithFallback(f LLMFallback) Option {
	return func(c *Classifier) { c.fallback = f }
}

// New constructs a Classifier. Default latency budgets match spec §4.6: 30ms
// heuristic-only, 1s with LLM fallback.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		heuristicBudget: 30 * time.Millisecond,
		fallbackBudget:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result is the classify(...) contract's output.
type Result struct {
	Intent     Intent
	Confidence float64
	Reason     string
}

// Classify maps message to a Result. context currently carries nothing the
// heuristic pass consults, but is threaded through for the LLM fallback and
// future refinement (e.g. conversation history hints).
func (c *Classifier) Classify(ctx context.Context, message string, _ map[string]interface{}) Result {
	if r, ok := heuristic(message); ok && r.Confidence >= confidenceThreshold {
		return r
	}

	heuristicResult, _ := heuristic(message)
	if c.fallback == nil {
		return heuristicResult
	}

	fallbackCtx, cancel := context.WithTimeout(ctx, c.fallbackBudget)
	defer cancel()

	fbIntent, fbConfidence, fbReason, err := c.fallback.Classify(fallbackCtx, message)
	if err != nil {
		return heuristicResult
	}
	return Result{Intent: fbIntent, Confidence: fbConfidence, Reason: fbReason}
}

// heuristic runs the prefix/regex/keyword pass described in spec §4.6. The
// bool return is false only if no rule matched at all (message falls
// through to the low-confidence SIMPLE_TASK default).
func heuristic(message string) (Result, bool) {
	trimmed := strings.TrimSpace(message)
	lower := strings.ToLower(trimmed)

	if strings.HasPrefix(trimmed, "/") {
		return Result{Intent: ExplicitCommand, Confidence: 1.0, Reason: "message starts with /"}, true
	}

	if questionPrefix.MatchString(trimmed) {
		return Result{Intent: QA, Confidence: 0.9, Reason: "matches question prefix pattern"}, true
	}

	for _, hint := range highComplexityHints {
		if strings.Contains(lower, hint) {
			return Result{Intent: HighComplexity, Confidence: 0.8, Reason: "message spans multiple steps: " + hint}, true
		}
	}

	for _, verb := range complexVerbs {
		if containsWord(lower, verb) {
			return Result{Intent: MediumComplexity, Confidence: 0.85, Reason: "action verb: " + verb}, true
		}
	}

	for _, verb := range simpleVerbs {
		if containsWord(lower, verb) {
			return Result{Intent: SimpleTask, Confidence: 0.8, Reason: "read-mostly verb: " + verb}, true
		}
	}

	return Result{Intent: SimpleTask, Confidence: 0.4, Reason: "no heuristic rule matched"}, false
}

func containsWord(haystack, word string) bool {
	for _, tok := range strings.Fields(haystack) {
		if strings.Trim(tok, ".,!?;:") == word {
			return true
		}
	}
	return false
}
