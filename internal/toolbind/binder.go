package toolbind

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Strategy selects how many tools the Binder discloses to an agent slot.
type Strategy string

const (
	// StrategyMinimal keyword-matches the task against the agent's priority
	// list and caps the result at 10 tools.
	StrategyMinimal Strategy = "minimal"

	// StrategyProgressive starts from the priority list and adds
	// semantically related tools until a token budget is reached, capped
	// at 30 tools.
	StrategyProgressive Strategy = "progressive"

	// StrategyFull returns every tool advertised for the agent. Intended
	// for debugging/diagnostic use only.
	StrategyFull Strategy = "full"
)

const (
	minimalCap           = 10
	progressiveCap       = 30
	defaultTokenBudget   = 3000
	tiktokenEncodingName = "cl100k_base"
)

// ToolDescriptor is the shape the LLM client expects for tool binding.
type ToolDescriptor struct {
	Name             string
	Description      string
	ParametersSchema map[string]interface{}
	Server           string
}

// Gateway is the external ~170-tool registry. It is the only contract the
// Binder has with the out-of-scope tool gateway service.
type Gateway interface {
	// ListTools returns every tool descriptor advertised for agentName.
	ListTools(ctx context.Context, agentName string) ([]ToolDescriptor, error)

	// Related returns tools semantically related to query, ranked by
	// relevance, excluding anything in already. Backed by the gateway's
	// RAG/keyword index.
	Related(ctx context.Context, agentName, query string, already map[string]bool) ([]ToolDescriptor, error)
}

// PriorityList supplies each agent's hand-curated, high-signal tool subset
// used as the seed for minimal/progressive disclosure.
type PriorityList map[string][]string

type cacheKey struct {
	agent       string
	description string
	strategy    Strategy
}

// Binder implements progressive tool disclosure: given a task description
// and an agent identity, it selects a bounded set of tool descriptors from
// the gateway so the LLM's context stays within its tool-description token
// budget.
type Binder struct {
	gateway     Gateway
	priorities  PriorityList
	tokenBudget int

	mu    sync.Mutex
	cache map[cacheKey][]ToolDescriptor
	enc   *tiktoken.Tiktoken
}

// NewBinder creates a Binder over the given gateway and per-agent priority
// lists. tokenBudget of 0 uses the spec default (~3K tokens).
func NewBinder(gateway Gateway, priorities PriorityList, tokenBudget int) *Binder {
	if tokenBudget <= 0 {
		tokenBudget = defaultTokenBudget
	}
	enc, _ := tiktoken.GetEncoding(tiktokenEncodingName)
	return &Binder{
		gateway:     gateway,
		priorities:  priorities,
		tokenBudget: tokenBudget,
		cache:       make(map[cacheKey][]ToolDescriptor),
		enc:         enc,
	}
}

// SelectTools returns a bounded set of tool descriptors for agentName given
// taskDescription, per strategy. Results are cached per Binder, keyed by
// (agent, task description, strategy), and never evicted; the cache lives as
// long as the Binder does, so a Binder shared across workflow runs (as in
// cmd/orchestratord) serves cached selections to every run.
func (b *Binder) SelectTools(ctx context.Context, agentName, taskDescription string, strategy Strategy) ([]ToolDescriptor, error) {
	key := cacheKey{agent: agentName, description: taskDescription, strategy: strategy}

	b.mu.Lock()
	if cached, ok := b.cache[key]; ok {
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	all, err := b.gateway.ListTools(ctx, agentName)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]ToolDescriptor, len(all))
	for _, d := range all {
		byName[d.Name] = d
	}

	var selected []ToolDescriptor
	switch strategy {
	case StrategyFull:
		selected = all

	case StrategyMinimal:
		selected = b.priorityMatches(agentName, taskDescription, byName, minimalCap)

	case StrategyProgressive:
		selected, err = b.progressive(ctx, agentName, taskDescription, byName)
		if err != nil {
			return nil, err
		}

	default:
		selected = b.priorityMatches(agentName, taskDescription, byName, minimalCap)
	}

	b.mu.Lock()
	b.cache[key] = selected
	b.mu.Unlock()

	return selected, nil
}

// priorityMatches keyword-matches taskDescription against the agent's
// priority list, preserving priority-list order, capped at n.
func (b *Binder) priorityMatches(agentName, taskDescription string, byName map[string]ToolDescriptor, n int) []ToolDescriptor {
	lowered := strings.ToLower(taskDescription)
	var result []ToolDescriptor
	for _, name := range b.priorities[agentName] {
		d, ok := byName[name]
		if !ok {
			continue
		}
		if keywordMatches(lowered, d) {
			result = append(result, d)
			if len(result) >= n {
				return result
			}
		}
	}
	// If keyword matching found nothing, fall back to priority order
	// outright so the agent still has a usable minimal toolset.
	if len(result) == 0 {
		for _, name := range b.priorities[agentName] {
			if d, ok := byName[name]; ok {
				result = append(result, d)
				if len(result) >= n {
					break
				}
			}
		}
	}
	return result
}

func keywordMatches(lowered string, d ToolDescriptor) bool {
	for _, word := range strings.Fields(strings.ToLower(d.Name + " " + d.Description)) {
		word = strings.Trim(word, ".,:;()")
		if len(word) > 3 && strings.Contains(lowered, word) {
			return true
		}
	}
	return false
}

// progressive starts from the priority list and adds related tools from the
// gateway's index until the token budget or the 30-tool cap is reached.
func (b *Binder) progressive(ctx context.Context, agentName, taskDescription string, byName map[string]ToolDescriptor) ([]ToolDescriptor, error) {
	selected := b.priorityMatches(agentName, taskDescription, byName, progressiveCap)
	seen := make(map[string]bool, len(selected))
	for _, d := range selected {
		seen[d.Name] = true
	}

	budget := b.tokenBudget
	used := b.tokensFor(selected)

	for used < budget && len(selected) < progressiveCap {
		related, err := b.gateway.Related(ctx, agentName, taskDescription, seen)
		if err != nil {
			return nil, err
		}
		if len(related) == 0 {
			break
		}
		added := false
		for _, d := range related {
			if seen[d.Name] {
				continue
			}
			cost := b.tokensFor([]ToolDescriptor{d})
			if used+cost > budget {
				continue
			}
			selected = append(selected, d)
			seen[d.Name] = true
			used += cost
			added = true
			if len(selected) >= progressiveCap {
				break
			}
		}
		if !added {
			break
		}
	}

	sort.SliceStable(selected, func(i, j int) bool { return selected[i].Name < selected[j].Name })
	return selected, nil
}

func (b *Binder) tokensFor(descriptors []ToolDescriptor) int {
	total := 0
	for _, d := range descriptors {
		text := d.Name + " " + d.Description
		if b.enc != nil {
			total += len(b.enc.Encode(text, nil, nil))
			continue
		}
		// Fallback heuristic (~4 chars/token) if the encoder failed to load.
		total += len(text) / 4
	}
	return total
}
