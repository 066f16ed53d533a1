// Package prompt materializes system prompts from the graph-resident prompt
// subgraph (Role, Task, Protocol, Instruction, Rule). Assembled templates are
// cached with a short TTL; when the subgraph is missing a role, a statically
// compiled default keeps the pipeline functional.
package prompt

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/llitpux/observer/internal/graph"
)

// Role names used across the pipeline.
const (
	RoleGatekeeper = "Gatekeeper"
	RoleThinker    = "Thinker"
	RoleAnalyst    = "Analyst"
	RoleResponder  = "Responder"
	RoleResearcher = "Researcher"
	RoleSummarizer = "Summarizer"
)

// Assembler builds system prompts from the prompt subgraph.
type Assembler struct {
	q          graph.Querier
	graphName  string
	ttl        time.Duration
	onFallback func(role string)

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	prompt  string
	expires time.Time
}

// New creates an assembler. onFallback (may be nil) observes every assembly
// served from static defaults.
func New(q graph.Querier, graphName string, ttl time.Duration, onFallback func(role string)) *Assembler {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Assembler{
		q:          q,
		graphName:  graphName,
		ttl:        ttl,
		onFallback: onFallback,
		cache:      make(map[string]cacheEntry),
	}
}

// Assemble returns the system prompt for (role, task). An empty task picks
// the role's single task when unambiguous. The subgraph is authoritative;
// when the role is absent or the graph is unreachable the static default for
// that role is returned, so assembly never fails.
func (a *Assembler) Assemble(ctx context.Context, role, task string) (string, error) {
	key := role + "\x00" + task

	a.mu.RLock()
	entry, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.prompt, nil
	}

	prompt, err := a.build(ctx, role, task)
	if err != nil {
		// A graph blip must not stall the pipeline: serve the static default
		// and leave the cache alone so the next call retries the subgraph.
		if a.onFallback != nil {
			a.onFallback(role)
		}
		return StaticDefault(role), nil
	}
	if prompt == "" {
		prompt = StaticDefault(role)
		if a.onFallback != nil {
			a.onFallback(role)
		}
	}

	a.mu.Lock()
	a.cache[key] = cacheEntry{prompt: prompt, expires: time.Now().Add(a.ttl)}
	a.mu.Unlock()
	return prompt, nil
}

// Invalidate drops every cached template. Call after any write to the prompt
// subgraph.
func (a *Assembler) Invalidate() {
	a.mu.Lock()
	a.cache = make(map[string]cacheEntry)
	a.mu.Unlock()
}

// build traverses the subgraph. An empty string with nil error means the role
// is not present.
func (a *Assembler) build(ctx context.Context, role, task string) (string, error) {
	roleDesc, found, err := a.roleDescription(ctx, role)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}

	taskName, taskDesc, err := a.pickTask(ctx, role, task)
	if err != nil {
		return "", err
	}

	instructions, err := a.instructions(ctx, taskName)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ROLE: %s\n", roleDesc)
	fmt.Fprintf(&b, "TASK: %s\n", taskDesc)
	b.WriteString("PROTOCOL:\n")
	var allRules []rule
	for _, instr := range instructions {
		fmt.Fprintf(&b, "  - %s\n", instr.content)
		rules, err := a.rules(ctx, instr.name)
		if err != nil {
			return "", err
		}
		allRules = append(allRules, rules...)
	}
	b.WriteString("RULES:\n")
	sort.Slice(allRules, func(i, j int) bool { return allRules[i].name < allRules[j].name })
	for _, ru := range allRules {
		fmt.Fprintf(&b, "  * %s\n", ru.content)
	}
	return b.String(), nil
}

func (a *Assembler) roleDescription(ctx context.Context, role string) (string, bool, error) {
	cypher := fmt.Sprintf("MATCH (r:Role {name: '%s'}) RETURN r.description", graph.Escape(role))
	res, err := a.q.Query(ctx, a.graphName, cypher)
	if err != nil {
		return "", false, fmt.Errorf("query role %s: %w", role, err)
	}
	if res.Empty() || len(res.Rows[0]) == 0 {
		return "", false, nil
	}
	return graph.AsString(res.Rows[0][0]), true, nil
}

func (a *Assembler) pickTask(ctx context.Context, role, task string) (name, desc string, err error) {
	var cypher string
	if task != "" {
		cypher = fmt.Sprintf(
			"MATCH (r:Role {name: '%s'})-[:RESPONSIBLE_FOR]->(t:Task {name: '%s'}) RETURN t.name, t.description",
			graph.Escape(role), graph.Escape(task))
	} else {
		cypher = fmt.Sprintf(
			"MATCH (r:Role {name: '%s'})-[:RESPONSIBLE_FOR]->(t:Task) RETURN t.name, t.description",
			graph.Escape(role))
	}
	res, err := a.q.Query(ctx, a.graphName, cypher)
	if err != nil {
		return "", "", fmt.Errorf("query tasks for %s: %w", role, err)
	}
	if res.Empty() {
		return "", "", nil
	}
	row := res.Rows[0]
	if len(row) < 2 {
		return "", "", nil
	}
	return graph.AsString(row[0]), graph.AsString(row[1]), nil
}

type instruction struct {
	name    string
	content string
}

func (a *Assembler) instructions(ctx context.Context, taskName string) ([]instruction, error) {
	if taskName == "" {
		return nil, nil
	}
	// Both routes: through a protocol, or direct FOLLOWS.
	cypher := fmt.Sprintf(
		"MATCH (t:Task {name: '%s'}) "+
			"OPTIONAL MATCH (t)-[:FOLLOWS_PROTOCOL]->(:Protocol)-[:COMPOSED_OF]->(pi:Instruction) "+
			"OPTIONAL MATCH (t)-[:FOLLOWS]->(di:Instruction) "+
			"RETURN pi.name, pi.content, di.name, di.content",
		graph.Escape(taskName))
	res, err := a.q.Query(ctx, a.graphName, cypher)
	if err != nil {
		return nil, fmt.Errorf("query instructions for %s: %w", taskName, err)
	}
	seen := make(map[string]bool)
	var out []instruction
	for _, row := range res.Rows {
		for i := 0; i+1 < len(row); i += 2 {
			name := graph.AsString(row[i])
			content := graph.AsString(row[i+1])
			if name == "" || content == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, instruction{name: name, content: content})
		}
	}
	return out, nil
}

type rule struct {
	name    string
	content string
}

func (a *Assembler) rules(ctx context.Context, instructionName string) ([]rule, error) {
	cypher := fmt.Sprintf(
		"MATCH (i:Instruction {name: '%s'})-[:ENFORCES]->(ru:Rule) RETURN ru.name, ru.content ORDER BY ru.name",
		graph.Escape(instructionName))
	res, err := a.q.Query(ctx, a.graphName, cypher)
	if err != nil {
		return nil, fmt.Errorf("query rules for %s: %w", instructionName, err)
	}
	var out []rule
	for _, row := range res.Rows {
		if len(row) < 2 {
			continue
		}
		name := graph.AsString(row[0])
		content := graph.AsString(row[1])
		if content == "" {
			continue
		}
		out = append(out, rule{name: name, content: content})
	}
	return out, nil
}

// WithContext appends caller-provided runtime grounding below the template.
func WithContext(systemPrompt string, sections ...string) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	for _, s := range sections {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}
