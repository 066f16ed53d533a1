// Package researcher turns a natural-language question into a read-only
// graph query, executes it, and summarizes the rows. Generated Cypher is
// validated before execution; a rejected query is never run.
package researcher

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/llitpux/observer/internal/graph"
	"github.com/llitpux/observer/internal/prompt"
	"github.com/llitpux/observer/internal/provider"
)

const maxIterations = 2

// MaxLimit bounds the row count of any generated query.
const MaxLimit = 50

// ErrRejected marks a generated query that failed validation.
var ErrRejected = fmt.Errorf("researcher: query rejected")

// schemaSummary describes the primary graph to the model.
const schemaSummary = `СХЕМА ГРАФА PrimaryMemory:
Вузли: User {telegram_id, name, username}, Agent {telegram_id, name},
Chat {chat_id, name, type}, Message {uid, message_id, text, created_at, name},
Year {value}, Day {date}, Topic {title, status}, Entity {name, type},
DaySummary {date, text}.
Зв'язки: (User)-[:AUTHORED]->(Message), (Agent)-[:GENERATED]->(Message),
(Message)-[:HAPPENED_IN]->(Chat), (Message)-[:HAPPENED_AT {time}]->(Day),
(Year)-[:MONTH {number}]->(Day), (Chat)-[:LAST_EVENT]->(Message),
(Message)-[:NEXT]->(Message), (Message)-[:DISCUSSES]->(Topic),
(Topic)-[:INVOLVES]->(Entity), (Message)-[:MENTIONS]->(Entity).`

// GraphReader executes validated read-only queries.
type GraphReader interface {
	ReadQuery(ctx context.Context, cypher string) (*graph.Result, error)
}

// Caller routes an LLM call.
type Caller interface {
	Call(ctx context.Context, messages []provider.Message) (content, providerUsed string, err error)
}

// Researcher answers questions from the graph.
type Researcher struct {
	store   GraphReader
	llm     Caller
	prompts *prompt.Assembler
	logger  *slog.Logger
}

// New builds the researcher.
func New(store GraphReader, llm Caller, prompts *prompt.Assembler, logger *slog.Logger) *Researcher {
	return &Researcher{store: store, llm: llm, prompts: prompts, logger: logger}
}

// Research runs up to two generate-validate-execute iterations and returns a
// natural-language summary of what was found. A validation failure returns
// ErrRejected without executing anything.
func (r *Researcher) Research(ctx context.Context, question string) (string, error) {
	system, err := r.prompts.Assemble(ctx, prompt.RoleResearcher, "")
	if err != nil {
		return "", fmt.Errorf("assemble prompt: %w", err)
	}

	refinement := ""
	for iteration := 1; iteration <= maxIterations; iteration++ {
		cypher, err := r.generateQuery(ctx, system, question, refinement)
		if err != nil {
			return "", err
		}
		if err := ValidateQuery(cypher); err != nil {
			return "", fmt.Errorf("%w: %v", ErrRejected, err)
		}

		res, err := r.store.ReadQuery(ctx, cypher)
		if err != nil {
			return "", fmt.Errorf("execute research query: %w", err)
		}
		if res.Empty() {
			if iteration < maxIterations {
				refinement = fmt.Sprintf(
					"Попередній запит нічого не знайшов:\n%s\nСпробуй інакше: послаб умови або шукай за іншими властивостями.", cypher)
				continue
			}
			return "Нічого не знайдено в графі пам'яті.", nil
		}
		return r.summarize(ctx, question, res)
	}
	return "Нічого не знайдено в графі пам'яті.", nil
}

func (r *Researcher) generateQuery(ctx context.Context, system, question, refinement string) (string, error) {
	var b strings.Builder
	b.WriteString(schemaSummary)
	fmt.Fprintf(&b, "\n\nПИТАННЯ: %s\n", question)
	if refinement != "" {
		b.WriteString("\n" + refinement + "\n")
	}
	fmt.Fprintf(&b, "\nНапиши ОДИН Cypher-запит лише для читання з LIMIT не більше %d. Поверни тільки запит.", MaxLimit)

	out, _, err := r.llm.Call(ctx, []provider.Message{provider.System(system), provider.User(b.String())})
	if err != nil {
		return "", fmt.Errorf("generate query: %w", err)
	}
	return CleanQuery(out), nil
}

func (r *Researcher) summarize(ctx context.Context, question string, res *graph.Result) (string, error) {
	var rows strings.Builder
	for i, row := range res.Rows {
		cells := make([]string, len(row))
		for j, cell := range row {
			cells[j] = graph.AsString(cell)
		}
		fmt.Fprintf(&rows, "%d. %s\n", i+1, strings.Join(cells, " | "))
	}

	userMsg := fmt.Sprintf(
		"ПИТАННЯ: %s\n\nРЕЗУЛЬТАТИ ЗАПИТУ (%s):\n%s\nСтисло підсумуй українською, що це означає для питання.",
		question, strings.Join(res.Columns, " | "), rows.String())

	out, _, err := r.llm.Call(ctx, []provider.Message{provider.User(userMsg)})
	if err != nil {
		// rows are still useful raw
		r.logger.Warn("research summary failed, returning raw rows", "error", err)
		return rows.String(), nil
	}
	return out, nil
}

// CleanQuery strips code fences and surrounding prose from model output.
func CleanQuery(out string) string {
	out = strings.TrimSpace(out)
	if idx := strings.Index(out, "```"); idx >= 0 {
		rest := out[idx+3:]
		rest = strings.TrimPrefix(rest, "cypher")
		rest = strings.TrimPrefix(rest, "\n")
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		out = strings.TrimSpace(rest)
	}
	// keep from the first MATCH onward
	if idx := strings.Index(strings.ToUpper(out), "MATCH"); idx > 0 {
		out = out[idx:]
	}
	return strings.TrimSpace(out)
}

var forbiddenKeywords = func() map[string]*regexp.Regexp {
	words := []string{
		"CREATE", "MERGE", "DELETE", "DETACH", "SET", "REMOVE", "DROP",
		"CALL", "LOAD", "FOREACH",
	}
	out := make(map[string]*regexp.Regexp, len(words))
	for _, w := range words {
		out[w] = regexp.MustCompile(`\b` + w + `\b`)
	}
	return out
}()

var limitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)

// ValidateQuery enforces the read-only contract: starts with MATCH, has a
// RETURN, carries a LIMIT of at most MaxLimit, and contains no write or
// procedure keywords.
func ValidateQuery(cypher string) error {
	trimmed := strings.TrimSpace(cypher)
	if trimmed == "" {
		return fmt.Errorf("empty query")
	}
	upper := strings.ToUpper(trimmed)

	if !strings.HasPrefix(upper, "MATCH") {
		return fmt.Errorf("query must start with MATCH")
	}
	if !strings.Contains(upper, "RETURN") {
		return fmt.Errorf("query must contain RETURN")
	}
	for word, re := range forbiddenKeywords {
		if re.MatchString(upper) {
			return fmt.Errorf("forbidden keyword %s", word)
		}
	}

	m := limitPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return fmt.Errorf("query must carry a LIMIT")
	}
	limit, err := strconv.Atoi(m[1])
	if err != nil || limit < 1 || limit > MaxLimit {
		return fmt.Errorf("LIMIT must be between 1 and %d", MaxLimit)
	}
	return nil
}
