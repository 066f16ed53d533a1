// Package thinker performs semantic analysis: it maps each message onto
// topics and entities and writes a short narrative of the situation.
package thinker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/llitpux/observer/internal/bus"
	"github.com/llitpux/observer/internal/graph"
	"github.com/llitpux/observer/internal/llmjson"
	"github.com/llitpux/observer/internal/prompt"
	"github.com/llitpux/observer/internal/provider"
)

const outputSchema = `{
  "type": "object",
  "properties": {
    "msg_uid": {"type": "string"},
    "topics": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "is_new": {"type": "boolean"}
        },
        "required": ["title", "is_new"]
      }
    },
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"type": "string", "enum": ["Technology", "Person", "Concept", "Tool"]}
        },
        "required": ["name", "type"]
      }
    },
    "narrative": {"type": "string"}
  },
  "required": ["msg_uid", "topics", "entities", "narrative"]
}`

type output struct {
	MsgUID    string          `json:"msg_uid"`
	Topics    []bus.TopicRef  `json:"topics"`
	Entities  []bus.EntityRef `json:"entities"`
	Narrative string          `json:"narrative"`
}

// Store is the graph surface the thinker needs.
type Store interface {
	ChatContext(ctx context.Context, chatID int64, k int) ([]graph.ContextMessage, error)
	ActiveTopics(ctx context.Context, limit int) ([]string, error)
	EntityTypes(ctx context.Context) ([]string, error)
	WeeklySummaries(ctx context.Context) ([]string, error)
	SaveNarrative(ctx context.Context, msgUID, narrative, model string) (string, error)
}

// ThoughtRecorder persists prompt/response pairs without blocking.
type ThoughtRecorder interface {
	Record(prompt, response, model string)
	RecentResponses(ctx context.Context, window time.Duration, limit int) ([]string, error)
}

// Caller routes an LLM call and reports which provider served it.
type Caller interface {
	Call(ctx context.Context, messages []provider.Message) (content, providerUsed string, err error)
}

// Thinker enriches messages semantically.
type Thinker struct {
	store     Store
	thoughts  ThoughtRecorder
	llm       Caller
	prompts   *prompt.Assembler
	validator *llmjson.Validator
	logger    *slog.Logger
	historyK  int
	onRetry   func()
}

// New builds the thinker. onRetry (may be nil) observes validation retries.
func New(store Store, thoughts ThoughtRecorder, llm Caller, prompts *prompt.Assembler, logger *slog.Logger, historyK int, onRetry func()) *Thinker {
	if historyK <= 0 {
		historyK = 5
	}
	return &Thinker{
		store:     store,
		thoughts:  thoughts,
		llm:       llm,
		prompts:   prompts,
		validator: llmjson.MustValidator(outputSchema),
		logger:    logger,
		historyK:  historyK,
		onRetry:   onRetry,
	}
}

// Analyze runs semantic analysis for one message. On unrecoverable LLM or
// validation failure it returns an empty enrichment so the pipeline
// continues.
func (t *Thinker) Analyze(ctx context.Context, p bus.AnalysisPayload) (bus.EnrichmentPayload, string) {
	empty := bus.EnrichmentPayload{UID: p.UID}

	system, err := t.prompts.Assemble(ctx, prompt.RoleThinker, "")
	if err != nil {
		t.logger.Warn("thinker prompt assembly failed", "uid", p.UID, "error", err)
		return empty, ""
	}

	userMsg := t.renderInput(ctx, p)
	messages := []provider.Message{provider.System(system), provider.User(userMsg)}

	out, providerUsed, err := t.llm.Call(ctx, messages)
	if err != nil {
		t.logger.Warn("thinker llm call failed", "uid", p.UID, "error", err)
		return empty, ""
	}
	t.thoughts.Record(userMsg, out, providerUsed)

	var parsed output
	if vErr := t.validator.Validate(out, &parsed); vErr != nil {
		if t.onRetry != nil {
			t.onRetry()
		}
		retry := append(messages,
			provider.Assistant(out),
			provider.User(llmjson.RetryReminder(vErr.Error())))
		out, providerUsed, err = t.llm.Call(ctx, retry)
		if err != nil {
			t.logger.Warn("thinker retry call failed", "uid", p.UID, "error", err)
			return empty, ""
		}
		t.thoughts.Record("(retry)", out, providerUsed)
		if vErr := t.validator.Validate(out, &parsed); vErr != nil {
			t.logger.Warn("thinker output invalid after retry", "uid", p.UID, "error", vErr)
			return empty, ""
		}
	}

	narrativeID := ""
	if parsed.Narrative != "" {
		narrativeID, err = t.store.SaveNarrative(ctx, p.UID, parsed.Narrative, providerUsed)
		if err != nil {
			t.logger.Warn("narrative save failed", "uid", p.UID, "error", err)
		}
	}

	enrichment := bus.EnrichmentPayload{
		UID:       p.UID,
		Topics:    parsed.Topics,
		Entities:  parsed.Entities,
		Narrative: parsed.Narrative,
	}
	return enrichment, narrativeID
}

// renderInput folds the message, recent history, active topics, known entity
// types, recent thoughts and weekly summaries into the user turn.
func (t *Thinker) renderInput(ctx context.Context, p bus.AnalysisPayload) string {
	var b strings.Builder

	history, err := t.store.ChatContext(ctx, p.ChatID, t.historyK)
	if err != nil {
		t.logger.Warn("thinker history fetch failed", "chat_id", p.ChatID, "error", err)
	}
	if len(history) > 0 {
		b.WriteString("ІСТОРІЯ ЧАТУ:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "[%s] %s: %s\n", m.Name, m.Author, m.Text)
		}
		b.WriteString("\n")
	}

	if topics, err := t.store.ActiveTopics(ctx, 20); err == nil && len(topics) > 0 {
		fmt.Fprintf(&b, "АКТИВНІ ТЕМИ: %s\n", strings.Join(topics, "; "))
	}
	if types, err := t.store.EntityTypes(ctx); err == nil && len(types) > 0 {
		fmt.Fprintf(&b, "ВІДОМІ ТИПИ СУТНОСТЕЙ: %s\n", strings.Join(types, ", "))
	}
	if thoughts, err := t.thoughts.RecentResponses(ctx, 24*time.Hour, 5); err == nil && len(thoughts) > 0 {
		b.WriteString("НЕЩОДАВНІ МІРКУВАННЯ:\n")
		for _, th := range thoughts {
			fmt.Fprintf(&b, "- %s\n", th)
		}
	}
	if summaries, err := t.store.WeeklySummaries(ctx); err == nil && len(summaries) > 0 {
		b.WriteString("ПІДСУМКИ ОСТАННІХ ДНІВ:\n")
		for _, s := range summaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	fmt.Fprintf(&b, "\nПОВІДОМЛЕННЯ (uid %s) від %s:\n%s\n", p.UID, p.Event.SenderName, p.Event.Text)
	fmt.Fprintf(&b, "\nПоверни JSON з полями msg_uid, topics, entities, narrative. msg_uid має дорівнювати \"%s\".", p.UID)
	return b.String()
}
