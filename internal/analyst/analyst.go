// Package analyst turns a triaged message into an executable plan.
package analyst

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/llitpux/observer/internal/bus"
	"github.com/llitpux/observer/internal/graph"
	"github.com/llitpux/observer/internal/llmjson"
	"github.com/llitpux/observer/internal/prompt"
	"github.com/llitpux/observer/internal/provider"
)

// Intents.
const (
	IntentQuestion  = "QUESTION"
	IntentCommand   = "COMMAND"
	IntentSmallTalk = "SMALL_TALK"
	IntentNoise     = "NOISE"
)

const planSchema = `{
  "type": "object",
  "properties": {
    "msg_uid": {"type": "string"},
    "intent": {"type": "string", "enum": ["QUESTION", "COMMAND", "SMALL_TALK", "NOISE"]},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "integer"},
          "action": {"type": "string", "enum": ["reply", "search_graph", "search_web", "fetch_user_profile", "remember_fact"]},
          "args": {"type": "object"},
          "depends_on": {"type": "array", "items": {"type": "integer"}}
        },
        "required": ["id", "action"]
      }
    }
  },
  "required": ["msg_uid", "intent", "tasks"]
}`

type planOutput struct {
	MsgUID string         `json:"msg_uid"`
	Intent string         `json:"intent"`
	Tasks  []bus.PlanTask `json:"tasks"`
}

// Store is the graph surface the analyst needs.
type Store interface {
	ChatContext(ctx context.Context, chatID int64, k int) ([]graph.ContextMessage, error)
	SaveAnalystSnapshot(ctx context.Context, snap bus.AnalystSnapshot) (string, error)
}

// ThoughtRecorder persists prompt/response pairs without blocking.
type ThoughtRecorder interface {
	Record(prompt, response, model string)
}

// Caller routes an LLM call.
type Caller interface {
	Call(ctx context.Context, messages []provider.Message) (content, providerUsed string, err error)
}

// Analyst produces plans.
type Analyst struct {
	store     Store
	thoughts  ThoughtRecorder
	llm       Caller
	prompts   *prompt.Assembler
	validator *llmjson.Validator
	logger    *slog.Logger
	historyK  int
	onRetry   func()
}

// New builds the analyst.
func New(store Store, thoughts ThoughtRecorder, llm Caller, prompts *prompt.Assembler, logger *slog.Logger, historyK int, onRetry func()) *Analyst {
	if historyK <= 0 {
		historyK = 5
	}
	return &Analyst{
		store:     store,
		thoughts:  thoughts,
		llm:       llm,
		prompts:   prompts,
		validator: llmjson.MustValidator(planSchema),
		logger:    logger,
		historyK:  historyK,
		onRetry:   onRetry,
	}
}

// Plan produces an AnalystSnapshot for one planning payload. An invalid plan
// after one retry degrades to the apology fallback; the snapshot is always
// usable.
func (a *Analyst) Plan(ctx context.Context, p bus.PlanningPayload) bus.AnalystSnapshot {
	snap := bus.AnalystSnapshot{
		ID:          uuid.NewString(),
		UID:         p.UID,
		ChatID:      p.ChatID,
		Timestamp:   p.Timestamp,
		Event:       p.Event,
		Verdict:     p.Verdict,
		Narrative:   p.Narrative,
		NarrativeID: p.NarrativeID,
	}

	intent, tasks, err := a.formulate(ctx, p)
	if err != nil {
		a.logger.Warn("analyst plan failed, using fallback", "uid", p.UID, "error", err)
		snap.Intent = IntentQuestion
		snap.Tasks = FallbackPlan()
		snap.Fallback = true
	} else {
		snap.Intent = intent
		snap.Tasks = tasks
	}

	if _, err := a.store.SaveAnalystSnapshot(ctx, snap); err != nil {
		a.logger.Warn("analyst snapshot save failed", "uid", p.UID, "error", err)
	}
	return snap
}

func (a *Analyst) formulate(ctx context.Context, p bus.PlanningPayload) (string, []bus.PlanTask, error) {
	system, err := a.prompts.Assemble(ctx, prompt.RoleAnalyst, "")
	if err != nil {
		return "", nil, fmt.Errorf("assemble prompt: %w", err)
	}

	userMsg := a.renderInput(ctx, p)
	messages := []provider.Message{provider.System(system), provider.User(userMsg)}

	out, providerUsed, err := a.llm.Call(ctx, messages)
	if err != nil {
		return "", nil, err
	}
	a.thoughts.Record(userMsg, out, providerUsed)

	parsed, vErr := a.parse(out)
	if vErr != nil {
		if a.onRetry != nil {
			a.onRetry()
		}
		retry := append(messages,
			provider.Assistant(out),
			provider.User(llmjson.RetryReminder(vErr.Error())))
		out, providerUsed, err = a.llm.Call(ctx, retry)
		if err != nil {
			return "", nil, err
		}
		a.thoughts.Record("(retry)", out, providerUsed)
		parsed, vErr = a.parse(out)
		if vErr != nil {
			return "", nil, fmt.Errorf("plan invalid after retry: %w", vErr)
		}
	}
	return parsed.Intent, parsed.Tasks, nil
}

// parse combines schema validation with plan-level structural validation so
// a schema-valid but cyclic plan also triggers the retry.
func (a *Analyst) parse(out string) (*planOutput, error) {
	var parsed planOutput
	if err := a.validator.Validate(out, &parsed); err != nil {
		return nil, err
	}
	if err := ValidatePlan(parsed.Tasks); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (a *Analyst) renderInput(ctx context.Context, p bus.PlanningPayload) string {
	var b strings.Builder

	history, err := a.store.ChatContext(ctx, p.ChatID, a.historyK)
	if err != nil {
		a.logger.Warn("analyst history fetch failed", "chat_id", p.ChatID, "error", err)
	}
	if len(history) > 0 {
		b.WriteString("ІСТОРІЯ ЧАТУ:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "[%s] %s: %s\n", m.Name, m.Author, m.Text)
		}
		b.WriteString("\n")
	}
	if p.Narrative != "" {
		fmt.Fprintf(&b, "ОПОВІДЬ МИСЛИТЕЛЯ: %s\n\n", p.Narrative)
	}
	fmt.Fprintf(&b, "ВЕРДИКТ: target=%s, depth=%s, tone=%s\n\n",
		p.Verdict.Target, p.Verdict.RequiredDepth, p.Verdict.ToneHint)
	fmt.Fprintf(&b, "ПОВІДОМЛЕННЯ (uid %s) від %s:\n%s\n\n", p.UID, p.Event.SenderName, p.Event.Text)
	fmt.Fprintf(&b, "Поверни JSON: {\"msg_uid\": \"%s\", \"intent\": ..., \"tasks\": [...]}. "+
		"Дозволені дії: reply, search_graph, search_web, fetch_user_profile, remember_fact. "+
		"План мусить завершуватись дією reply.", p.UID)
	return b.String()
}
