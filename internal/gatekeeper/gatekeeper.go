// Package gatekeeper runs the cheap local triage classifier. Its verdict
// decides whether a message gets any downstream LLM attention at all.
package gatekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/llitpux/observer/internal/bus"
	"github.com/llitpux/observer/internal/graph"
	"github.com/llitpux/observer/internal/llmjson"
	"github.com/llitpux/observer/internal/prompt"
	"github.com/llitpux/observer/internal/provider"
)

// Verdict targets.
const (
	TargetDirect     = "DIRECT"
	TargetContextual = "CONTEXTUAL"
	TargetNobody     = "NOBODY"
	TargetOtherUser  = "OTHER_USER"
)

// Verdict depths.
const (
	DepthQuickReply   = "QUICK_REPLY"
	DepthDeepAnalysis = "DEEP_ANALYSIS"
	DepthSkip         = "SKIP"
)

// Verdict tones.
const (
	ToneHumor   = "HUMOR"
	ToneSerious = "SERIOUS"
	ToneNeutral = "NEUTRAL"
)

const verdictSchema = `{
  "type": "object",
  "properties": {
    "target": {"type": "string", "enum": ["DIRECT", "CONTEXTUAL", "NOBODY", "OTHER_USER"]},
    "required_depth": {"type": "string", "enum": ["QUICK_REPLY", "DEEP_ANALYSIS", "SKIP"]},
    "tone_hint": {"type": "string", "enum": ["HUMOR", "SERIOUS", "NEUTRAL"]}
  },
  "required": ["target", "required_depth", "tone_hint"],
  "additionalProperties": false
}`

// ContextReader is the graph surface the gatekeeper needs.
type ContextReader interface {
	ChatContext(ctx context.Context, chatID int64, k int) ([]graph.ContextMessage, error)
}

// Gatekeeper classifies messages with a local model.
type Gatekeeper struct {
	store     ContextReader
	model     provider.Provider
	prompts   *prompt.Assembler
	validator *llmjson.Validator
	logger    *slog.Logger
	agentName string
	historyK  int
	onRetry   func()
}

// New builds the gatekeeper. onRetry (may be nil) observes validation
// retries.
func New(store ContextReader, model provider.Provider, prompts *prompt.Assembler, logger *slog.Logger, agentName string, historyK int, onRetry func()) *Gatekeeper {
	if historyK <= 0 {
		historyK = 5
	}
	return &Gatekeeper{
		store:     store,
		model:     model,
		prompts:   prompts,
		validator: llmjson.MustValidator(verdictSchema),
		logger:    logger,
		agentName: agentName,
		historyK:  historyK,
		onRetry:   onRetry,
	}
}

// Triage produces the verdict for a persisted message. It never returns an
// error verdict: classification failure degrades to {NOBODY, SKIP} unless a
// hard trigger fired.
func (g *Gatekeeper) Triage(ctx context.Context, p bus.TriagePayload) bus.Verdict {
	// Media triggers bypass the classifier entirely.
	if p.Event.MediaKind != "" {
		return bus.Verdict{Target: TargetDirect, RequiredDepth: DepthQuickReply, ToneHint: ToneNeutral}
	}

	named := g.mentionsAgent(p.Event.Text)

	verdict, err := g.classify(ctx, p)
	if err != nil {
		g.logger.Warn("gatekeeper classification failed", "uid", p.UID, "error", err)
		if named {
			return bus.Verdict{Target: TargetDirect, RequiredDepth: DepthQuickReply, ToneHint: ToneNeutral}
		}
		return bus.Verdict{Target: TargetNobody, RequiredDepth: DepthSkip, ToneHint: ToneNeutral}
	}

	// Explicit naming overrides whatever the model said about the addressee.
	if named {
		verdict.Target = TargetDirect
		if verdict.RequiredDepth == DepthSkip {
			verdict.RequiredDepth = DepthQuickReply
		}
	}
	return verdict
}

// ShouldProcess reports whether a verdict continues the pipeline.
func ShouldProcess(v bus.Verdict) bool {
	if v.RequiredDepth == DepthSkip {
		return false
	}
	return v.Target == TargetDirect || v.Target == TargetContextual
}

func (g *Gatekeeper) mentionsAgent(text string) bool {
	if g.agentName == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(g.agentName))
}

func (g *Gatekeeper) classify(ctx context.Context, p bus.TriagePayload) (bus.Verdict, error) {
	system, err := g.prompts.Assemble(ctx, prompt.RoleGatekeeper, "")
	if err != nil {
		return bus.Verdict{}, fmt.Errorf("assemble prompt: %w", err)
	}

	history, err := g.store.ChatContext(ctx, p.ChatID, g.historyK)
	if err != nil {
		g.logger.Warn("gatekeeper context fetch failed", "chat_id", p.ChatID, "error", err)
	}

	userMsg := g.renderInput(p, history)
	messages := []provider.Message{provider.System(system), provider.User(userMsg)}

	var verdict bus.Verdict
	out, err := g.model.Complete(ctx, messages)
	if err != nil {
		return bus.Verdict{}, err
	}
	if vErr := g.validator.Validate(out, &verdict); vErr != nil {
		if g.onRetry != nil {
			g.onRetry()
		}
		retry := append(messages,
			provider.Assistant(out),
			provider.User(llmjson.RetryReminder(vErr.Error())))
		out, err = g.model.Complete(ctx, retry)
		if err != nil {
			return bus.Verdict{}, err
		}
		if vErr := g.validator.Validate(out, &verdict); vErr != nil {
			return bus.Verdict{}, fmt.Errorf("verdict invalid after retry: %w", vErr)
		}
	}
	return verdict, nil
}

func (g *Gatekeeper) renderInput(p bus.TriagePayload, history []graph.ContextMessage) string {
	var b strings.Builder
	b.WriteString("ОСТАННІ ПОВІДОМЛЕННЯ ЧАТУ:\n")
	for _, m := range history {
		if m.UID == p.UID {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Name, m.Author, m.Text)
	}
	fmt.Fprintf(&b, "\nНОВЕ ПОВІДОМЛЕННЯ від %s:\n%s\n", p.Event.SenderName, p.Event.Text)
	fmt.Fprintf(&b, "\nІм'я агента: %s\n", g.agentName)
	b.WriteString("Поверни вердикт у форматі JSON: {\"target\": ..., \"required_depth\": ..., \"tone_hint\": ...}")
	return b.String()
}
