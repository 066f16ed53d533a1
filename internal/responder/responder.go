// Package responder composes and sends the final chat reply. The sent message
// is looped back into ingestion so the agent's own words become part of its
// memory.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/llitpux/observer/internal/bus"
	"github.com/llitpux/observer/internal/gatekeeper"
	"github.com/llitpux/observer/internal/prompt"
	"github.com/llitpux/observer/internal/provider"
)

// staticApology is sent verbatim when no provider could produce a reply to a
// direct address.
const staticApology = "Вибач, у мене зараз технічні негаразди. Повернусь трохи згодом."

// Sender delivers a reply to the chat transport.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) (messageID int64, err error)
}

// Caller routes an LLM call.
type Caller interface {
	Call(ctx context.Context, messages []provider.Message) (content, providerUsed string, err error)
}

// ThoughtRecorder persists prompt/response pairs without blocking.
type ThoughtRecorder interface {
	Record(prompt, response, model string)
}

// Responder turns a context bundle into an outbound message.
type Responder struct {
	sender    Sender
	llm       Caller
	prompts   *prompt.Assembler
	thoughts  ThoughtRecorder
	logger    *slog.Logger
	agentID   int64
	agentName string
	loopback  func(bus.InboundEvent)
	onReply   func()
	now       func() time.Time
}

// New builds the responder. loopback receives the sent reply as an agent
// event; onReply fires once per delivered message.
func New(sender Sender, llm Caller, prompts *prompt.Assembler, thoughts ThoughtRecorder, logger *slog.Logger, agentID int64, agentName string, loopback func(bus.InboundEvent), onReply func()) *Responder {
	return &Responder{
		sender:    sender,
		llm:       llm,
		prompts:   prompts,
		thoughts:  thoughts,
		logger:    logger,
		agentID:   agentID,
		agentName: agentName,
		loopback:  loopback,
		onReply:   onReply,
		now:       time.Now,
	}
}

// Respond composes a reply for the bundle and sends it. A composition failure
// degrades to a static apology when the message addressed the agent directly;
// contextual replies are silently dropped instead.
func (r *Responder) Respond(ctx context.Context, bundle bus.ContextBundle) error {
	text, err := r.compose(ctx, bundle)
	if err != nil {
		if bundle.Snapshot.Verdict.Target != gatekeeper.TargetDirect {
			r.logger.Warn("reply composition failed, dropping contextual reply",
				"uid", bundle.Snapshot.UID, "error", err)
			return nil
		}
		r.logger.Warn("reply composition failed, sending apology",
			"uid", bundle.Snapshot.UID, "error", err)
		text = staticApology
	}

	msgID, err := r.sender.SendMessage(ctx, bundle.Snapshot.ChatID, text)
	if err != nil {
		return fmt.Errorf("send reply for %s: %w", bundle.Snapshot.UID, err)
	}
	if r.onReply != nil {
		r.onReply()
	}

	if r.loopback != nil {
		r.loopback(bus.InboundEvent{
			ChatID:     bundle.Snapshot.ChatID,
			ChatName:   bundle.Snapshot.Event.ChatName,
			ChatType:   bundle.Snapshot.Event.ChatType,
			MessageID:  msgID,
			Source:     bus.SourceAgent,
			SenderID:   r.agentID,
			SenderName: r.agentName,
			Text:       text,
			Timestamp:  float64(r.now().Unix()),
		})
	}
	return nil
}

func (r *Responder) compose(ctx context.Context, bundle bus.ContextBundle) (string, error) {
	system, err := r.prompts.Assemble(ctx, prompt.RoleResponder, "")
	if err != nil {
		return "", fmt.Errorf("assemble prompt: %w", err)
	}

	userMsg := r.renderInput(bundle)
	out, providerUsed, err := r.llm.Call(ctx, []provider.Message{provider.System(system), provider.User(userMsg)})
	if err != nil {
		return "", err
	}
	r.thoughts.Record(userMsg, out, providerUsed)

	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty reply from model")
	}
	return out, nil
}

func (r *Responder) renderInput(bundle bus.ContextBundle) string {
	snap := bundle.Snapshot
	var b strings.Builder

	fmt.Fprintf(&b, "ПОВІДОМЛЕННЯ від %s:\n%s\n\n", snap.Event.SenderName, snap.Event.Text)
	fmt.Fprintf(&b, "ТОН: %s, АДРЕСАЦІЯ: %s\n\n", snap.Verdict.ToneHint, snap.Verdict.Target)
	if snap.Narrative != "" {
		fmt.Fprintf(&b, "ТВОЄ РОЗУМІННЯ СИТУАЦІЇ: %s\n\n", snap.Narrative)
	}

	if len(bundle.Outputs) > 0 {
		b.WriteString("РЕЗУЛЬТАТИ ДОСЛІДЖЕННЯ:\n")
		for _, o := range bundle.Outputs {
			if o.Action == bus.ActionReply {
				continue
			}
			switch o.Status {
			case bus.TaskStatusOK:
				fmt.Fprintf(&b, "- [%s] %s\n", o.Action, o.Result)
			case bus.TaskStatusRejected:
				fmt.Fprintf(&b, "- [%s] запит відхилено\n", o.Action)
			case bus.TaskStatusTimedOut:
				fmt.Fprintf(&b, "- [%s] не встиг відповісти\n", o.Action)
			default:
				fmt.Fprintf(&b, "- [%s] недоступно\n", o.Action)
			}
		}
		b.WriteString("\n")
	}

	switch bundle.ReplyStyle {
	case "apology":
		b.WriteString("Вибачся коротко: ти не зміг як слід обробити повідомлення.\n")
	case "":
	default:
		fmt.Fprintf(&b, "СТИЛЬ ВІДПОВІДІ: %s\n", bundle.ReplyStyle)
	}
	fmt.Fprintf(&b, "Напиши відповідь у чат від імені %s. Тільки текст відповіді, без пояснень.", r.agentName)
	return b.String()
}
