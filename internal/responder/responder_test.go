package responder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/llitpux/observer/internal/bus"
	"github.com/llitpux/observer/internal/gatekeeper"
	"github.com/llitpux/observer/internal/graph"
	"github.com/llitpux/observer/internal/prompt"
	"github.com/llitpux/observer/internal/provider"
)

type fakeSender struct {
	chatID int64
	texts  []string
	nextID int64
	err    error
}

func (f *fakeSender) SendMessage(_ context.Context, chatID int64, text string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.chatID = chatID
	f.texts = append(f.texts, text)
	f.nextID++
	return f.nextID, nil
}

type fakeCaller struct {
	response string
	err      error
	calls    int
}

func (f *fakeCaller) Call(_ context.Context, _ []provider.Message) (string, string, error) {
	f.calls++
	return f.response, "cli_gemini", f.err
}

type fakeThoughts struct{}

func (fakeThoughts) Record(_, _, _ string) {}

type emptyGraph struct{}

func (emptyGraph) Query(_ context.Context, _, _ string) (*graph.Result, error) {
	return &graph.Result{}, nil
}

func testBundle(target string) bus.ContextBundle {
	e := bus.InboundEvent{ChatID: 9, ChatName: "друзі", ChatType: "group", MessageID: 300, Source: bus.SourceUser, SenderID: 42, SenderName: "Alice", Text: "Бобре, який день?", Timestamp: 1738670000}
	return bus.ContextBundle{
		Snapshot: bus.AnalystSnapshot{
			ID: "snap-1", UID: e.UID(), ChatID: 9, Event: e,
			Verdict:   bus.Verdict{Target: target, RequiredDepth: "DEEP_ANALYSIS", ToneHint: "NEUTRAL"},
			Narrative: "Аліса звертається напряму.",
		},
		Outputs: []bus.ToolOutput{
			{TaskID: 1, Action: bus.ActionSearchGraph, Status: bus.TaskStatusOK, Result: "сьогодні вівторок"},
			{TaskID: 2, Action: bus.ActionReply, Status: bus.TaskStatusOK},
		},
	}
}

func newTestResponder(sender *fakeSender, llm Caller, loopback func(bus.InboundEvent)) *Responder {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	prompts := prompt.New(emptyGraph{}, "PrimaryMemory", time.Minute, nil)
	r := New(sender, llm, prompts, fakeThoughts{}, logger, 8521381973, "Бобер", loopback, nil)
	r.now = func() time.Time { return time.Unix(1738670100, 0) }
	return r
}

func TestRespondSendsAndLoopsBack(t *testing.T) {
	sender := &fakeSender{}
	llm := &fakeCaller{response: "Сьогодні вівторок, Алісо."}
	var looped []bus.InboundEvent
	r := newTestResponder(sender, llm, func(e bus.InboundEvent) { looped = append(looped, e) })

	if err := r.Respond(context.Background(), testBundle(gatekeeper.TargetDirect)); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(sender.texts) != 1 || sender.texts[0] != "Сьогодні вівторок, Алісо." {
		t.Fatalf("sent = %v", sender.texts)
	}
	if sender.chatID != 9 {
		t.Errorf("chat id = %d", sender.chatID)
	}
	if len(looped) != 1 {
		t.Fatalf("loopback events = %d", len(looped))
	}
	e := looped[0]
	if e.Source != bus.SourceAgent || e.SenderName != "Бобер" || e.MessageID != 1 {
		t.Errorf("loopback event = %+v", e)
	}
	if e.UID() != "9:1" {
		t.Errorf("loopback uid = %q", e.UID())
	}
}

func TestRespondDirectFailureSendsApology(t *testing.T) {
	sender := &fakeSender{}
	llm := &fakeCaller{err: fmt.Errorf("no providers")}
	r := newTestResponder(sender, llm, nil)

	if err := r.Respond(context.Background(), testBundle(gatekeeper.TargetDirect)); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(sender.texts) != 1 || !strings.Contains(sender.texts[0], "Вибач") {
		t.Fatalf("sent = %v", sender.texts)
	}
}

func TestRespondContextualFailureDropsReply(t *testing.T) {
	sender := &fakeSender{}
	llm := &fakeCaller{err: fmt.Errorf("no providers")}
	r := newTestResponder(sender, llm, nil)

	if err := r.Respond(context.Background(), testBundle(gatekeeper.TargetContextual)); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(sender.texts) != 0 {
		t.Fatalf("contextual failure must not send, got %v", sender.texts)
	}
}

func TestRespondEmptyModelOutputIsFailure(t *testing.T) {
	sender := &fakeSender{}
	llm := &fakeCaller{response: "   "}
	r := newTestResponder(sender, llm, nil)

	if err := r.Respond(context.Background(), testBundle(gatekeeper.TargetDirect)); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(sender.texts) != 1 || !strings.Contains(sender.texts[0], "Вибач") {
		t.Fatalf("sent = %v", sender.texts)
	}
}

func TestRespondSendErrorPropagates(t *testing.T) {
	sender := &fakeSender{err: fmt.Errorf("telegram down")}
	llm := &fakeCaller{response: "привіт"}
	r := newTestResponder(sender, llm, nil)

	if err := r.Respond(context.Background(), testBundle(gatekeeper.TargetDirect)); err == nil {
		t.Fatal("expected send error")
	}
}

func TestRenderInputIncludesOutputsAndStyle(t *testing.T) {
	r := newTestResponder(&fakeSender{}, &fakeCaller{}, nil)
	bundle := testBundle(gatekeeper.TargetDirect)
	bundle.ReplyStyle = "apology"
	bundle.Outputs = append(bundle.Outputs,
		bus.ToolOutput{TaskID: 3, Action: bus.ActionSearchWeb, Status: bus.TaskStatusTimedOut})

	in := r.renderInput(bundle)
	if !strings.Contains(in, "сьогодні вівторок") {
		t.Errorf("missing tool result: %q", in)
	}
	if !strings.Contains(in, "не встиг відповісти") {
		t.Errorf("missing timeout note: %q", in)
	}
	if !strings.Contains(in, "Вибачся") {
		t.Errorf("missing apology instruction: %q", in)
	}
	if strings.Contains(in, "[reply]") {
		t.Errorf("reply marker leaked into prompt: %q", in)
	}
}
