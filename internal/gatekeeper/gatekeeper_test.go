package gatekeeper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/llitpux/observer/internal/bus"
	"github.com/llitpux/observer/internal/graph"
	"github.com/llitpux/observer/internal/prompt"
	"github.com/llitpux/observer/internal/provider"
)

type fakeStore struct{ msgs []graph.ContextMessage }

func (f *fakeStore) ChatContext(_ context.Context, _ int64, _ int) ([]graph.ContextMessage, error) {
	return f.msgs, nil
}

type fakeModel struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeModel) Name() string { return "local" }
func (f *fakeModel) Complete(_ context.Context, _ []provider.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

type emptyGraph struct{}

func (emptyGraph) Query(_ context.Context, _, _ string) (*graph.Result, error) {
	return &graph.Result{}, nil
}

func newTestGatekeeper(model provider.Provider, onRetry func()) *Gatekeeper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	prompts := prompt.New(emptyGraph{}, "PrimaryMemory", time.Minute, nil)
	return New(&fakeStore{}, model, prompts, logger, "Бобер", 5, onRetry)
}

func payload(text string) bus.TriagePayload {
	e := bus.InboundEvent{ChatID: 1, MessageID: 100, Source: bus.SourceUser, SenderID: 42, SenderName: "Alice", Text: text, Timestamp: 1738670000}
	return bus.TriagePayload{UID: e.UID(), ChatID: 1, Timestamp: e.Timestamp, Event: e}
}

func TestTriageValidVerdict(t *testing.T) {
	model := &fakeModel{responses: []string{`{"target":"CONTEXTUAL","required_depth":"DEEP_ANALYSIS","tone_hint":"SERIOUS"}`}}
	g := newTestGatekeeper(model, nil)

	v := g.Triage(context.Background(), payload("how do we deploy this?"))
	if v.Target != TargetContextual || v.RequiredDepth != DepthDeepAnalysis || v.ToneHint != ToneSerious {
		t.Errorf("verdict = %+v", v)
	}
	if !ShouldProcess(v) {
		t.Error("deep-analysis verdict must continue the pipeline")
	}
}

func TestTriageMediaForcesQuickReply(t *testing.T) {
	model := &fakeModel{responses: []string{`{"target":"NOBODY","required_depth":"SKIP","tone_hint":"NEUTRAL"}`}}
	g := newTestGatekeeper(model, nil)

	p := payload("")
	p.Event.MediaKind = "sticker"
	v := g.Triage(context.Background(), p)
	if v.Target != TargetDirect || v.RequiredDepth != DepthQuickReply {
		t.Errorf("media verdict = %+v", v)
	}
	if model.calls != 0 {
		t.Error("media trigger must bypass the classifier")
	}
}

func TestTriageAgentNameForcesDirect(t *testing.T) {
	model := &fakeModel{responses: []string{`{"target":"NOBODY","required_depth":"SKIP","tone_hint":"NEUTRAL"}`}}
	g := newTestGatekeeper(model, nil)

	v := g.Triage(context.Background(), payload("Бобер, що скажеш?"))
	if v.Target != TargetDirect {
		t.Errorf("target = %q, want DIRECT when the agent is named", v.Target)
	}
	if v.RequiredDepth == DepthSkip {
		t.Error("named message must not be skipped")
	}
}

func TestTriageRetriesOnceThenDegrades(t *testing.T) {
	model := &fakeModel{responses: []string{"not json", "still not json"}}
	var retries int
	g := newTestGatekeeper(model, func() { retries++ })

	v := g.Triage(context.Background(), payload("random chatter"))
	if v.Target != TargetNobody || v.RequiredDepth != DepthSkip {
		t.Errorf("degraded verdict = %+v", v)
	}
	if model.calls != 2 {
		t.Errorf("model called %d times, want 2 (one retry)", model.calls)
	}
	if retries != 1 {
		t.Errorf("retry hook fired %d times", retries)
	}
	if ShouldProcess(v) {
		t.Error("degraded verdict must stop the pipeline")
	}
}

func TestTriageRetrySucceeds(t *testing.T) {
	model := &fakeModel{responses: []string{
		"topics: Docker",
		`{"target":"DIRECT","required_depth":"QUICK_REPLY","tone_hint":"HUMOR"}`,
	}}
	g := newTestGatekeeper(model, nil)

	v := g.Triage(context.Background(), payload("lol nice one"))
	if v.Target != TargetDirect || v.ToneHint != ToneHumor {
		t.Errorf("verdict = %+v", v)
	}
}

func TestTriageProviderDownDegrades(t *testing.T) {
	model := &fakeModel{err: fmt.Errorf("connection refused")}
	g := newTestGatekeeper(model, nil)

	v := g.Triage(context.Background(), payload("anyone here?"))
	if v.Target != TargetNobody || v.RequiredDepth != DepthSkip {
		t.Errorf("verdict = %+v", v)
	}
}

func TestShouldProcess(t *testing.T) {
	cases := []struct {
		v    bus.Verdict
		want bool
	}{
		{bus.Verdict{Target: TargetDirect, RequiredDepth: DepthQuickReply}, true},
		{bus.Verdict{Target: TargetContextual, RequiredDepth: DepthDeepAnalysis}, true},
		{bus.Verdict{Target: TargetDirect, RequiredDepth: DepthSkip}, false},
		{bus.Verdict{Target: TargetOtherUser, RequiredDepth: DepthSkip}, false},
		{bus.Verdict{Target: TargetOtherUser, RequiredDepth: DepthQuickReply}, false},
		{bus.Verdict{Target: TargetNobody, RequiredDepth: DepthDeepAnalysis}, false},
	}
	for _, tc := range cases {
		if got := ShouldProcess(tc.v); got != tc.want {
			t.Errorf("ShouldProcess(%+v) = %v, want %v", tc.v, got, tc.want)
		}
	}
}
