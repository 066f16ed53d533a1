package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/llitpux/observer/internal/bus"
	"github.com/llitpux/observer/internal/config"
	"github.com/llitpux/observer/internal/gatekeeper"
)

type fakeScribe struct {
	mu       sync.Mutex
	ingested []string
	enriched []string
}

func (f *fakeScribe) Ingest(_ context.Context, e bus.InboundEvent) (bus.TriagePayload, bool) {
	f.mu.Lock()
	f.ingested = append(f.ingested, e.UID())
	f.mu.Unlock()
	if e.Source != bus.SourceUser {
		return bus.TriagePayload{}, false
	}
	return bus.TriagePayload{UID: e.UID(), ChatID: e.ChatID, Timestamp: e.Timestamp, Event: e}, true
}

func (f *fakeScribe) ApplyEnrichment(_ context.Context, p bus.EnrichmentPayload) error {
	f.mu.Lock()
	f.enriched = append(f.enriched, p.UID)
	f.mu.Unlock()
	return nil
}

type fakeGatekeeper struct{ verdict bus.Verdict }

func (f *fakeGatekeeper) Triage(_ context.Context, _ bus.TriagePayload) bus.Verdict {
	return f.verdict
}

type fakeThinker struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeThinker) Analyze(_ context.Context, p bus.AnalysisPayload) (bus.EnrichmentPayload, string) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return bus.EnrichmentPayload{
		UID:       p.UID,
		Topics:    []bus.TopicRef{{Title: "go", IsNew: true}},
		Narrative: "хтось питає про Go",
	}, "narr-1"
}

func (f *fakeThinker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAnalyst struct {
	mu        sync.Mutex
	narrative []string
}

func (f *fakeAnalyst) Plan(_ context.Context, p bus.PlanningPayload) bus.AnalystSnapshot {
	f.mu.Lock()
	f.narrative = append(f.narrative, p.Narrative)
	f.mu.Unlock()
	return bus.AnalystSnapshot{
		ID: "snap-1", UID: p.UID, ChatID: p.ChatID, Event: p.Event, Verdict: p.Verdict,
		Narrative: p.Narrative, Intent: "QUESTION",
		Tasks: []bus.PlanTask{{ID: 1, Action: bus.ActionReply}},
	}
}

type fakeCoordinator struct{}

func (fakeCoordinator) Execute(_ context.Context, snap bus.AnalystSnapshot) (bus.ContextBundle, bool) {
	return bus.ContextBundle{Snapshot: snap}, true
}

type fakeResponder struct {
	replies chan string
}

func (f *fakeResponder) Respond(_ context.Context, bundle bus.ContextBundle) error {
	f.replies <- bundle.Snapshot.UID
	return nil
}

func testStreams() config.StreamsConfig {
	one := config.StreamConfig{Workers: 1}
	return config.StreamsConfig{
		Scribe: one, Gatekeeper: one, Thinker: one,
		Analyst: one, Coordinator: one, Responder: one,
	}
}

func newTestPipeline(gk Gatekeeper, scr *fakeScribe, th *fakeThinker, an *fakeAnalyst, resp *fakeResponder) *Pipeline {
	return New(Deps{
		Bus:         bus.New(bus.Capacities{}),
		Scribe:      scr,
		Gatekeeper:  gk,
		Thinker:     th,
		Analyst:     an,
		Coordinator: fakeCoordinator{},
		Responder:   resp,
		Streams:     testStreams(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func userEvent() bus.InboundEvent {
	return bus.InboundEvent{ChatID: 1, MessageID: 100, Source: bus.SourceUser, SenderID: 42, SenderName: "Alice", Text: "Бобре, що таке Go?", Timestamp: 1738670000}
}

func TestDeepAnalysisFlowReachesResponder(t *testing.T) {
	scr := &fakeScribe{}
	th := &fakeThinker{}
	an := &fakeAnalyst{}
	resp := &fakeResponder{replies: make(chan string, 1)}
	gk := &fakeGatekeeper{verdict: bus.Verdict{
		Target: gatekeeper.TargetDirect, RequiredDepth: gatekeeper.DepthDeepAnalysis, ToneHint: gatekeeper.ToneNeutral,
	}}
	p := newTestPipeline(gk, scr, th, an, resp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	p.Deliver(ctx, userEvent())

	select {
	case uid := <-resp.replies:
		if uid != "1:100" {
			t.Errorf("replied to %q", uid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never produced")
	}
	if th.callCount() != 1 {
		t.Errorf("thinker calls = %d", th.callCount())
	}
	an.mu.Lock()
	if len(an.narrative) != 1 || an.narrative[0] != "хтось питає про Go" {
		t.Errorf("analyst narrative = %v", an.narrative)
	}
	an.mu.Unlock()

	// enrichment lands asynchronously; poll briefly
	deadline := time.Now().Add(time.Second)
	for {
		scr.mu.Lock()
		n := len(scr.enriched)
		scr.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Error("enrichment was never written")
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not drain on cancel")
	}
}

func TestQuickReplySkipsThinker(t *testing.T) {
	scr := &fakeScribe{}
	th := &fakeThinker{}
	an := &fakeAnalyst{}
	resp := &fakeResponder{replies: make(chan string, 1)}
	gk := &fakeGatekeeper{verdict: bus.Verdict{
		Target: gatekeeper.TargetDirect, RequiredDepth: gatekeeper.DepthQuickReply, ToneHint: gatekeeper.ToneHumor,
	}}
	p := newTestPipeline(gk, scr, th, an, resp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Deliver(ctx, userEvent())

	select {
	case <-resp.replies:
	case <-time.After(2 * time.Second):
		t.Fatal("reply never produced")
	}
	if th.callCount() != 0 {
		t.Errorf("thinker must be skipped on quick reply, calls = %d", th.callCount())
	}
	an.mu.Lock()
	defer an.mu.Unlock()
	if len(an.narrative) != 1 || an.narrative[0] != "" {
		t.Errorf("quick reply narrative must be empty, got %v", an.narrative)
	}
}

func TestSkipVerdictStopsPipeline(t *testing.T) {
	scr := &fakeScribe{}
	th := &fakeThinker{}
	an := &fakeAnalyst{}
	resp := &fakeResponder{replies: make(chan string, 1)}
	gk := &fakeGatekeeper{verdict: bus.Verdict{
		Target: gatekeeper.TargetNobody, RequiredDepth: gatekeeper.DepthSkip, ToneHint: gatekeeper.ToneNeutral,
	}}
	p := newTestPipeline(gk, scr, th, an, resp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Deliver(ctx, userEvent())

	select {
	case uid := <-resp.replies:
		t.Fatalf("skipped message produced a reply: %s", uid)
	case <-time.After(300 * time.Millisecond):
	}
	scr.mu.Lock()
	defer scr.mu.Unlock()
	if len(scr.ingested) != 1 {
		t.Errorf("skipped message must still be persisted, ingested = %v", scr.ingested)
	}
}

func TestAgentLoopbackPersistsWithoutTriage(t *testing.T) {
	scr := &fakeScribe{}
	th := &fakeThinker{}
	an := &fakeAnalyst{}
	resp := &fakeResponder{replies: make(chan string, 1)}
	gk := &fakeGatekeeper{verdict: bus.Verdict{
		Target: gatekeeper.TargetDirect, RequiredDepth: gatekeeper.DepthQuickReply, ToneHint: gatekeeper.ToneNeutral,
	}}
	p := newTestPipeline(gk, scr, th, an, resp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	e := userEvent()
	e.Source = bus.SourceAgent
	p.Loopback(e)

	select {
	case uid := <-resp.replies:
		t.Fatalf("agent message produced a reply: %s", uid)
	case <-time.After(300 * time.Millisecond):
	}
	scr.mu.Lock()
	defer scr.mu.Unlock()
	if len(scr.ingested) != 1 {
		t.Errorf("loopback must be persisted, ingested = %v", scr.ingested)
	}
}

func TestQueueDepthsCoversAllQueues(t *testing.T) {
	p := newTestPipeline(&fakeGatekeeper{}, &fakeScribe{}, &fakeThinker{}, &fakeAnalyst{}, &fakeResponder{replies: make(chan string, 1)})
	depths := p.QueueDepths()
	for _, name := range []string{
		bus.QueueIngestion, bus.QueueTriage, bus.QueueAnalysis, bus.QueueEnrichment,
		bus.QueuePlanning, bus.QueueExecution, bus.QueueResponse,
	} {
		if _, ok := depths[name]; !ok {
			t.Errorf("missing queue %q in depths", name)
		}
	}
}
