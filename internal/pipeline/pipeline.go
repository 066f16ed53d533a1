// Package pipeline wires the processing stages together: worker pools consume
// the bounded queues and pass each message from persistence through triage,
// analysis, planning, and execution to the final reply.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/llitpux/observer/internal/bus"
	"github.com/llitpux/observer/internal/config"
	"github.com/llitpux/observer/internal/gatekeeper"
	"github.com/llitpux/observer/internal/otel"
)

// Scribe persists events and applies enrichment.
type Scribe interface {
	Ingest(ctx context.Context, e bus.InboundEvent) (bus.TriagePayload, bool)
	ApplyEnrichment(ctx context.Context, p bus.EnrichmentPayload) error
}

// Gatekeeper triages persisted messages.
type Gatekeeper interface {
	Triage(ctx context.Context, p bus.TriagePayload) bus.Verdict
}

// Thinker produces semantic enrichment and a narrative.
type Thinker interface {
	Analyze(ctx context.Context, p bus.AnalysisPayload) (bus.EnrichmentPayload, string)
}

// Analyst turns a planning payload into an executable snapshot.
type Analyst interface {
	Plan(ctx context.Context, p bus.PlanningPayload) bus.AnalystSnapshot
}

// Coordinator executes a snapshot's plan.
type Coordinator interface {
	Execute(ctx context.Context, snap bus.AnalystSnapshot) (bus.ContextBundle, bool)
}

// Responder sends the final reply.
type Responder interface {
	Respond(ctx context.Context, bundle bus.ContextBundle) error
}

// Deps collects the pipeline's stage implementations.
type Deps struct {
	Bus         *bus.Bus
	Scribe      Scribe
	Gatekeeper  Gatekeeper
	Thinker     Thinker
	Analyst     Analyst
	Coordinator Coordinator
	Responder   Responder
	Streams     config.StreamsConfig
	Logger      *slog.Logger
	Metrics     *otel.Metrics
}

// Pipeline runs the stage worker pools.
type Pipeline struct {
	d  Deps
	wg sync.WaitGroup
}

// New builds the pipeline.
func New(d Deps) *Pipeline {
	return &Pipeline{d: d}
}

// Deliver feeds one event into ingestion, blocking with backoff while the
// queue is full.
func (p *Pipeline) Deliver(ctx context.Context, e bus.InboundEvent) {
	if err := p.d.Bus.Ingestion.Enqueue(ctx, e); err != nil {
		p.d.Logger.Warn("ingestion enqueue abandoned", "uid", e.UID(), "error", err)
		return
	}
	p.count(ctx, ingested(p.d.Metrics))
}

// Loopback re-ingests the agent's own sent reply.
func (p *Pipeline) Loopback(e bus.InboundEvent) {
	p.Deliver(context.Background(), e)
}

// QueueDepths reports the current depth of every queue, for the observable
// gauge.
func (p *Pipeline) QueueDepths() map[string]int64 {
	b := p.d.Bus
	return map[string]int64{
		bus.QueueIngestion:  int64(b.Ingestion.Len()),
		bus.QueueTriage:     int64(b.Triage.Len()),
		bus.QueueAnalysis:   int64(b.Analysis.Len()),
		bus.QueueEnrichment: int64(b.Enrichment.Len()),
		bus.QueuePlanning:   int64(b.Planning.Len()),
		bus.QueueExecution:  int64(b.Execution.Len()),
		bus.QueueResponse:   int64(b.Response.Len()),
	}
}

// Run starts all worker pools and blocks until ctx is cancelled and every
// worker has drained.
func (p *Pipeline) Run(ctx context.Context) {
	p.pool(ctx, p.d.Streams.Scribe.Workers, p.scribeWorker)
	p.pool(ctx, p.d.Streams.Scribe.Workers, p.enrichWorker)
	p.pool(ctx, p.d.Streams.Gatekeeper.Workers, p.gatekeeperWorker)
	p.pool(ctx, p.d.Streams.Thinker.Workers, p.thinkerWorker)
	p.pool(ctx, p.d.Streams.Analyst.Workers, p.analystWorker)
	p.pool(ctx, p.d.Streams.Coordinator.Workers, p.coordinatorWorker)
	p.pool(ctx, p.d.Streams.Responder.Workers, p.responderWorker)
	p.wg.Wait()
}

func (p *Pipeline) pool(ctx context.Context, n int, worker func(ctx context.Context)) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			worker(ctx)
		}()
	}
}

func (p *Pipeline) scribeWorker(ctx context.Context) {
	for {
		e, err := p.d.Bus.Ingestion.Dequeue(ctx)
		if err != nil {
			return
		}
		start := time.Now()
		payload, ok := p.d.Scribe.Ingest(ctx, e)
		p.d.Metrics.RecordStage(ctx, "scribe", time.Since(start).Seconds())
		if !ok {
			continue
		}
		if err := p.d.Bus.Triage.Enqueue(ctx, payload); err != nil {
			return
		}
	}
}

func (p *Pipeline) enrichWorker(ctx context.Context) {
	for {
		payload, err := p.d.Bus.Enrichment.Dequeue(ctx)
		if err != nil {
			return
		}
		if err := p.d.Scribe.ApplyEnrichment(ctx, payload); err != nil {
			p.d.Logger.Warn("enrichment write failed", "uid", payload.UID, "error", err)
		}
	}
}

func (p *Pipeline) gatekeeperWorker(ctx context.Context) {
	for {
		payload, err := p.d.Bus.Triage.Dequeue(ctx)
		if err != nil {
			return
		}
		start := time.Now()
		verdict := p.d.Gatekeeper.Triage(ctx, payload)
		p.d.Metrics.RecordStage(ctx, "gatekeeper", time.Since(start).Seconds())

		if !gatekeeper.ShouldProcess(verdict) {
			continue
		}
		switch verdict.RequiredDepth {
		case gatekeeper.DepthQuickReply:
			err = p.d.Bus.Planning.Enqueue(ctx, bus.PlanningPayload{
				UID: payload.UID, ChatID: payload.ChatID, Timestamp: payload.Timestamp,
				Event: payload.Event, Verdict: verdict,
			})
		default:
			err = p.d.Bus.Analysis.Enqueue(ctx, bus.AnalysisPayload{
				UID: payload.UID, ChatID: payload.ChatID, Timestamp: payload.Timestamp,
				Event: payload.Event, Verdict: verdict,
			})
		}
		if err != nil {
			return
		}
	}
}

func (p *Pipeline) thinkerWorker(ctx context.Context) {
	for {
		payload, err := p.d.Bus.Analysis.Dequeue(ctx)
		if err != nil {
			return
		}
		start := time.Now()
		enrichment, narrativeID := p.d.Thinker.Analyze(ctx, payload)
		p.d.Metrics.RecordStage(ctx, "thinker", time.Since(start).Seconds())

		// enrichment is best-effort: shed rather than stall the reply path
		if len(enrichment.Topics) > 0 || len(enrichment.Entities) > 0 {
			if !p.d.Bus.Enrichment.Shed(enrichment) {
				p.count(ctx, dropped(p.d.Metrics))
				p.d.Logger.Warn("enrichment shed, queue full", "uid", payload.UID)
			}
		}

		if err := p.d.Bus.Planning.Enqueue(ctx, bus.PlanningPayload{
			UID: payload.UID, ChatID: payload.ChatID, Timestamp: payload.Timestamp,
			Event: payload.Event, Verdict: payload.Verdict,
			Narrative: enrichment.Narrative, NarrativeID: narrativeID,
		}); err != nil {
			return
		}
	}
}

func (p *Pipeline) analystWorker(ctx context.Context) {
	for {
		payload, err := p.d.Bus.Planning.Dequeue(ctx)
		if err != nil {
			return
		}
		start := time.Now()
		snap := p.d.Analyst.Plan(ctx, payload)
		p.d.Metrics.RecordStage(ctx, "analyst", time.Since(start).Seconds())

		if err := p.d.Bus.Execution.Enqueue(ctx, snap); err != nil {
			return
		}
	}
}

func (p *Pipeline) coordinatorWorker(ctx context.Context) {
	for {
		snap, err := p.d.Bus.Execution.Dequeue(ctx)
		if err != nil {
			return
		}
		start := time.Now()
		bundle, ok := p.d.Coordinator.Execute(ctx, snap)
		p.d.Metrics.RecordStage(ctx, "coordinator", time.Since(start).Seconds())
		if !ok {
			continue
		}
		if err := p.d.Bus.Response.Enqueue(ctx, bundle); err != nil {
			return
		}
	}
}

func (p *Pipeline) responderWorker(ctx context.Context) {
	for {
		bundle, err := p.d.Bus.Response.Dequeue(ctx)
		if err != nil {
			return
		}
		start := time.Now()
		if err := p.d.Responder.Respond(ctx, bundle); err != nil {
			p.d.Logger.Error("reply delivery failed", "uid", bundle.Snapshot.UID, "error", err)
		} else {
			p.count(ctx, replies(p.d.Metrics))
		}
		p.d.Metrics.RecordStage(ctx, "responder", time.Since(start).Seconds())
	}
}

func (p *Pipeline) count(ctx context.Context, counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(ctx, 1)
	}
}

func ingested(m *otel.Metrics) metric.Int64Counter {
	if m == nil {
		return nil
	}
	return m.EventsIngested
}

func dropped(m *otel.Metrics) metric.Int64Counter {
	if m == nil {
		return nil
	}
	return m.EventsDropped
}

func replies(m *otel.Metrics) metric.Int64Counter {
	if m == nil {
		return nil
	}
	return m.RepliesSent
}
