package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all observer metric instruments.
type Metrics struct {
	StageDuration      metric.Float64Histogram
	LLMCallDuration    metric.Float64Histogram
	GraphQueryDuration metric.Float64Histogram
	EventsIngested     metric.Int64Counter
	EventsDropped      metric.Int64Counter
	ProviderFailovers  metric.Int64Counter
	PromptFallbacks    metric.Int64Counter
	ValidationRetries  metric.Int64Counter
	PlansCancelled     metric.Int64Counter
	RepliesSent        metric.Int64Counter
	UnpersistedEvents  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.StageDuration, err = meter.Float64Histogram("observer.stage.duration",
		metric.WithDescription("Per-stage processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("observer.llm.duration",
		metric.WithDescription("LLM call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GraphQueryDuration, err = meter.Float64Histogram("observer.graph.duration",
		metric.WithDescription("Graph query duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsIngested, err = meter.Int64Counter("observer.events.ingested",
		metric.WithDescription("Inbound events accepted into the pipeline"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("observer.events.dropped",
		metric.WithDescription("Payloads shed from low-priority queues"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderFailovers, err = meter.Int64Counter("provider_failovers_total",
		metric.WithDescription("LLM calls that failed over to another provider"),
	)
	if err != nil {
		return nil, err
	}

	m.PromptFallbacks, err = meter.Int64Counter("observer.prompt.fallbacks",
		metric.WithDescription("Prompt assemblies served from static defaults"),
	)
	if err != nil {
		return nil, err
	}

	m.ValidationRetries, err = meter.Int64Counter("observer.validation.retries",
		metric.WithDescription("LLM outputs that failed schema validation"),
	)
	if err != nil {
		return nil, err
	}

	m.PlansCancelled, err = meter.Int64Counter("observer.plans.cancelled",
		metric.WithDescription("Plans cancelled by a superseding snapshot"),
	)
	if err != nil {
		return nil, err
	}

	m.RepliesSent, err = meter.Int64Counter("observer.replies.sent",
		metric.WithDescription("Outbound messages emitted"),
	)
	if err != nil {
		return nil, err
	}

	m.UnpersistedEvents, err = meter.Int64Counter("observer.events.unpersisted",
		metric.WithDescription("Events that exhausted persistence retries"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordStage records one stage's processing duration.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

// RegisterQueueDepth registers an observable gauge reporting queue depths.
// The observe callback returns the current depth per queue name.
func RegisterQueueDepth(meter metric.Meter, observe func() map[string]int64) error {
	gauge, err := meter.Int64ObservableGauge("observer.queue.depth",
		metric.WithDescription("Current depth per pipeline queue"),
	)
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for name, depth := range observe() {
			o.ObserveInt64(gauge, depth, metric.WithAttributes(attribute.String("queue", name)))
		}
		return nil
	}, gauge)
	return err
}
