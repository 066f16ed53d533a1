// Package otel provides OpenTelemetry integration for the observer.
// It wraps trace and metric providers with configurable exporters.
// When disabled, all operations are no-ops with zero overhead.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation scope name for observer traces.
	TracerName = "observer"
	// MeterName is the instrumentation scope name for observer metrics.
	MeterName = "observer"
)

// Config holds OTel configuration.
type Config struct {
	Enabled     bool
	Exporter    string // otlp-http | stdout | none
	Endpoint    string
	ServiceName string
}

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Init sets up OpenTelemetry with the given config.
// Returns a Provider that must be Shutdown() on exit.
// If cfg.Enabled is false, returns a no-op provider.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         noop.NewMeterProvider().Meter(MeterName),
			MeterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "observer"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	spanExporter, err := createSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}
	metricReader, err := createMetricReader(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric reader: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if metricReader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(metricReader))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout", "":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopSpanExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

func createMetricReader(ctx context.Context, cfg Config) (sdkmetric.Reader, error) {
	switch cfg.Exporter {
	case "otlp-http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	case "stdout", "":
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}
}

// noopSpanExporter discards all spans. Used for exporter=none.
type noopSpanExporter struct{}

func (e *noopSpanExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error {
	return nil
}
func (e *noopSpanExporter) Shutdown(_ context.Context) error { return nil }
