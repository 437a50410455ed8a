// Package telemetry bootstraps the OpenTelemetry tracer/meter
// providers used by internal/graph and internal/orchestrator's
// otel.Tracer/otel.Meter calls. Grounded on the teacher's
// telemetry/otel.go (OTelProvider: OTLP/HTTP trace exporter, resource
// attributes, global-provider registration), trimmed to the span and
// counter/histogram surface this core actually emits — a single fixed
// graph with a handful of instrumentation points has no use for the
// teacher's cached-MetricInstruments layer or its metric-exporter
// half, so this bootstrap registers a batched trace exporter and a
// manual-reader meter provider. Metrics are recorded into that manual
// reader only: they are not pushed to a collector, and no endpoint of
// this core collects or serves them.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Provider owns the process-lifetime tracer/meter providers this core
// registers globally. Shutdown flushes and releases them — spec.md
// §9's "initialize at process startup, tear down in reverse order."
type Provider struct {
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider
}

// Noop reports whether this provider exports nothing. A Noop (nil)
// provider registers nothing; OTel's default no-op global tracer/meter
// stay in place, so internal/graph and internal/orchestrator's
// otel.Tracer/otel.Meter calls are always safe.
func (p *Provider) Noop() bool { return p == nil }

// New builds a Provider exporting traces to endpoint over OTLP/HTTP. An
// empty endpoint returns nil, nil: the caller keeps OTel's default
// no-op global providers, which is the correct behavior for an
// operator who never configured a collector.
func New(ctx context.Context, serviceName, endpoint string) (*Provider, error) {
	if endpoint == "" {
		return nil, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewManualReader()),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return &Provider{traceProvider: tp, metricProvider: mp}, nil
}

// Shutdown flushes pending spans and releases both providers. Safe to
// call on a nil Provider (the no-collector-configured case).
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.traceProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown trace provider: %w", err)
	}
	if err := p.metricProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown meter provider: %w", err)
	}
	return nil
}
