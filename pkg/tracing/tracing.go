// Package tracing wires OpenTelemetry spans around the engine's admission,
// per-chunk fetch, and finalize paths, following the tracer-provider setup
// the teacher's observability adapter uses for Jaeger export.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config controls whether and where spans are exported.
type Config struct {
	ServiceName    string
	JaegerEndpoint string
	Enabled        bool
	SamplingRatio  float64
}

// DefaultConfig disables export until an endpoint is configured.
func DefaultConfig() Config {
	return Config{
		ServiceName:   "chiral-transferd",
		Enabled:       false,
		SamplingRatio: 0.1,
	}
}

// Provider owns the process tracer provider and exposes the one tracer the
// engine needs.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer oteltrace.Tracer
}

// NewProvider builds a tracer provider; when cfg.Enabled is false the
// returned Provider wraps a no-op tracer so call sites never need to branch
// on whether tracing is configured.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: oteltrace.NewNoopTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRatio)),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

// Shutdown flushes and stops the exporter; a no-op when tracing is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartTransferSpan opens a span covering one full transfer's admission
// through finalize. A nil Provider (tracing not wired for this caller)
// yields a no-op span so callers never need to branch on it.
func (p *Provider) StartTransferSpan(ctx context.Context, transferID, contentID string) (context.Context, oteltrace.Span) {
	if p == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, "transfer",
		oteltrace.WithAttributes(
			attribute.String("transfer_id", transferID),
			attribute.String("content_id", contentID),
		))
}

// StartChunkSpan opens a span covering a single chunk fetch attempt.
func (p *Provider) StartChunkSpan(ctx context.Context, transferID string, chunkIndex int, sourceID string) (context.Context, oteltrace.Span) {
	if p == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, "chunk_fetch",
		oteltrace.WithAttributes(
			attribute.String("transfer_id", transferID),
			attribute.Int("chunk_index", chunkIndex),
			attribute.String("source_id", sourceID),
		))
}

// RecordOutcome ends span with an outcome attribute and duration-consistent
// status; err is nil on success. A nil or no-op span (tracing disabled) is
// a cheap no-op.
func RecordOutcome(span oteltrace.Span, start time.Time, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
