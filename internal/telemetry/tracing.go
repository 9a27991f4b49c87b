// Package telemetry configures OpenTelemetry tracing for the maestro daemon.
//
// The executor emits one span per run, one per step (covering gate + invoke +
// record), and one per adapter invocation. Adapter spans are live; run and
// step spans are emitted as each unit completes, with the span clock anchored
// at the unit's recorded start time, because a unit crosses activity (and
// therefore worker) boundaries. Custom span attributes use the maestro.
// prefix.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "antigravity.dev/maestro"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. An empty endpoint disables tracing (noop provider). Returns a
// shutdown function that must be called on process exit.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("maestro"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartRunSpan creates the span for one run, anchored at the run's creation
// time.
func StartRunSpan(ctx context.Context, runID, tenant, mode string, startedAt time.Time) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.execute",
		trace.WithTimestamp(startedAt),
		trace.WithAttributes(
			attribute.String("maestro.run_id", runID),
			attribute.String("maestro.tenant", tenant),
			attribute.String("maestro.mode", mode),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStepSpan creates a span for one step, anchored at the step's first
// invocation attempt so it covers gate + invoke + record.
func StartStepSpan(ctx context.Context, runID string, index int, tool string, startedAt time.Time) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.step",
		trace.WithTimestamp(startedAt),
		trace.WithAttributes(
			attribute.String("maestro.run_id", runID),
			attribute.Int("maestro.step_index", index),
			attribute.String("maestro.tool", tool),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartAdapterSpan creates a child span for one effector invocation.
func StartAdapterSpan(ctx context.Context, tool string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "adapter.invoke",
		trace.WithAttributes(
			attribute.String("maestro.tool", tool),
			attribute.Int("maestro.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// RecordUsage stamps token usage onto a span using the GenAI semantic
// convention attribute names.
func RecordUsage(span trace.Span, tokensIn, tokensOut int, costUSD float64) {
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", tokensIn),
		attribute.Int("gen_ai.usage.output_tokens", tokensOut),
		attribute.Float64("maestro.cost_usd", costUSD),
	)
}
