package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const turnTracerName = "amplifier-runtime"

func turnTracer() trace.Tracer {
	return Tracer(turnTracerName)
}

// StartTurn opens a span for one prompt turn against a provider.
// Caller must close it with EndTurn when the turn finishes.
func StartTurn(ctx context.Context, provider, sessionID string) (context.Context, trace.Span) {
	ctx, span := turnTracer().Start(ctx, "turn."+provider,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("provider", provider),
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

// EndTurn records how the turn ended and closes the span.
func EndTurn(span trace.Span, stopReason string, requests int) {
	span.SetAttributes(
		attribute.String("stop_reason", stopReason),
		attribute.Int("provider_requests", requests),
	)
	if stopReason == "error" {
		span.SetStatus(codes.Error, "turn ended with error")
	}
	span.End()
}

// TraceApproval creates a single span for one resolved permission question.
func TraceApproval(ctx context.Context, sessionID, tool, option string) {
	_, span := turnTracer().Start(ctx, "turn.approval",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("tool", tool),
		attribute.String("option", option),
	)
}
