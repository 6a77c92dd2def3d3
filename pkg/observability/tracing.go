// Package observability provides the OpenTelemetry spans the broker opens
// around each brokered call.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the OpenTelemetry tracer name.
const TracerName = "github.com/agentsh/broker"

// Tracer returns the broker tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Call describes one brokered call being traced.
type Call struct {
	Service  string
	TargetID string
	PID      uint32
}

// TraceCall starts a span for call. A nil tracer uses Tracer().
func TraceCall(ctx context.Context, tracer trace.Tracer, call Call) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	return tracer.Start(ctx, "broker."+call.Service,
		trace.WithAttributes(
			attribute.String("broker.service", call.Service),
			attribute.String("broker.target.id", call.TargetID),
			attribute.Int64("broker.target.pid", int64(call.PID)),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// RecordDecision records the evaluation result and the resource it was
// made for. Faults mark the span as failed; denials do not.
func RecordDecision(span trace.Span, decision, action, resource string) {
	span.SetAttributes(
		attribute.String("broker.decision", decision),
		attribute.String("broker.action", action),
	)
	if resource != "" {
		span.SetAttributes(attribute.String("broker.resource", resource))
	}
	if decision == "fault" {
		span.SetStatus(codes.Error, "call could not be evaluated")
	}
}

// RecordOutcome records the emulated API status returned to the target.
func RecordOutcome(span trace.Span, outcome string, status, win32 uint32) {
	span.SetAttributes(
		attribute.String("broker.outcome", outcome),
		attribute.Int64("broker.status", int64(status)),
		attribute.Int64("broker.win32", int64(win32)),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
