package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrTaskID    = attribute.Key("clawgov.task.id")
	AttrCaller    = attribute.Key("clawgov.caller")
	AttrRequestID = attribute.Key("clawgov.request.id")
	AttrProvider  = attribute.Key("clawgov.provider")
	AttrAction    = attribute.Key("clawgov.action")
	AttrLevel     = attribute.Key("clawgov.access_level")
	AttrStatus    = attribute.Key("clawgov.status")
	AttrReason    = attribute.Key("clawgov.reason")
	AttrCommand   = attribute.Key("clawgov.command")
)

// EventDenied marks spans whose request the access layer refused.
const EventDenied = "clawgov.denied"

func start(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindInternal, name, attrs)
}

// StartServerSpan starts the span of an inbound command.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindServer, name, attrs)
}

// StartClientSpan starts the span of an outbound provider request.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindClient, name, attrs)
}

// Decision tags span with an ext_call outcome. Denials add an event and leave
// the status unset.
func Decision(span trace.Span, status, reason string) {
	span.SetAttributes(AttrStatus.String(status), AttrReason.String(reason))
	if status == "denied" {
		span.AddEvent(EventDenied, trace.WithAttributes(AttrReason.String(reason)))
	}
}

// EndSpan ends span, marking it failed when err is non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
