package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for trustd spans.
var (
	AttrAgentID        = attribute.Key("trustd.agent.id")
	AttrPersonaVersion = attribute.Key("trustd.persona.version")
	AttrPersonaHash    = attribute.Key("trustd.persona.hash")
	AttrDriftScore     = attribute.Key("trustd.drift.score")
	AttrDriftStatus    = attribute.Key("trustd.drift.status")
	AttrVerifyMode     = attribute.Key("trustd.verify.mode")
	AttrTier           = attribute.Key("trustd.tier")
	AttrEvent          = attribute.Key("trustd.event")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (webhook delivery).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
