package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for pipeline spans.
var (
	AttrDeviceID   = attribute.Key("adherenced.device.id")
	AttrBatchID    = attribute.Key("adherenced.batch.id")
	AttrBatchSize  = attribute.Key("adherenced.batch.size")
	AttrOutcome    = attribute.Key("adherenced.upload.outcome")
	AttrEventType  = attribute.Key("adherenced.event.type")
	AttrSessionID  = attribute.Key("adherenced.session.id")
	AttrStatusCode = attribute.Key("adherenced.http.status")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (ingestion endpoint, config service).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
