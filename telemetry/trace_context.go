package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext holds the identifiers of the span active in a context.
type TraceContext struct {
	// TraceID is the 32-character hex trace identifier.
	TraceID string
	// SpanID is the 16-character hex span identifier.
	SpanID  string
	Sampled bool
}

// GetTraceContext extracts the active span's identifiers from ctx. The fields are
// empty when ctx is nil or carries no valid span.
//
// Envelopes built with a context get these identifiers in their "trace" field, so a
// collector can join client telemetry with the backend trace that served the request:
//
//	ctx := r.Context() // after TracingMiddleware
//	client.PushEventContext(ctx, "checkout_start", nil)
func GetTraceContext(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceContext{}
	}
	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
	}
}

// AddSpanEvent adds a named event to the span in ctx if it is recording.
// Pushed events are mirrored this way so they show up inline in trace views.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records err on the span in ctx and marks the span as failed.
// It does nothing when ctx or err is nil.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// spanAttributes converts scalar envelope attributes to span attributes. Nested
// mappings are skipped.
func spanAttributes(attrs Attributes) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch v.Kind() {
		case ValueString:
			kvs = append(kvs, attribute.String(k, v.AsString()))
		case ValueNumber:
			kvs = append(kvs, attribute.Float64(k, v.AsNumber()))
		case ValueBool:
			kvs = append(kvs, attribute.Bool(k, v.AsBool()))
		}
	}
	return kvs
}
