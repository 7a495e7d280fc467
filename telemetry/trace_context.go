// Package telemetry provides span helpers over the OpenTelemetry trace API.
//
// The engine never configures exporters or providers itself; it emits
// attributes, events, and errors onto whatever span the host application
// placed in the context. When no span is recording, every helper is a no-op,
// so instrumented code pays nothing in an untraced process.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetSpanAttributes adds attributes to the current span.
// Use for business context that aids debugging and analysis.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// AddSpanEvent records a point-in-time event on the current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records an error on the current span.
// This captures the exception type and message and sets the span status
// to Error.
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

// SetSpanStatus sets the status of the current span.
// Use this to indicate success or failure when not using RecordSpanError.
func SetSpanStatus(ctx context.Context, ok bool, description string) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	if ok {
		span.SetStatus(codes.Ok, description)
	} else {
		span.SetStatus(codes.Error, description)
	}
}
