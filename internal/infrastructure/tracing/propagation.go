package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceParentKey is the carrier key holding the W3C trace parent
const TraceParentKey = "traceparent"

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// Propagator returns the propagator used for every carrier in the backbone
func Propagator() propagation.TextMapPropagator {
	return propagator
}

// InjectTraceContext captures the active span of ctx into a new carrier.
// The carrier is empty when ctx holds no valid span.
func InjectTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	return carrier
}

// ExtractTraceContext returns ctx with the remote span described by carrier
// as its parent. A nil or empty carrier leaves ctx unchanged.
func ExtractTraceContext(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(carrier))
}

// HasTraceContext reports whether carrier holds a usable trace parent
func HasTraceContext(carrier map[string]string) bool {
	if carrier[TraceParentKey] == "" {
		return false
	}
	sc := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), carrier))
	return sc.IsValid()
}

// GetTraceID returns the trace ID of the active span, or "" without one
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// GetSpanID returns the span ID of the active span, or "" without one
func GetSpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}

// FormatTrace returns a formatted trace string for logging
func FormatTrace(ctx context.Context) string {
	return fmt.Sprintf("[trace:%s span:%s]", GetTraceID(ctx), GetSpanID(ctx))
}
