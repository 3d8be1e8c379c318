package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/GriffinCanCode/backbone/internal/shared/id"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/GriffinCanCode/backbone/tracing"

// TrackedSpan is one timed operation inside a request
type TrackedSpan struct {
	SpanID        string  `json:"spanId"`
	Operation     string  `json:"operation"`
	Service       string  `json:"service"`
	Status        int     `json:"status"`
	StartOffsetMs float64 `json:"startOffset"`
	DurationMs    float64 `json:"duration"`
}

// SpanTracker accumulates the spans of a single request
type SpanTracker struct {
	start time.Time
	now   func() time.Time

	mu    sync.Mutex
	spans []TrackedSpan
}

// NewSpanTracker starts tracking at start
func NewSpanTracker(start time.Time) *SpanTracker {
	return &SpanTracker{start: start, now: time.Now}
}

// RecordSpan appends a span that ends now. Its offset is measured from the
// request start and never goes below zero.
func (t *SpanTracker) RecordSpan(operation, service string, duration time.Duration, status int) {
	offset := t.now().Sub(t.start) - duration
	if offset < 0 {
		offset = 0
	}

	span := TrackedSpan{
		SpanID:        id.Default().GenerateString(),
		Operation:     operation,
		Service:       service,
		Status:        status,
		StartOffsetMs: toMillis(offset),
		DurationMs:    toMillis(duration),
	}

	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()
}

// Spans returns a copy of the recorded spans in recording order
func (t *SpanTracker) Spans() []TrackedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TrackedSpan, len(t.spans))
	copy(out, t.spans)
	return out
}

type trackerKey struct{}

// WithSpanTracker returns ctx carrying tracker
func WithSpanTracker(ctx context.Context, tracker *SpanTracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, tracker)
}

// SpanTrackerFrom returns the tracker of ctx, or nil outside a tracked request
func SpanTrackerFrom(ctx context.Context) *SpanTracker {
	tracker, _ := ctx.Value(trackerKey{}).(*SpanTracker)
	return tracker
}

// WithSpanTracking runs fn inside an OpenTelemetry span named operation and
// records it on the request's tracker with status 200, or 500 when fn fails.
// fn's error is returned unchanged.
func WithSpanTracking(ctx context.Context, operation, service string, fn func(ctx context.Context) error) error {
	ctx, span := tracerFrom(ctx).Start(ctx, operation)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	status := 200
	if err != nil {
		status = 500
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if tracker := SpanTrackerFrom(ctx); tracker != nil {
		tracker.RecordSpan(operation, service, duration, status)
	}
	return err
}

// tracerFrom prefers the provider of the active span so child spans stay
// with the provider that produced the request span.
func tracerFrom(ctx context.Context) trace.Tracer {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() && span.IsRecording() {
		return span.TracerProvider().Tracer(instrumentationName)
	}
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
