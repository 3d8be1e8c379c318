package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/GriffinCanCode/backbone/internal/shared/id"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceIDHeader carries the trace ID back to the caller
const TraceIDHeader = "X-Trace-ID"

// Middleware traces every request not under one of skip. The inbound
// traceparent, when present, becomes the parent of the server span. One
// Trace is recorded into capture after the response is written.
func Middleware(capture *Capture, tp trace.TracerProvider, service string, skip ...string) gin.HandlerFunc {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(instrumentationName)

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, prefix := range skip {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}

		start := time.Now()
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.target", path),
				attribute.String("http.host", c.Request.Host),
			),
		)
		defer span.End()

		tracker := NewSpanTracker(start)
		ctx = WithSpanTracker(ctx, tracker)
		c.Request = c.Request.WithContext(ctx)

		traceID := GetTraceID(ctx)
		if traceID == "" {
			traceID = id.Default().GenerateString()
		}
		c.Header(TraceIDHeader, traceID)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		if capture != nil {
			capture.Record(Trace{
				ID:          traceID,
				Path:        path,
				Method:      c.Request.Method,
				Status:      status,
				DurationMs:  toMillis(time.Since(start)),
				ServiceName: service,
				Timestamp:   start.UTC(),
				Spans:       tracker.Spans(),
			})
		}
	}
}
