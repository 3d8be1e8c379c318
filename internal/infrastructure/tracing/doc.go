/*
Package tracing makes synchronous requests and asynchronous hops observable.

# Overview

Three pieces live here:

  - Trace context: W3C traceparent/tracestate injection into and extraction
    from plain string maps, so a trace started at the gateway survives a trip
    through the event bus. Spans are OpenTelemetry spans; the provider logs
    every finished span through zap and can export over OTLP gRPC.
  - SpanTracker: a per-request list of named, timed spans shown relative to
    the request start.
  - Capture: a bounded, newest-first ring of request summaries with a query
    API, latency stats and a live websocket feed.

# Usage

	provider, err := tracing.NewProvider(ctx, tracing.ProviderConfig{ServiceName: "gateway"}, logger)
	capture := tracing.NewCapture(200)

	router.Use(tracing.Middleware(capture, provider, "gateway"))
	tracing.NewHandlers(capture, logger).Register(router)

	// inside a handler
	err := tracing.WithSpanTracking(ctx, "charge card", "payments", func(ctx context.Context) error {
		return charge(ctx)
	})

	// across a message hop
	carrier := tracing.InjectTraceContext(ctx)
	...
	ctx = tracing.ExtractTraceContext(context.Background(), carrier)

# Trace Format

Context travels in the standard W3C keys:
  - traceparent: version-traceid-spanid-flags
  - tracestate: vendor state, passed through untouched
*/
package tracing
