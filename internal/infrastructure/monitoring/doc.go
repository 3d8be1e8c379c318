/*
Package monitoring provides Prometheus metrics for the backbone.

# Overview

Metrics are registered against an injected prometheus.Registerer so each
process (and each test) owns its registry. A nil *Metrics records nothing,
which lets components run without instrumentation.

# Features

- HTTP request metrics (latency, throughput, size)
- Event bus metrics (published, consumed, rejected, handler latency)
- Job queue metrics (enqueued, completed, retried, dead-lettered, active)
- Gateway metrics (proxy latency, breaker state, rate-limit rejections)
- Uptime

# Usage

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", monitoring.Handler(registry))

	timer := monitoring.NewTimer(metrics, "notifications", "send-email")
	// ... process job ...
	timer.Stop()
*/
package monitoring
