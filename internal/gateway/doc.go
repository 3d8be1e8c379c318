// Package gateway reverse-proxies /api requests to backend services.
//
// Routes map a path prefix to a backend origin. The longest prefix that
// matches on a segment boundary wins; it is stripped before the rest of the
// path is joined onto the origin. Method, body, query and headers pass
// through, and the caller's trace context is written to the outbound
// traceparent header.
//
// Routes come from GATEWAY_ROUTES ("/api/payments=http://payments:3001,...")
// or a YAML/TOML file:
//
//	routes:
//	  - prefix: /api/payments
//	    target: http://payments:3001
//	    breaker: true
//
// A route guarded by a breaker counts transport errors, timeouts and 5xx
// responses as failures. While the breaker is open the configured fallback
// is returned without contacting the backend. Other proxy errors answer 502,
// or 504 for timeouts. Nothing is retried.
package gateway
