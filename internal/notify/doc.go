// Package notify delivers notification jobs to webhooks.
//
// Forward subscribes to bus events and enqueues one "webhook" job per
// matching event; Webhook is the job handler that POSTs the delivery. The
// job queue owns retries: transport errors, 408, 429 and 5xx fail the
// attempt, other 4xx answers fail the job permanently.
//
// Deliveries carry the job ID, attempt number, event type, event ID and the
// caller's traceparent as headers, plus an X-Backbone-Signature HMAC when a
// signing secret is configured.
package notify
