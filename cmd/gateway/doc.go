// Package main is the entry point for the backbone API gateway.
//
// The gateway proxies /api/* to the configured upstream services through a
// per-route circuit breaker, after rate limiting and JWT authentication.
// It also serves /health, /metrics and the /traces query API.
//
// Configuration:
//   - Environment variables (12-factor), see internal/infrastructure/config
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Production mode
//	./gateway -port 8080 -redis localhost:6379
//
//	# Routes from a file, development logs
//	./gateway -routes-file routes.yaml -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
