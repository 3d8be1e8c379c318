// Package middleware provides the gateway's HTTP middleware.
//
// Middleware stack, in the order the gateway installs it on /api:
//   - RateLimit: Per-IP limit over a window, 429 when exceeded
//   - Auth: Bearer JWT verification, 401 on failure
//
// Installed globally:
//   - RequestID: X-Request-ID propagation
//   - CORS: Cross-origin resource sharing with configurable origins
//
// Rate Limiting:
//   - memory store: fixed window counter per IP in this process
//   - redis store: the same fixed window shared across gateway instances
//   - RateLimit-Limit, RateLimit-Remaining and RateLimit-Reset headers
//   - Store failures let the request through
//
// Example Usage:
//
//	router.Use(middleware.RequestID(), middleware.CORS(middleware.DefaultCORSConfig()))
//	api := router.Group("/api", middleware.RateLimit(rl), middleware.Auth(auth))
package middleware
