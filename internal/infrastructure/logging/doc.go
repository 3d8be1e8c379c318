// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Every backbone component takes a *zap.Logger. Components accept nil and
// fall back to a no-op logger, so tests never need to build one.
//
// Example Usage:
//
//	logger := logging.FromSettings("info", false).ForService("gateway")
//	logger.Info("gateway starting", zap.String("addr", ":8080"))
//	bus := eventbus.New(conns.Publisher(), conns.Subscriber(), eventbus.WithLogger(logger.Component("eventbus")))
package logging
