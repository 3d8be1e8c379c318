// Package server wires the backbone processes together.
//
// A Server owns the broker connections, event bus, job queues, metrics
// registry, tracer and trace capture. The gateway and the worker are the
// same Server run two ways:
//
//   - RunGateway serves /health, /metrics, /traces and the proxied /api
//     routes behind rate limiting and JWT authentication
//   - RunWorker subscribes the notification forwarder to the bus and starts
//     every queue's workers
//
// Server Lifecycle:
//  1. Load configuration from the environment
//  2. NewServer builds the shared components
//  3. RunGateway or RunWorker until the context is cancelled
//  4. Close stops workers and subscriptions, then releases connections
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.NewServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//	if err := srv.RunGateway(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
