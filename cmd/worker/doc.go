// Package main is the entry point for the backbone job worker.
//
// The worker consumes every configured job queue and forwards matching bus
// events into the notification queue, where they are delivered to the
// configured webhook. Failed jobs are retried with backoff and end in the
// queue's dead-letter stream; use dlqctl to inspect and replay them.
//
// Usage:
//
//	./worker -queues notifications,analytics -concurrency 10
//	./worker -webhook https://hooks.example.com/backbone -dev
//
// Signals:
//   - SIGINT, SIGTERM: Stop taking jobs, finish in-flight ones, exit
package main
