// Package main is dlqctl, the operator tool for backbone dead-letter queues.
//
// Dead letters are never replayed automatically. dlqctl lists them and
// re-enqueues them as fresh jobs once the cause is fixed.
//
// Usage:
//
//	dlqctl list notifications
//	dlqctl list notifications --json -n 20
//	dlqctl drain notifications --limit 10
//	dlqctl counts notifications --redis redis:6379
package main
