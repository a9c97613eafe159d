// Package internal contains helpers that are private to goRotate.
//
// # Sub-packages
//
//   - flows: login, refresh rotation, logout and introspection runners
//   - rate: Redis-backed per-family refresh throttle
//   - audit: asynchronous audit event dispatch and sinks
//   - metrics: lock-free counters and the refresh latency histogram
//
// The package itself generates token and family identifiers.
//
// # What this package must NOT do
//
//   - Be imported by any package outside the goRotate module.
package internal
