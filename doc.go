// Package goRotate issues short-lived JWT access tokens and long-lived refresh
// tokens organized into families, rotates refresh tokens against a durable
// ledger and revokes a whole family when an already rotated token is replayed.
//
// The package is designed for concurrent server workloads: Engine methods are safe to call
// from multiple goroutines after initialization through [Builder.Build].
//
// # Architecture boundaries
//
// goRotate is the public surface. It exposes [Engine], [Builder], [Config], the root
// error set and value types ([TokenPair], [AccessResult], [FamilyInfo], MetricsSnapshot).
// Signing keys live in package jwt, ledger storage in package ledger, and the
// refresh state machine, ID generation, throttling, audit dispatch and metric
// storage under internal/.
//
// # What this package must NOT do
//
//   - Persist access tokens or consult storage when verifying them.
//   - Log or audit token strings or key material.
//   - Import any sub-package that re-imports goRotate (no import cycles).
//
// # Consistency contract
//
// Refresh performs at most one ledger write that moves a family head. Of any number
// of concurrent redemptions of the same refresh token exactly one succeeds; the others
// observe a stale replay and the family is revoked.
package goRotate
