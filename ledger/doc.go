// Package ledger persists refresh-token families and their rotation chains.
//
// A family is created at login with a single record as its head. Each successful
// rotation appends a record and moves the head pointer with one atomic
// compare-and-set ([Store.ConditionalAdvance]); a redemption that finds the head
// already moved is the replay signal. Revocation flips every record of a family and
// is idempotent. Records are never deleted here.
//
// # Backends
//
//   - [RedisStore]: hashes per family and record, Lua scripts for the CAS and revocation.
//   - [PostgresStore]: two tables, CAS as a guarded UPDATE inside a transaction.
//
// # What this package must NOT do
//
//   - Hold or use signing keys; tokens are signed by the caller.
//   - Decide policy (replay handling, logout semantics).
package ledger
