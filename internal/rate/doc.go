// Package rate provides the Redis-backed refresh throttle used by the rotation flow.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key prefix:
//   - arf:<familyID> counts refresh attempts per family
//
// # What this package must NOT do
//
//   - Decide replay or revocation outcomes; it only counts attempts.
//   - Be imported outside the goRotate module.
package rate
