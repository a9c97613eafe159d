// Package middleware adapts [goRotate.Engine] access token verification to net/http.
//
// # Guards
//
//   - [Guard] verifies the bearer access token and stores the result in the request context.
//   - [RequireRole] additionally restricts the route to a set of roles.
//
// Verification trusts signature and expiry only; access tokens are never looked
// up in storage, so a guarded route keeps accepting a token until it expires
// even after its family was revoked.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine.VerifyAccess).
//   - Touch the refresh ledger.
package middleware
