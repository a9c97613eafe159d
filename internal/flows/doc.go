// Package flows contains the orchestrators behind every Engine operation.
//
// Each flow function (RunLogin, RunRefresh, RunLogout, ...) accepts a typed
// dependency struct and returns a result value carrying either the payload or a
// classified failure. The root package maps failure kinds to public errors in
// one place.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the key provider, the ledger, the principal
// source and the refresh throttle. They do NOT own any of these resources;
// ownership stays with the Engine. Audit, metrics and logging happen in the
// root package from the returned result.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import goRotate (to avoid import cycles).
//   - Perform I/O directly. All I/O is mediated through dependency interfaces.
package flows
