// Package flows contains the orchestrators behind every Engine operation.
//
// Each flow function (RunLogin, RunVerifyTwoFactor, RunRefresh, etc.)
// accepts a typed dependency struct and returns a result value carrying a
// failure kind instead of a host-level error. The Engine maps kinds to its
// public sentinels, metrics and audit events, which keeps the flows free of
// any dependency on the root package.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the account store, session store,
// challenge store, token manager and rate guard. They do NOT own any of
// these resources; ownership stays with the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import authcore (to avoid import cycles).
//   - Perform I/O directly; all I/O is mediated through dependency interfaces.
package flows
