// Package stores provides Redis-backed, short-lived records for the second
// authentication factor: email and TOTP login challenges, pending TOTP
// enrollments and TOTP replay markers.
//
// # Design
//
// Challenges are versioned, binary-encoded records addressed by an opaque
// reference. Every mutation of a challenge (issue, consume, failed attempt)
// runs as a single Lua script, so attempt accounting is exact under
// concurrency. An index key per (account, purpose) lets a new issue
// invalidate its predecessor. Expiry is evaluated against the caller's
// clock; the Redis TTL only bounds storage.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for these records.
// It does NOT generate codes, send email, or decide login outcomes; those
// belong to internal/flows and the engine.
//
// # What this package must NOT do
//
//   - Import authcore or any sibling internal package.
//   - Store or log plaintext one-time codes.
//   - Compare secrets with non-constant-time operations.
package stores
