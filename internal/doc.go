// Package internal contains helpers that are private to authcore: opaque
// identifier generation, one-time codes and token fingerprints.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - flows: orchestrators for login, two-factor and refresh
//   - limiters: per-account budget for TOTP confirmation codes
//   - logging: slog handler construction and the Sentry bridge
//   - rate: Redis-backed login rate limit guard
//   - server: HTTP service wiring behind cmd/authcore-server
//   - stores: Redis-backed two-factor challenge and TOTP records
//
// # What this package must NOT do
//
//   - Export types that appear in the public authcore API.
//   - Be imported by any package outside the authcore module.
package internal
