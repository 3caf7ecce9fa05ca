// Package authcore authenticates users by password, optionally requires a
// second factor (email one-time code or TOTP), issues short-lived signed
// access tokens with long-lived rotating refresh tokens, and authorizes
// requests against the ordered roles USER < ADMIN < SUPERADMIN.
//
// Engine methods are safe to call from multiple goroutines after
// [Builder.Build]. Shared state lives in Redis and in the host's
// [AccountStore]; the Engine itself holds immutable configuration, atomic
// metrics and an asynchronous audit dispatcher.
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config]
// and value types ([LoginResult], [Tokens], [AuthResult], [SessionInfo]).
// Flow orchestration, Redis records, rate limiting and audit dispatch live
// under internal/ and are never exported.
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores or record encodings in its API.
//   - Own the account schema: persistence goes through [AccountStore].
//   - Render email templates or speak HTTP. See cmd/authcore-server for a
//     reference host.
//
// # Performance contract
//
// [Engine.Authorize] is the hot path and performs no I/O. Login, Refresh
// and the second-factor operations make a bounded number of Redis round
// trips, each under Backend.CallTimeout.
package authcore
