// Package session provides Redis-backed refresh-token families and their
// compact binary encoding.
//
// # Rotation
//
// A family record stores the hash of the one refresh token id that is
// currently valid. [Store.Rotate] swaps it for the next id in a single Lua
// compare-and-swap; presenting any other id of the family is treated as
// token theft and deletes the whole family. Every issued id also gets a
// token-index entry pointing at its family, which lets a bare token id be
// revoked and lets stale ids be told apart from unknown ones.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session] model.
// It does NOT parse JWTs or make authorization decisions; those belong to
// the engine.
//
// # What this package must NOT do
//
//   - Import authcore, jwt, or role (no upward imports).
//   - Store plaintext refresh tokens or token ids.
package session
