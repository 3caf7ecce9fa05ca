// Package password hashes and verifies account passwords.
//
// # Supported encodings
//
//	$2a$ / $2b$ / $2y$                                  bcrypt (default for new hashes)
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$...  argon2id PHC string
//
// [Hasher.Verify] dispatches on the stored prefix, so accounts hashed by either
// scheme keep working after the default algorithm changes. [Hasher.NeedsRehash]
// reports hashes produced by a different scheme or weaker parameters.
//
// # Architecture boundaries
//
// This package owns hashing and verification only. It never loads or stores
// accounts; the engine decides when a rehash is persisted.
//
// # What this package must NOT do
//
//   - Log plaintext passwords.
//   - Compare digests with non-constant-time operations.
//   - Import authcore or any sibling package.
package password
