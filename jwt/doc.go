// Package jwt issues and verifies the signed access and refresh tokens used
// by authcore.
//
// Both token kinds share one [Claims] shape and are told apart by the "typ"
// claim; [Manager.Parse] rejects a token whose type differs from the one the
// caller expects. Verification errors are classified into [ErrExpired] and
// [ErrMalformed] so callers never inspect library error values.
package jwt
