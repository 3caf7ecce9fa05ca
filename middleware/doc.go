// Package middleware adapts [authcore.Engine.Authorize] to net/http.
//
// [Guard] requires a minimum role and [RequireOwner] admits the resource
// owner or an admin. Both read a Bearer token, answer 401 for a bad or
// missing token and 403 for a valid token that lacks the privilege, and put
// the [authcore.AuthResult] on the request context. [ClientInfo] forwards the
// caller's address and device label so Login can rate-limit and record them.
//
// The package makes no decisions of its own and never touches Redis.
package middleware
