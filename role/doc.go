// Package role defines the ordered account roles and the pure authorization
// predicates evaluated by authcore.
//
// # Ordering
//
// Roles form a total order: [User] < [Admin] < [SuperAdmin]. [HasRole] is
// reflexive and transitive over that order.
//
// # Architecture boundaries
//
// This package is a pure in-memory decision table with no I/O. It is imported
// by the engine, the JWT claims codec, and account store adapters.
//
// # What this package must NOT do
//
//   - Access Redis, databases, or the network.
//   - Import authcore, jwt, or session.
//   - Grant anything to the zero value [Unknown].
package role
