// Package rate implements the Redis-backed login guard that throttles
// credential guessing.
//
// # Window semantics
//
// Fixed-window failure counters: the first failure starts a window of
// Config.Window; reaching the threshold inside the window writes a lock key
// whose value is the unix-millisecond lock deadline. Counter increment,
// window start and lock creation run in one Lua script. Keys:
//   - <prefix>:rlf:<identifier>|<ip>  failures per identifier and source IP
//   - <prefix>:rlf:ip|<ip>            failures per source IP
//   - <prefix>:rll:...                lock deadline for the matching bucket
//
// # What this package must NOT do
//
//   - Verify credentials or load accounts.
//   - Be imported outside the authcore module.
package rate
