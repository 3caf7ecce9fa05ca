package rate

import "errors"

var (
	// ErrLocked is returned by callers that need an error form of a locked Decision.
	ErrLocked = errors.New("rate limited")
	// ErrRedisUnavailable wraps backend failures when the guard fails closed.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
