package session

import "time"

// Session is one refresh-token family. RefreshHash is the SHA-256 of the
// family's current refresh token id; every other id ever issued to the
// family is stale. Timestamps are unix milliseconds.
type Session struct {
	SessionID string
	UserID    string
	Role      string
	DeviceTag string
	IP        string

	RefreshHash [32]byte

	CreatedAt int64
	RotatedAt int64
	ExpiresAt int64
}

// Expired reports whether the family is past its absolute lifetime at now.
func (s *Session) Expired(now time.Time) bool {
	return now.UnixMilli() >= s.ExpiresAt
}
