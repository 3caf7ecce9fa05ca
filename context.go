package authcore

import "context"

type clientIPContextKey struct{}
type deviceTagContextKey struct{}
type sessionIDContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. Login charges
// failures to it and audit events record it.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithDeviceTag attaches a client-chosen device label, stored on the session
// family created by a successful login.
func WithDeviceTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, deviceTagContextKey{}, tag)
}

// WithSessionID marks the session family of the current request. Operations
// that revoke "other" sessions keep this one. Hosts normally set it from
// [AuthResult.SessionID].
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey{}, sessionID)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func deviceTagFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	tag, _ := ctx.Value(deviceTagContextKey{}).(string)
	return tag
}

func sessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	sid, _ := ctx.Value(sessionIDContextKey{}).(string)
	return sid
}
