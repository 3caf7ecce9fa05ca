package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/role"
)

type authResultContextKey struct{}

// AuthResultFromContext returns the result stored by Guard or RequireOwner.
func AuthResultFromContext(ctx context.Context) (*authcore.AuthResult, bool) {
	res, ok := ctx.Value(authResultContextKey{}).(*authcore.AuthResult)
	return res, ok
}

// Guard admits requests whose access token carries requiredRole or higher.
func Guard(engine *authcore.Engine, requiredRole role.Role) func(http.Handler) http.Handler {
	return authorize(engine, func(*http.Request) (role.Role, string, bool) {
		return requiredRole, "", true
	})
}

// RequireOwner admits the account returned by ownerFromRequest and any
// admin. An empty owner is rejected.
func RequireOwner(engine *authcore.Engine, ownerFromRequest func(*http.Request) string) func(http.Handler) http.Handler {
	return authorize(engine, func(r *http.Request) (role.Role, string, bool) {
		owner := ownerFromRequest(r)
		return role.Admin, owner, owner != ""
	})
}

func authorize(engine *authcore.Engine, requirement func(*http.Request) (role.Role, string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			required, owner, ok := requirement(r)
			if !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			res, err := engine.Authorize(r.Context(), token, required, owner)
			if err != nil {
				writeAuthError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), authResultContextKey{}, res)
			next.ServeHTTP(w, r.WithContext(authcore.WithSessionID(ctx, res.SessionID)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authcore.ErrInsufficientRole):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}
	return token, true
}

// ClientInfo copies the remote address and the X-Device-Tag header onto the
// request context. Proxies that rewrite RemoteAddr should run before it.
func ClientInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if ip := remoteIP(r.RemoteAddr); ip != "" {
			ctx = authcore.WithClientIP(ctx, ip)
		}
		if tag := strings.TrimSpace(r.Header.Get("X-Device-Tag")); tag != "" {
			ctx = authcore.WithDeviceTag(ctx, tag)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
