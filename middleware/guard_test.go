package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/role"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "correct horse battery"

type staticAccounts map[string]authcore.Account

func (s staticAccounts) FindByIdentifier(_ context.Context, identifier string) (authcore.Account, error) {
	for _, a := range s {
		if a.Username == identifier {
			return a, nil
		}
	}
	return authcore.Account{}, authcore.ErrAccountNotFound
}

func (s staticAccounts) FindByID(_ context.Context, id string) (authcore.Account, error) {
	a, ok := s[id]
	if !ok {
		return authcore.Account{}, authcore.ErrAccountNotFound
	}
	return a, nil
}

func (s staticAccounts) UpdateSecurityFields(context.Context, string, authcore.SecurityPatch) error {
	return nil
}

func (s staticAccounts) UpdateRole(context.Context, string, role.Role) error { return nil }

type nopSender struct{}

func (nopSender) Send(context.Context, authcore.EmailMessage) error { return nil }

func newEngine(t *testing.T) *authcore.Engine {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	accounts := staticAccounts{}
	for _, a := range []struct {
		id string
		r  role.Role
	}{{"u-user", role.User}, {"u-admin", role.Admin}} {
		accounts[a.id] = authcore.Account{
			ID:            a.id,
			Username:      a.id,
			PasswordHash:  string(hash),
			Role:          a.r,
			Active:        true,
			EmailVerified: true,
		}
	}

	cfg := authcore.DefaultConfig()
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Password.BcryptCost = bcrypt.MinCost

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithAccountStore(accounts).
		WithEmailSender(nopSender{}).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func accessToken(t *testing.T, engine *authcore.Engine, username string) string {
	t.Helper()
	tokens, err := engine.LoginTokens(context.Background(), username, testPassword)
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return tokens.AccessToken
}

func serve(handler http.Handler, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGuardRoles(t *testing.T) {
	engine := newEngine(t)
	userToken := accessToken(t, engine, "u-user")
	adminToken := accessToken(t, engine, "u-admin")

	var seen *authcore.AuthResult
	handler := Guard(engine, role.Admin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = AuthResultFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"user lacks admin", userToken, http.StatusForbidden},
		{"admin allowed", adminToken, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(handler, "/admin", tt.token); rec.Code != tt.want {
				t.Fatalf("status: got %d want %d", rec.Code, tt.want)
			}
		})
	}
	if seen == nil || seen.UserID != "u-admin" || seen.Role != role.Admin {
		t.Fatalf("auth result not propagated: %+v", seen)
	}
}

func TestRequireOwner(t *testing.T) {
	engine := newEngine(t)
	userToken := accessToken(t, engine, "u-user")
	adminToken := accessToken(t, engine, "u-admin")

	handler := RequireOwner(engine, func(r *http.Request) string {
		return strings.TrimPrefix(r.URL.Path, "/accounts/")
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		target string
		token  string
		want   int
	}{
		{"owner", "/accounts/u-user", userToken, http.StatusOK},
		{"other account", "/accounts/u-admin", userToken, http.StatusForbidden},
		{"admin on any account", "/accounts/u-user", adminToken, http.StatusOK},
		{"empty owner", "/accounts/", adminToken, http.StatusForbidden},
		{"no token", "/accounts/u-user", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(handler, tt.target, tt.token); rec.Code != tt.want {
				t.Fatalf("status: got %d want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestGuardNilEngine(t *testing.T) {
	handler := Guard(nil, role.User)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	if rec := serve(handler, "/", "token"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		token, ok := bearerToken(tt.header)
		if token != tt.token || ok != tt.ok {
			t.Fatalf("bearerToken(%q) = %q, %v", tt.header, token, ok)
		}
	}
}

func TestClientInfoForwardsAddress(t *testing.T) {
	engine := newEngine(t)

	var result *authcore.LoginResult
	handler := ClientInfo(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var err error
		result, err = engine.Login(r.Context(), "u-user", testPassword)
		if err != nil {
			t.Errorf("login: %v", err)
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	req.Header.Set("X-Device-Tag", "laptop")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if result == nil || result.Tokens == nil {
		t.Fatal("expected tokens")
	}
	sessions, err := engine.ListSessions(context.Background(), "u-user")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].IP != "203.0.113.9" || sessions[0].DeviceTag != "laptop" {
		t.Fatalf("client info not recorded: %+v", sessions)
	}
}
