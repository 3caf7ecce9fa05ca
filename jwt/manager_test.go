package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newHSManager(t *testing.T, clock *fakeClock) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("test-secret-test-secret-test-secret"),
		Issuer:        "authcore",
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestAccessRoundTripCarriesClaims(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := newHSManager(t, clock)

	issued, err := m.CreateAccess("u1", "admin", "fam-1")
	if err != nil {
		t.Fatalf("create access: %v", err)
	}
	claims, err := m.Parse(issued.Token, TypeAccess)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.Subject != "u1" || claims.Role != "admin" || claims.SessionID != "fam-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ID != issued.ID || claims.ID == "" {
		t.Fatalf("expected jti %q, got %q", issued.ID, claims.ID)
	}
	if got := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time); got != 15*time.Minute {
		t.Fatalf("expected 15m lifetime, got %v", got)
	}
}

func TestParseRejectsWrongType(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := newHSManager(t, clock)

	refresh, err := m.CreateRefresh("u1", "fam-1")
	if err != nil {
		t.Fatalf("create refresh: %v", err)
	}
	if _, err := m.Parse(refresh.Token, TypeAccess); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected refresh token to be rejected as access, got %v", err)
	}
	if _, err := m.Parse(refresh.Token, TypeRefresh); err != nil {
		t.Fatalf("expected refresh token to parse: %v", err)
	}
}

func TestParseClassifiesExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := newHSManager(t, clock)

	issued, err := m.CreateAccess("u1", "user", "fam-1")
	if err != nil {
		t.Fatalf("create access: %v", err)
	}

	clock.now = clock.now.Add(16 * time.Minute)
	if _, err := m.Parse(issued.Token, TypeAccess); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := m.ParseIgnoringExpiry(issued.Token, TypeAccess); err != nil {
		t.Fatalf("expected expired token to parse without claim validation: %v", err)
	}
}

func TestParseRejectsTamperedSignature(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := newHSManager(t, clock)

	issued, err := m.CreateAccess("u1", "user", "fam-1")
	if err != nil {
		t.Fatalf("create access: %v", err)
	}
	tampered := issued.Token[:len(issued.Token)-2] + "xx"
	if _, err := m.Parse(tampered, TypeAccess); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := m.Parse("not-a-token", TypeAccess); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for garbage, got %v", err)
	}
}

func TestParseRejectsWrongAlgorithm(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		SigningMethod: MethodEd25519,
		PublicKey:     pub,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	claims := Claims{
		Type:      TypeAccess,
		SessionID: "s1",
		RegisteredClaims: gjwt.RegisteredClaims{
			Subject:   "u1",
			ID:        "t1",
			IssuedAt:  gjwt.NewNumericDate(time.Now()),
			ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString([]byte("secret-secret-secret-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := m.Parse(token, TypeAccess); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected wrong algorithm to be rejected, got %v", err)
	}
}

func TestEd25519RoundTripWithKeyID(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		KeyID:         "k1",
		VerifyKeys:    map[string][]byte{"k1": pub},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	issued, err := m.CreateRefresh("u1", "fam")
	if err != nil {
		t.Fatalf("create refresh: %v", err)
	}
	if _, err := m.Parse(issued.Token, TypeRefresh); err != nil {
		t.Fatalf("parse refresh: %v", err)
	}
}

func TestNewManagerValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero ttl", Config{RefreshTTL: time.Hour, SigningMethod: MethodHS256, PrivateKey: []byte("k")}},
		{"hs256 without key", Config{AccessTTL: time.Minute, RefreshTTL: time.Hour, SigningMethod: MethodHS256}},
		{"unknown method", Config{AccessTTL: time.Minute, RefreshTTL: time.Hour, SigningMethod: "rs256"}},
		{"excess leeway", Config{AccessTTL: time.Minute, RefreshTTL: time.Hour, SigningMethod: MethodHS256, PrivateKey: []byte("k"), Leeway: time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewManager(tt.cfg); err == nil {
				t.Fatal("expected configuration error")
			}
		})
	}
}

func TestCreateRefreshUntilCapsExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := newHSManager(t, clock)

	limit := clock.now.Add(36*time.Hour + 500*time.Millisecond)
	issued, err := m.CreateRefreshUntil("u1", "fam", "tok-1", limit)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if want := clock.now.Add(36 * time.Hour); !issued.ExpiresAt.Equal(want) {
		t.Fatalf("expected exp %v, got %v", want, issued.ExpiresAt)
	}
	claims, err := m.Parse(issued.Token, TypeRefresh)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !claims.ExpiresAt.Time.Equal(issued.ExpiresAt) {
		t.Fatalf("claim exp %v differs from reported %v", claims.ExpiresAt.Time, issued.ExpiresAt)
	}

	far, err := m.CreateRefreshUntil("u1", "fam", "tok-2", clock.now.Add(30*24*time.Hour))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := far.ExpiresAt.Sub(clock.now); got != 7*24*time.Hour {
		t.Fatalf("a distant limit must not extend the ttl, got %v", got)
	}

	clock.now = clock.now.Add(36*time.Hour + time.Second)
	if _, err := m.Parse(issued.Token, TypeRefresh); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired after the cap, got %v", err)
	}
}
