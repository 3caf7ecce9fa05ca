package authcore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.JWT.AccessTTL != 30*time.Minute || cfg.JWT.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("unexpected token lifetimes: %s / %s", cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL)
	}
	if cfg.TwoFactor.CodeTTL != 10*time.Minute || cfg.TwoFactor.CodeDigits != 6 || cfg.TwoFactor.MaxAttempts != 5 {
		t.Fatalf("unexpected two-factor defaults: %+v", cfg.TwoFactor)
	}
	if cfg.RateLimit.MaxFailures != 5 || cfg.RateLimit.Window != 15*time.Minute || cfg.RateLimit.OnCacheOutage != OutageFailOpen {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.TOTP.Period != 30 || cfg.TOTP.Skew != 1 || cfg.TOTP.Digits != 6 {
		t.Fatalf("unexpected totp defaults: %+v", cfg.TOTP)
	}
	if cfg.Password.Algorithm != "bcrypt" || cfg.Password.BcryptCost != 12 {
		t.Fatalf("unexpected password defaults: %+v", cfg.Password)
	}

	// Defaults are complete except for the signing key.
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing signing key to be rejected")
	}
	cfg.JWT.PrivateKey = make([]byte, 32)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with a key must validate: %v", err)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero access ttl", func(c *Config) { c.JWT.AccessTTL = 0 }, "AccessTTL"},
		{"refresh shorter than access", func(c *Config) { c.JWT.RefreshTTL = time.Minute }, "RefreshTTL"},
		{"short hs256 key", func(c *Config) { c.JWT.PrivateKey = []byte("short") }, "hs256"},
		{"unknown signing method", func(c *Config) { c.JWT.SigningMethod = "rs256" }, "signing method"},
		{"ed25519 without public key", func(c *Config) { c.JWT.SigningMethod = "ed25519" }, "PublicKey"},
		{"seven code digits", func(c *Config) { c.TwoFactor.CodeDigits = 7 }, "CodeDigits"},
		{"zero attempts", func(c *Config) { c.TwoFactor.MaxAttempts = 0 }, "MaxAttempts"},
		{"negative code ttl", func(c *Config) { c.TwoFactor.CodeTTL = -time.Second }, "CodeTTL"},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }, "Window"},
		{"bad outage policy", func(c *Config) { c.RateLimit.OnCacheOutage = OutagePolicy(9) }, "OnCacheOutage"},
		{"totp digits", func(c *Config) { c.TOTP.Digits = 10 }, "TOTP Digits"},
		{"totp algorithm", func(c *Config) { c.TOTP.Algorithm = "MD5" }, "TOTP Algorithm"},
		{"totp code budget", func(c *Config) { c.TOTP.MaxCodeFailures = 0 }, "MaxCodeFailures"},
		{"totp code window", func(c *Config) { c.TOTP.CodeFailureWindow = 0 }, "CodeFailureWindow"},
		{"password algorithm", func(c *Config) { c.Password.Algorithm = "scrypt" }, "Password Algorithm"},
		{"backend timeout", func(c *Config) { c.Backend.CallTimeout = 0 }, "CallTimeout"},
		{"empty prefix", func(c *Config) { c.Redis.KeyPrefix = " " }, "KeyPrefix"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestBuildRequiresPorts(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tests := []struct {
		name  string
		build func() *Builder
		want  string
	}{
		{"redis", func() *Builder {
			return New().WithConfig(testConfig()).WithAccountStore(newMemoryAccounts()).WithEmailSender(newCaptureSender())
		}, "redis"},
		{"account store", func() *Builder {
			return New().WithConfig(testConfig()).WithRedis(rdb).WithEmailSender(newCaptureSender())
		}, "account store"},
		{"email sender", func() *Builder {
			return New().WithConfig(testConfig()).WithRedis(rdb).WithAccountStore(newMemoryAccounts())
		}, "email sender"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.build().Build()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestBuilderIsSingleUse(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := New().WithConfig(testConfig()).WithRedis(rdb).WithAccountStore(newMemoryAccounts()).WithEmailSender(newCaptureSender())
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer engine.Close()

	if _, err := b.Build(); err == nil {
		t.Fatal("second Build must fail")
	}
}

func TestWithConfigCopiesKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	accounts := newMemoryAccounts()
	b := New().WithConfig(cfg).WithRedis(rdb).WithAccountStore(accounts).WithEmailSender(newCaptureSender())
	for i := range cfg.JWT.PrivateKey {
		cfg.JWT.PrivateKey[i] = 0
	}

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer engine.Close()

	accounts.put(Account{ID: "u-1", Username: "alice", PasswordHash: hashPassword(t, testPassword), Role: 1, Active: true})
	res, err := engine.Login(context.Background(), "alice", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := engine.Authorize(context.Background(), res.Tokens.AccessToken, 1, ""); err != nil {
		t.Fatalf("authorize with original key: %v", err)
	}
}

func TestNilEngine(t *testing.T) {
	var e *Engine
	if _, err := e.Login(context.Background(), "a", "b"); err != ErrEngineNotReady {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if _, err := e.Authorize(context.Background(), "t", 1, ""); err != ErrEngineNotReady {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	e.Close()
	if e.AuditDropped() != 0 {
		t.Fatal("nil engine drops nothing")
	}
}
