package authcore

import (
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/password"
)

// Config holds every Engine setting. Start from [DefaultConfig].
type Config struct {
	JWT       JWTConfig
	TwoFactor TwoFactorConfig
	RateLimit RateLimitConfig
	TOTP      TOTPConfig
	Password  PasswordConfig
	Backend   BackendConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	Redis     RedisConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig selects token lifetimes and signing keys. HS256 uses PrivateKey
// as the shared secret; Ed25519 takes raw or PEM keys.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
}

/*
====================================
SECOND FACTOR CONFIG
====================================
*/

// TwoFactorConfig controls email one-time code challenges.
type TwoFactorConfig struct {
	CodeTTL     time.Duration
	CodeDigits  int
	MaxAttempts int
	// OutageAsUnavailable reports cache failures during verification as
	// ErrServiceUnavailable alone instead of ErrTwoFactorInvalid joined with
	// it. Verification fails closed either way.
	OutageAsUnavailable bool
	// SendTimeout bounds each background EmailSender.Send call.
	SendTimeout time.Duration
}

// OutagePolicy selects rate limiter behavior when Redis is unreachable.
type OutagePolicy int

const (
	// OutageFailOpen allows the attempt and logs at ERROR.
	OutageFailOpen OutagePolicy = iota
	// OutageFailClosed rejects the attempt with ErrServiceUnavailable.
	OutageFailClosed
)

// RateLimitConfig bounds failed login attempts per (identifier, IP) pair
// and per bare IP.
type RateLimitConfig struct {
	MaxFailures   int
	Window        time.Duration
	LockDuration  time.Duration
	MaxIPFailures int
	OnCacheOutage OutagePolicy
}

// TOTPConfig controls RFC 6238 codes.
type TOTPConfig struct {
	Issuer        string
	Digits        int
	Period        int
	Skew          int
	Algorithm     string
	EnrollmentTTL time.Duration
	// MaxCodeFailures wrong codes within CodeFailureWindow block further
	// ConfirmTOTP and code-based DisableTOTP calls for the account.
	MaxCodeFailures   int
	CodeFailureWindow time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig selects the scheme for new hashes. Verification accepts
// bcrypt and argon2id regardless.
type PasswordConfig struct {
	Algorithm      string // "bcrypt" (default) or "argon2id"
	BcryptCost     int
	MinLength      int
	UpgradeOnLogin bool
	Argon2         password.Argon2Params
}

/*
====================================
BACKEND CONFIG
====================================
*/

// BackendConfig bounds every AccountStore and Redis call. Only idempotent
// calls are retried.
type BackendConfig struct {
	CallTimeout time.Duration
	MaxRetries  int
	RetryBase   time.Duration
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

type RedisConfig struct {
	KeyPrefix string
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults. A signing key must still
// be supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	pw := password.DefaultConfig()
	return Config{
		JWT: JWTConfig{
			AccessTTL:     30 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "hs256",
		},
		TwoFactor: TwoFactorConfig{
			CodeTTL:     10 * time.Minute,
			CodeDigits:  6,
			MaxAttempts: 5,
			SendTimeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			MaxFailures:   5,
			Window:        15 * time.Minute,
			LockDuration:  15 * time.Minute,
			MaxIPFailures: 20,
			OnCacheOutage: OutageFailOpen,
		},
		TOTP: TOTPConfig{
			Issuer:            "authcore",
			Digits:            6,
			Period:            30,
			Skew:              1,
			Algorithm:         "SHA1",
			EnrollmentTTL:     10 * time.Minute,
			MaxCodeFailures:   5,
			CodeFailureWindow: 15 * time.Minute,
		},
		Password: PasswordConfig{
			Algorithm:      pw.Algorithm,
			BcryptCost:     pw.BcryptCost,
			MinLength:      pw.MinLength,
			UpgradeOnLogin: true,
			Argon2:         pw.Argon2,
		},
		Backend: BackendConfig{
			CallTimeout: 2 * time.Second,
			MaxRetries:  2,
			RetryBase:   25 * time.Millisecond,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
		Redis: RedisConfig{
			KeyPrefix: "ac",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate rejects non-positive durations and counts, unsupported
// algorithms, missing keys and unsupported digit counts.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be >= AccessTTL")
	}
	switch c.JWT.SigningMethod {
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("ed25519 requires PrivateKey")
		}
		if len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PublicKey")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	// Second factor
	if c.TwoFactor.CodeTTL <= 0 {
		return errors.New("TwoFactor CodeTTL must be > 0")
	}
	if c.TwoFactor.CodeDigits != 6 && c.TwoFactor.CodeDigits != 8 {
		return errors.New("TwoFactor CodeDigits must be 6 or 8")
	}
	if c.TwoFactor.MaxAttempts <= 0 || c.TwoFactor.MaxAttempts > 65535 {
		return errors.New("TwoFactor MaxAttempts must be between 1 and 65535")
	}
	if c.TwoFactor.SendTimeout <= 0 {
		return errors.New("TwoFactor SendTimeout must be > 0")
	}

	// Rate limiting
	if c.RateLimit.MaxFailures <= 0 {
		return errors.New("RateLimit MaxFailures must be > 0")
	}
	if c.RateLimit.MaxIPFailures <= 0 {
		return errors.New("RateLimit MaxIPFailures must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("RateLimit Window must be > 0")
	}
	if c.RateLimit.LockDuration <= 0 {
		return errors.New("RateLimit LockDuration must be > 0")
	}
	if c.RateLimit.OnCacheOutage != OutageFailOpen && c.RateLimit.OnCacheOutage != OutageFailClosed {
		return errors.New("RateLimit OnCacheOutage is invalid")
	}

	// TOTP
	if strings.TrimSpace(c.TOTP.Issuer) == "" {
		return errors.New("TOTP Issuer must not be empty")
	}
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period <= 0 {
		return errors.New("TOTP Period must be > 0")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 10 {
		return errors.New("TOTP Skew must be between 0 and 10")
	}
	if _, err := hmacFunc(c.TOTP.Algorithm); err != nil {
		return errors.New("TOTP Algorithm must be SHA1, SHA256 or SHA512")
	}
	if c.TOTP.EnrollmentTTL <= 0 {
		return errors.New("TOTP EnrollmentTTL must be > 0")
	}
	if c.TOTP.MaxCodeFailures <= 0 {
		return errors.New("TOTP MaxCodeFailures must be > 0")
	}
	if c.TOTP.CodeFailureWindow <= 0 {
		return errors.New("TOTP CodeFailureWindow must be > 0")
	}

	// Password
	switch c.Password.Algorithm {
	case password.AlgorithmBcrypt, password.AlgorithmArgon2id:
	default:
		return errors.New("unsupported Password Algorithm")
	}
	if c.Password.MinLength <= 0 {
		return errors.New("Password MinLength must be > 0")
	}

	// Backend
	if c.Backend.CallTimeout <= 0 {
		return errors.New("Backend CallTimeout must be > 0")
	}
	if c.Backend.MaxRetries < 0 {
		return errors.New("Backend MaxRetries must be >= 0")
	}
	if c.Backend.RetryBase <= 0 {
		return errors.New("Backend RetryBase must be > 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if strings.TrimSpace(c.Redis.KeyPrefix) == "" {
		return errors.New("Redis KeyPrefix must not be empty")
	}
	return nil
}
