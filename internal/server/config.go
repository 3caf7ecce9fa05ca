package server

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/internal/logging"
	"github.com/MrEthical07/authcore/mailer"
	"github.com/MrEthical07/authcore/store/sqlstore"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the reference server configuration. It is read from YAML, then
// AUTHCORE_* environment variables override individual keys.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  logging.Config `yaml:"logging"`
	Sentry   SentryConfig   `yaml:"sentry"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Mail     MailConfig     `yaml:"mail"`
	Auth     AuthConfig     `yaml:"auth"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

type RedisConfig struct {
	Addrs     []string `yaml:"addrs"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
}

type DatabaseConfig struct {
	Driver  string `yaml:"driver"` // pgx or sqlite3
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

type MailConfig struct {
	Mode string            `yaml:"mode"` // smtp or log
	SMTP mailer.SMTPConfig `yaml:"smtp"`
}

// AuthConfig carries the engine settings operators usually tune. Anything
// not listed keeps the engine default.
type AuthConfig struct {
	SigningKey      string        `yaml:"signing_key"` // base64, at least 32 bytes decoded
	Issuer          string        `yaml:"issuer"`
	Audience        string        `yaml:"audience"`
	AccessTTL       time.Duration `yaml:"access_ttl"`
	RefreshTTL      time.Duration `yaml:"refresh_ttl"`
	CodeTTL         time.Duration `yaml:"code_ttl"`
	MaxFailures     int           `yaml:"max_failures"`
	LockDuration    time.Duration `yaml:"lock_duration"`
	FailClosed      bool          `yaml:"rate_limit_fail_closed"`
	TOTPIssuer      string        `yaml:"totp_issuer"`
	Metrics         bool          `yaml:"metrics"`
	LatencyMetrics  bool          `yaml:"latency_metrics"`
	Audit           bool          `yaml:"audit"`
	UpgradeOnLogin  bool          `yaml:"upgrade_on_login"`
	OutageAsFailure bool          `yaml:"two_factor_outage_unavailable"`
}

// Load reads path (optional) and the environment. A .env file in the working
// directory is loaded first when present; existing variables win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	engine := authcore.DefaultConfig()
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Redis: RedisConfig{
			Addrs:     []string{"localhost:6379"},
			KeyPrefix: engine.Redis.KeyPrefix,
		},
		Database: DatabaseConfig{
			Driver:  string(sqlstore.DialectSQLite),
			DSN:     "authcore.db",
			Migrate: true,
		},
		Mail: MailConfig{
			Mode: "log",
		},
		Auth: AuthConfig{
			AccessTTL:    engine.JWT.AccessTTL,
			RefreshTTL:   engine.JWT.RefreshTTL,
			CodeTTL:      engine.TwoFactor.CodeTTL,
			MaxFailures:  engine.RateLimit.MaxFailures,
			LockDuration: engine.RateLimit.LockDuration,
			TOTPIssuer:   engine.TOTP.Issuer,
			Metrics:      true,
		},
	}
}

func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"AUTHCORE_HTTP_ADDR":      &cfg.HTTP.Addr,
		"AUTHCORE_LOG_LEVEL":      &cfg.Logging.Level,
		"AUTHCORE_LOG_FORMAT":     &cfg.Logging.Format,
		"AUTHCORE_SENTRY_DSN":     &cfg.Sentry.DSN,
		"AUTHCORE_SENTRY_ENV":     &cfg.Sentry.Environment,
		"AUTHCORE_REDIS_PASSWORD": &cfg.Redis.Password,
		"AUTHCORE_DB_DRIVER":      &cfg.Database.Driver,
		"AUTHCORE_DB_DSN":         &cfg.Database.DSN,
		"AUTHCORE_MAIL_MODE":      &cfg.Mail.Mode,
		"AUTHCORE_SMTP_HOST":      &cfg.Mail.SMTP.Host,
		"AUTHCORE_SMTP_USERNAME":  &cfg.Mail.SMTP.Username,
		"AUTHCORE_SMTP_PASSWORD":  &cfg.Mail.SMTP.Password,
		"AUTHCORE_SMTP_FROM":      &cfg.Mail.SMTP.From,
		"AUTHCORE_SIGNING_KEY":    &cfg.Auth.SigningKey,
		"AUTHCORE_ISSUER":         &cfg.Auth.Issuer,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v := os.Getenv("AUTHCORE_REDIS_ADDRS"); v != "" {
		cfg.Redis.Addrs = splitList(v)
	}
	if v := os.Getenv("AUTHCORE_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AUTHCORE_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}
	if v := os.Getenv("AUTHCORE_SMTP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AUTHCORE_SMTP_PORT: %w", err)
		}
		cfg.Mail.SMTP.Port = n
	}
	if v := os.Getenv("AUTHCORE_RATE_LIMIT_FAIL_CLOSED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUTHCORE_RATE_LIMIT_FAIL_CLOSED: %w", err)
		}
		cfg.Auth.FailClosed = b
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks server-level settings; engine settings are validated again
// by the builder.
func (c *Config) Validate() error {
	var errs []string

	if c.HTTP.Addr == "" {
		errs = append(errs, "http.addr is required")
	}
	if len(c.Redis.Addrs) == 0 {
		errs = append(errs, "redis.addrs is required")
	}
	switch sqlstore.Dialect(c.Database.Driver) {
	case sqlstore.DialectPostgres, sqlstore.DialectSQLite:
	default:
		errs = append(errs, "database.driver must be pgx or sqlite3")
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	switch c.Mail.Mode {
	case "log":
	case "smtp":
		if c.Mail.SMTP.Host == "" || c.Mail.SMTP.Port <= 0 || c.Mail.SMTP.From == "" {
			errs = append(errs, "mail.smtp host, port and from are required in smtp mode")
		}
	default:
		errs = append(errs, "mail.mode must be smtp or log")
	}
	if key, err := c.Auth.signingKey(); err != nil {
		errs = append(errs, "auth.signing_key: "+err.Error())
	} else if len(key) < 32 {
		errs = append(errs, "auth.signing_key must decode to at least 32 bytes (set AUTHCORE_SIGNING_KEY)")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (a AuthConfig) signingKey() ([]byte, error) {
	if a.SigningKey == "" {
		return nil, fmt.Errorf("required")
	}
	return base64.StdEncoding.DecodeString(a.SigningKey)
}

// EngineConfig maps the server settings onto authcore defaults.
func (c *Config) EngineConfig() (authcore.Config, error) {
	key, err := c.Auth.signingKey()
	if err != nil {
		return authcore.Config{}, fmt.Errorf("auth.signing_key: %w", err)
	}

	cfg := authcore.DefaultConfig()
	cfg.JWT.PrivateKey = key
	cfg.JWT.Issuer = c.Auth.Issuer
	cfg.JWT.Audience = c.Auth.Audience
	cfg.JWT.AccessTTL = c.Auth.AccessTTL
	cfg.JWT.RefreshTTL = c.Auth.RefreshTTL
	cfg.TwoFactor.CodeTTL = c.Auth.CodeTTL
	cfg.TwoFactor.OutageAsUnavailable = c.Auth.OutageAsFailure
	cfg.RateLimit.MaxFailures = c.Auth.MaxFailures
	cfg.RateLimit.LockDuration = c.Auth.LockDuration
	if c.Auth.FailClosed {
		cfg.RateLimit.OnCacheOutage = authcore.OutageFailClosed
	}
	cfg.TOTP.Issuer = c.Auth.TOTPIssuer
	cfg.Password.UpgradeOnLogin = c.Auth.UpgradeOnLogin
	cfg.Metrics.Enabled = c.Auth.Metrics || c.Auth.LatencyMetrics
	cfg.Metrics.EnableLatencyHistograms = c.Auth.LatencyMetrics
	cfg.Audit.Enabled = c.Auth.Audit
	cfg.Redis.KeyPrefix = c.Redis.KeyPrefix
	return cfg, nil
}
