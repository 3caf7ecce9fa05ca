package authcore

import (
	"context"
	"errors"
	"log/slog"

	internalaudit "github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/limiters"
	"github.com/MrEthical07/authcore/internal/logging"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an [Engine]. It is single-use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	accounts  AccountStore
	sender    EmailSender
	clock     Clock
	logger    *slog.Logger
	auditSink AuditSink

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the shared cache. Scripts touch several keys per call, so
// cluster deployments need a hash-tagged Redis.KeyPrefix such as "{ac}".
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithAccountStore(store AccountStore) *Builder {
	b.accounts = store
	return b
}

func (b *Builder) WithEmailSender(sender EmailSender) *Builder {
	b.sender = sender
	return b
}

// WithClock replaces the wall clock. Tests use it to drive expiry.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithAuditSink sets the audit destination. Events are only delivered when
// Audit.Enabled is true.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.accounts == nil {
		return nil, errors.New("account store required")
	}
	if b.sender == nil {
		return nil, errors.New("email sender required")
	}

	clock := b.clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := b.logger
	if logger == nil {
		logger = logging.Discard()
	}

	hasher, err := password.New(password.Config{
		Algorithm:  cfg.Password.Algorithm,
		MinLength:  cfg.Password.MinLength,
		BcryptCost: cfg.Password.BcryptCost,
		Argon2:     cfg.Password.Argon2,
	})
	if err != nil {
		return nil, err
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		Now:           clock.Now,
	})
	if err != nil {
		return nil, err
	}

	bk := newBackend(cfg.Backend)
	prefix := cfg.Redis.KeyPrefix

	engine := &Engine{
		config:     cfg,
		clock:      clock,
		logger:     logger.With("component", "authcore"),
		accounts:   accountPort{store: b.accounts, b: bk},
		sessions:   sessionPort{store: session.NewStore(b.redis, prefix), b: bk},
		challenges: challengePort{store: stores.NewChallengeStore(b.redis, prefix), b: bk},
		totpStore:  totpPort{store: stores.NewTOTPStore(b.redis, prefix), b: bk},
		hasher:     hasher,
		totp:       newTOTPManager(cfg.TOTP),
		jwtManager: jm,
		sender:     b.sender,
		metrics:    NewMetrics(cfg.Metrics),
	}

	guard := rate.New(b.redis, rate.Config{
		Prefix:        prefix,
		MaxFailures:   cfg.RateLimit.MaxFailures,
		MaxIPFailures: cfg.RateLimit.MaxIPFailures,
		Window:        cfg.RateLimit.Window,
		LockDuration:  cfg.RateLimit.LockDuration,
		FailOpen:      cfg.RateLimit.OnCacheOutage == OutageFailOpen,
		OnDegraded:    engine.onRateLimitDegraded,
	}, clock.Now)
	engine.limiter = limiterPort{guard: guard, b: bk}
	engine.codeLimits = codeLimiterPort{
		limiter: limiters.NewCodeLimiter(b.redis, limiters.CodeLimiterConfig{
			Prefix:      prefix,
			MaxFailures: cfg.TOTP.MaxCodeFailures,
			Window:      cfg.TOTP.CodeFailureWindow,
		}),
		b: bk,
	}

	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		Now:        clock.Now,
	}, b.auditSink)

	engine.flows = engine.buildFlowDeps()

	b.built = true
	return engine, nil
}

func (e *Engine) buildFlowDeps() flows.Deps {
	var deps flows.Deps

	deps.Credentials = flows.CredentialDeps{
		Accounts:        e.accounts,
		Passwords:       e.hasher,
		AccountNotFound: ErrAccountNotFound,
	}
	deps.Tokens = flows.TokenDeps{
		Tokens:   e.jwtManager,
		Sessions: e.sessions,
		Now:      e.clock.Now,
	}
	deps.TwoFactor = flows.TwoFactorDeps{
		Challenges:      e.challenges,
		Accounts:        e.accounts,
		AccountNotFound: ErrAccountNotFound,
		TOTP:            e.totp,
		Replay:          e.totpStore,
		ReplayTTL:       e.totp.ReplayTTL(),
		CodeTTL:         e.config.TwoFactor.CodeTTL,
		CodeDigits:      e.config.TwoFactor.CodeDigits,
		MaxAttempts:     e.config.TwoFactor.MaxAttempts,
		Now:             e.clock.Now,
		SendCode:        e.sendCode,
	}
	deps.Refresh = flows.RefreshDeps{
		Tokens:          e.jwtManager,
		Sessions:        e.sessions,
		Accounts:        e.accounts,
		AccountNotFound: ErrAccountNotFound,
		Now:             e.clock.Now,
		Warn:            e.warn,
	}

	twoFactor := deps.TwoFactor
	tokens := deps.Tokens
	deps.Login = flows.LoginDeps{
		Limiter:       e.limiter,
		Accounts:      e.accounts,
		Rehasher:      e.hasher,
		RehashOnLogin: e.config.Password.UpgradeOnLogin,
		LockDuration:  e.config.RateLimit.LockDuration,
		Now:           e.clock.Now,
		Warn:          e.warn,
		IssueChallenge: func(ctx context.Context, account flows.AccountRecord, method stores.Method, purpose stores.Purpose) (string, error) {
			return flows.IssueChallenge(ctx, account, method, purpose, twoFactor)
		},
		IssueTokens: func(ctx context.Context, account flows.AccountRecord, deviceTag, ip string) (*flows.TokenPair, error) {
			return flows.IssueTokens(ctx, account, deviceTag, ip, tokens)
		},
	}
	return deps
}

// WithLatencyHistograms records Authorize latency. It implies metrics.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	if enabled {
		b.config.Metrics.Enabled = true
	}
	return b
}
