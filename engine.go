package authcore

import (
	"context"
	"log/slog"
	"sync"

	internalaudit "github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/password"
)

// Engine is the authentication core. Build one with [New] and share it; all
// methods are safe for concurrent use.
type Engine struct {
	config Config
	clock  Clock
	logger *slog.Logger

	accounts   accountPort
	sessions   sessionPort
	challenges challengePort
	totpStore  totpPort
	limiter    limiterPort
	codeLimits codeLimiterPort

	hasher     *password.Hasher
	totp       *totpManager
	jwtManager *jwt.Manager
	sender     EmailSender

	audit   *internalaudit.Dispatcher
	metrics *Metrics

	flows flows.Deps

	sendMu sync.RWMutex
	sends  sync.WaitGroup
	closed bool
}

// Close waits for pending email deliveries, then drains and stops the audit
// dispatcher. The Engine must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.sendMu.Lock()
	e.closed = true
	e.sendMu.Unlock()
	e.sends.Wait()

	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns how many audit events were dropped because the
// buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) warn(msg string, args ...any) {
	e.logger.Warn(msg, args...)
}

func (e *Engine) onRateLimitDegraded(ctx context.Context, op string, err error) {
	e.metricInc(MetricRateLimitDegraded)
	e.logger.ErrorContext(ctx, "authcore: rate limiter backend unavailable",
		"component", "ratelimit",
		"op", op,
		"fail_open", e.config.RateLimit.OnCacheOutage == OutageFailOpen,
		"error", err,
	)
}

func (e *Engine) backendFailure(ctx context.Context, op string, err error) error {
	e.metricInc(MetricBackendUnavailable)
	e.logger.ErrorContext(ctx, "authcore: backend call failed", "op", op, "error", err)
	return unavailable(err)
}
