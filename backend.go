package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/limiters"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/role"
	"github.com/MrEthical07/authcore/session"
	"github.com/sethvargo/go-retry"
)

// backend bounds calls to Redis and the AccountStore. once applies the call
// timeout; idempotent also retries transient failures with exponential
// backoff.
type backend struct {
	timeout time.Duration
	retries uint64
	base    time.Duration
}

func newBackend(cfg BackendConfig) backend {
	return backend{
		timeout: cfg.CallTimeout,
		retries: uint64(cfg.MaxRetries),
		base:    cfg.RetryBase,
	}
}

func (b backend) once(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return fn(cctx)
}

func (b backend) idempotent(ctx context.Context, fn func(context.Context) error) error {
	policy := retry.WithMaxRetries(b.retries, retry.NewExponential(b.base))
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		err := b.once(ctx, fn)
		if err == nil || !transient(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func onceValue[T any](ctx context.Context, b backend, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.once(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func idempotentValue[T any](ctx context.Context, b backend, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.idempotent(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// transient reports whether err may succeed on retry. Domain outcomes never
// do.
func transient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrRefreshReuse),
		errors.Is(err, session.ErrSessionCorrupt),
		errors.Is(err, stores.ErrTOTPPendingNotFound),
		errors.Is(err, stores.ErrChallengeNotFound),
		errors.Is(err, stores.ErrChallengeExpired),
		errors.Is(err, stores.ErrChallengeInvalid),
		errors.Is(err, stores.ErrChallengeAttemptsExceeded),
		errors.Is(err, limiters.ErrCodeRateLimited):
		return false
	default:
		return true
	}
}

/*
====================================
ACCOUNT PORT
====================================
*/

// accountPort adapts the host AccountStore to the flow interfaces.
type accountPort struct {
	store AccountStore
	b     backend
}

func (p accountPort) find(ctx context.Context, id string) (Account, error) {
	return idempotentValue(ctx, p.b, func(ctx context.Context) (Account, error) {
		return p.store.FindByID(ctx, id)
	})
}

func (p accountPort) update(ctx context.Context, id string, patch SecurityPatch) error {
	return p.b.idempotent(ctx, func(ctx context.Context) error {
		return p.store.UpdateSecurityFields(ctx, id, patch)
	})
}

func (p accountPort) updateRole(ctx context.Context, id string, r role.Role) error {
	return p.b.idempotent(ctx, func(ctx context.Context) error {
		return p.store.UpdateRole(ctx, id, r)
	})
}

func (p accountPort) FindByIdentifier(ctx context.Context, identifier string) (flows.AccountRecord, error) {
	account, err := idempotentValue(ctx, p.b, func(ctx context.Context) (Account, error) {
		return p.store.FindByIdentifier(ctx, identifier)
	})
	if err != nil {
		return flows.AccountRecord{}, err
	}
	return toRecord(account), nil
}

func (p accountPort) FindByID(ctx context.Context, id string) (flows.AccountRecord, error) {
	account, err := p.find(ctx, id)
	if err != nil {
		return flows.AccountRecord{}, err
	}
	return toRecord(account), nil
}

func (p accountPort) RecordLoginFailure(ctx context.Context, id string, failedCount int, lockedUntil time.Time) error {
	if counter, ok := p.store.(LoginFailureCounter); ok {
		_, err := onceValue(ctx, p.b, func(ctx context.Context) (int, error) {
			return counter.IncrementFailedLogins(ctx, id, lockedUntil)
		})
		return err
	}
	patch := SecurityPatch{FailedLoginCount: &failedCount}
	if !lockedUntil.IsZero() {
		patch.LockedUntil = &lockedUntil
	}
	return p.update(ctx, id, patch)
}

func (p accountPort) ClearLoginFailures(ctx context.Context, id string) error {
	zero := 0
	var unlocked time.Time
	return p.update(ctx, id, SecurityPatch{FailedLoginCount: &zero, LockedUntil: &unlocked})
}

func (p accountPort) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return p.update(ctx, id, SecurityPatch{PasswordHash: &hash})
}

func toRecord(a Account) flows.AccountRecord {
	return flows.AccountRecord{
		ID:               a.ID,
		Username:         a.Username,
		Email:            a.Email,
		PasswordHash:     a.PasswordHash,
		Role:             a.Role,
		Active:           a.Active,
		EmailVerified:    a.EmailVerified,
		TwoFactorEnabled: a.TwoFactorEnabled,
		TOTPEnabled:      a.TOTPEnabled,
		TOTPSecret:       a.TOTPSecret,
		FailedLoginCount: a.FailedLoginCount,
		LockedUntil:      a.LockedUntil,
	}
}

/*
====================================
REDIS PORTS
====================================
*/

// sessionPort bounds session.Store calls. Rotate is a compare-and-swap and
// runs once.
type sessionPort struct {
	store *session.Store
	b     backend
}

func (p sessionPort) Create(ctx context.Context, sess *session.Session, ttl time.Duration) error {
	return p.b.idempotent(ctx, func(ctx context.Context) error {
		return p.store.Create(ctx, sess, ttl)
	})
}

func (p sessionPort) Rotate(ctx context.Context, sessionID string, providedHash, nextHash [32]byte, now time.Time) (*session.Session, error) {
	return onceValue(ctx, p.b, func(ctx context.Context) (*session.Session, error) {
		return p.store.Rotate(ctx, sessionID, providedHash, nextHash, now)
	})
}

func (p sessionPort) Delete(ctx context.Context, sessionID string) (bool, error) {
	return idempotentValue(ctx, p.b, func(ctx context.Context) (bool, error) {
		return p.store.Delete(ctx, sessionID)
	})
}

func (p sessionPort) DeleteByToken(ctx context.Context, tokenHash [32]byte) (bool, error) {
	return idempotentValue(ctx, p.b, func(ctx context.Context) (bool, error) {
		return p.store.DeleteByToken(ctx, tokenHash)
	})
}

func (p sessionPort) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	return idempotentValue(ctx, p.b, func(ctx context.Context) (*session.Session, error) {
		return p.store.Get(ctx, sessionID)
	})
}

func (p sessionPort) ListForUser(ctx context.Context, userID string, now time.Time) ([]*session.Session, error) {
	return idempotentValue(ctx, p.b, func(ctx context.Context) ([]*session.Session, error) {
		return p.store.ListForUser(ctx, userID, now)
	})
}

func (p sessionPort) DeleteAllForUser(ctx context.Context, userID, exceptSessionID string) (int, error) {
	return idempotentValue(ctx, p.b, func(ctx context.Context) (int, error) {
		return p.store.DeleteAllForUser(ctx, userID, exceptSessionID)
	})
}

// challengePort bounds ChallengeStore calls. Only Peek and Invalidate are
// retried; every other call mutates attempt state.
type challengePort struct {
	store *stores.ChallengeStore
	b     backend
}

func (p challengePort) Issue(ctx context.Context, ref string, record *stores.Challenge, ttl time.Duration) error {
	return p.b.once(ctx, func(ctx context.Context) error {
		return p.store.Issue(ctx, ref, record, ttl)
	})
}

func (p challengePort) Verify(ctx context.Context, ref string, purpose stores.Purpose, codeHash [32]byte, now time.Time) (*stores.Challenge, error) {
	return onceValue(ctx, p.b, func(ctx context.Context) (*stores.Challenge, error) {
		return p.store.Verify(ctx, ref, purpose, codeHash, now)
	})
}

func (p challengePort) RecordFailure(ctx context.Context, ref string, method stores.Method, purpose stores.Purpose, now time.Time) error {
	return p.b.once(ctx, func(ctx context.Context) error {
		return p.store.RecordFailure(ctx, ref, method, purpose, now)
	})
}

func (p challengePort) Take(ctx context.Context, ref string, method stores.Method, purpose stores.Purpose, now time.Time) (*stores.Challenge, error) {
	return onceValue(ctx, p.b, func(ctx context.Context) (*stores.Challenge, error) {
		return p.store.Take(ctx, ref, method, purpose, now)
	})
}

func (p challengePort) Peek(ctx context.Context, ref string, method stores.Method, purpose stores.Purpose, now time.Time) (*stores.Challenge, error) {
	return idempotentValue(ctx, p.b, func(ctx context.Context) (*stores.Challenge, error) {
		return p.store.Peek(ctx, ref, method, purpose, now)
	})
}

func (p challengePort) Invalidate(ctx context.Context, userID string, purpose stores.Purpose) error {
	return p.b.idempotent(ctx, func(ctx context.Context) error {
		return p.store.Invalidate(ctx, userID, purpose)
	})
}

// totpPort bounds TOTPStore calls. MarkUsed is a SETNX and runs once so a
// lost reply never reports a replay.
type totpPort struct {
	store *stores.TOTPStore
	b     backend
}

func (p totpPort) MarkUsed(ctx context.Context, userID string, counter int64, ttl time.Duration) (bool, error) {
	return onceValue(ctx, p.b, func(ctx context.Context) (bool, error) {
		return p.store.MarkUsed(ctx, userID, counter, ttl)
	})
}

func (p totpPort) SavePending(ctx context.Context, userID, secret string, ttl time.Duration) error {
	return p.b.idempotent(ctx, func(ctx context.Context) error {
		return p.store.SavePending(ctx, userID, secret, ttl)
	})
}

func (p totpPort) Pending(ctx context.Context, userID string) (string, error) {
	return idempotentValue(ctx, p.b, func(ctx context.Context) (string, error) {
		return p.store.Pending(ctx, userID)
	})
}

func (p totpPort) DeletePending(ctx context.Context, userID string) error {
	return p.b.idempotent(ctx, func(ctx context.Context) error {
		return p.store.DeletePending(ctx, userID)
	})
}

// limiterPort bounds rate.Guard calls. Outage policy is applied inside the
// guard.
type limiterPort struct {
	guard *rate.Guard
	b     backend
}

func (p limiterPort) Check(ctx context.Context, key rate.Key) (rate.Decision, error) {
	return onceValue(ctx, p.b, func(ctx context.Context) (rate.Decision, error) {
		return p.guard.Check(ctx, key)
	})
}

func (p limiterPort) Record(ctx context.Context, key rate.Key, outcome rate.Outcome) (rate.Decision, error) {
	return onceValue(ctx, p.b, func(ctx context.Context) (rate.Decision, error) {
		return p.guard.Record(ctx, key, outcome)
	})
}

// codeLimiterPort bounds CodeLimiter calls. Counting a failure is not
// idempotent and runs once.
type codeLimiterPort struct {
	limiter *limiters.CodeLimiter
	b       backend
}

func (p codeLimiterPort) Check(ctx context.Context, userID string) (time.Duration, error) {
	return idempotentValue(ctx, p.b, func(ctx context.Context) (time.Duration, error) {
		return p.limiter.Check(ctx, userID)
	})
}

func (p codeLimiterPort) RecordFailure(ctx context.Context, userID string) (time.Duration, error) {
	return onceValue(ctx, p.b, func(ctx context.Context) (time.Duration, error) {
		return p.limiter.RecordFailure(ctx, userID)
	})
}

func (p codeLimiterPort) Reset(ctx context.Context, userID string) error {
	return p.b.idempotent(ctx, func(ctx context.Context) error {
		return p.limiter.Reset(ctx, userID)
	})
}
