package flows

import (
	"context"
	"time"

	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
)

// LoginState is a node of the login state machine.
type LoginState string

const (
	StateStart               LoginState = "start"
	StateLocked              LoginState = "locked"
	StateCredentialsChecked  LoginState = "credentials_checked"
	StateCredentialsRejected LoginState = "credentials_rejected"
	StateTwoFactorPending    LoginState = "two_factor_pending"
	StateTwoFactorVerified   LoginState = "two_factor_verified"
	StateTokensIssued        LoginState = "tokens_issued"
)

// LoginFailureKind classifies login failures for root-level mapping.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailureRateLimited
	LoginFailureInvalidCredentials
	LoginFailureInactive
	LoginFailureUnavailable
)

// LoginInput describes one login attempt.
type LoginInput struct {
	Identifier string
	Password   string
	IP         string
	DeviceTag  string
	// Trusted skips the password check for identities already
	// authenticated by an external provider.
	Trusted bool
}

// LoginResult is the flow-local login response shape.
type LoginResult struct {
	State             LoginState
	Failure           LoginFailureKind
	Err               error
	CredentialFailure CredentialFailureKind
	Account           AccountRecord
	RetryAfter        time.Duration
	// LockTripped is true when this attempt created the lock.
	LockTripped  bool
	ChallengeRef string
	Method       stores.Method
	Tokens       *TokenPair
}

type LoginLimiter interface {
	Check(ctx context.Context, key rate.Key) (rate.Decision, error)
	Record(ctx context.Context, key rate.Key, outcome rate.Outcome) (rate.Decision, error)
}

type PasswordRehasher interface {
	NeedsRehash(encoded string) bool
	Hash(password string) (string, error)
}

// LoginDeps captures login dependencies.
type LoginDeps struct {
	Limiter       LoginLimiter
	Accounts      AccountWriter
	Rehasher      PasswordRehasher
	RehashOnLogin bool
	LockDuration  time.Duration
	Now           func() time.Time
	Warn          func(string, ...any)

	IssueChallenge func(ctx context.Context, account AccountRecord, method stores.Method, purpose stores.Purpose) (string, error)
	IssueTokens    func(ctx context.Context, account AccountRecord, deviceTag, ip string) (*TokenPair, error)
}

// RunLogin drives the login state machine up to TokensIssued or
// TwoFactorPending.
func RunLogin(ctx context.Context, in LoginInput, creds CredentialDeps, deps LoginDeps) LoginResult {
	now := nowFunc(deps.Now)()
	warn := warnFunc(deps.Warn)
	key := rate.Key{Identifier: in.Identifier, IP: in.IP}

	if deps.Limiter != nil {
		decision, err := deps.Limiter.Check(ctx, key)
		if err != nil {
			return LoginResult{State: StateStart, Failure: LoginFailureUnavailable, Err: err}
		}
		if decision.Locked {
			return LoginResult{State: StateLocked, Failure: LoginFailureRateLimited, RetryAfter: decision.RetryAfter}
		}
	}

	var cred CredentialResult
	if in.Trusted {
		cred = ResolveTrusted(ctx, in.Identifier, creds)
	} else {
		cred = VerifyCredentials(ctx, in.Identifier, in.Password, creds)
	}

	if cred.Failure == CredentialFailureBackend {
		return LoginResult{State: StateStart, Failure: LoginFailureUnavailable, Err: cred.Err}
	}

	// The durable lock outlives cache flushes.
	if cred.Found && cred.Account.LockedUntil.After(now) {
		return LoginResult{
			State:      StateLocked,
			Failure:    LoginFailureRateLimited,
			Account:    cred.Account,
			RetryAfter: cred.Account.LockedUntil.Sub(now),
		}
	}

	switch cred.Failure {
	case CredentialFailureNotFound, CredentialFailureBadPassword, CredentialFailureNoPasswordSet:
		result := LoginResult{
			State:             StateCredentialsRejected,
			Failure:           LoginFailureInvalidCredentials,
			CredentialFailure: cred.Failure,
			Account:           cred.Account,
		}
		result.LockTripped = recordLoginFailure(ctx, key, cred, now, deps, warn)
		return result
	case CredentialFailureInactive:
		return LoginResult{
			State:             StateCredentialsRejected,
			Failure:           LoginFailureInactive,
			CredentialFailure: cred.Failure,
			Account:           cred.Account,
		}
	}

	account := cred.Account
	if deps.Limiter != nil {
		if _, err := deps.Limiter.Record(ctx, key, rate.OutcomeSuccess); err != nil {
			warn("authcore: rate limit reset failed", "error", err)
		}
	}
	if deps.Accounts != nil && (account.FailedLoginCount > 0 || !account.LockedUntil.IsZero()) {
		if err := deps.Accounts.ClearLoginFailures(ctx, account.ID); err != nil {
			warn("authcore: clearing login failures failed", "user_id", account.ID, "error", err)
		}
	}

	if !in.Trusted {
		upgradePasswordHash(ctx, account, in.Password, deps, warn)
	}
	in.Password = ""

	return CompleteLogin(ctx, account, in.DeviceTag, in.IP, deps)
}

// CompleteLogin runs the part of the state machine after CredentialsChecked:
// it either opens a second-factor challenge or issues tokens.
func CompleteLogin(ctx context.Context, account AccountRecord, deviceTag, ip string, deps LoginDeps) LoginResult {
	var method stores.Method
	switch {
	case account.TOTPEnabled && account.TOTPSecret != "":
		method = stores.MethodTOTP
	case account.TwoFactorEnabled:
		method = stores.MethodEmail
	}

	if method != 0 {
		ref, err := deps.IssueChallenge(ctx, account, method, stores.PurposeLogin)
		if err != nil {
			return LoginResult{
				State:   StateCredentialsChecked,
				Failure: LoginFailureUnavailable,
				Err:     err,
				Account: account,
			}
		}
		return LoginResult{
			State:        StateTwoFactorPending,
			Account:      account,
			ChallengeRef: ref,
			Method:       method,
		}
	}

	tokens, err := deps.IssueTokens(ctx, account, deviceTag, ip)
	if err != nil {
		return LoginResult{
			State:   StateCredentialsChecked,
			Failure: LoginFailureUnavailable,
			Err:     err,
			Account: account,
		}
	}
	return LoginResult{State: StateTokensIssued, Account: account, Tokens: tokens}
}

func recordLoginFailure(
	ctx context.Context,
	key rate.Key,
	cred CredentialResult,
	now time.Time,
	deps LoginDeps,
	warn func(string, ...any),
) bool {
	var (
		tripped  bool
		failures int
	)
	if deps.Limiter != nil {
		decision, err := deps.Limiter.Record(ctx, key, rate.OutcomeFailure)
		if err != nil {
			warn("authcore: rate limit record failed", "error", err)
		}
		tripped = decision.Tripped
		failures = decision.Failures
	}

	if !cred.Found || deps.Accounts == nil {
		return tripped
	}
	var lockedUntil time.Time
	if tripped && deps.LockDuration > 0 {
		lockedUntil = now.Add(deps.LockDuration)
	}
	// The shared counter is incremented atomically, so concurrent failures
	// see distinct values; the loaded row may be stale.
	count := max(failures, cred.Account.FailedLoginCount+1)
	if err := deps.Accounts.RecordLoginFailure(ctx, cred.Account.ID, count, lockedUntil); err != nil {
		warn("authcore: recording login failure failed", "user_id", cred.Account.ID, "error", err)
	}
	return tripped
}

func upgradePasswordHash(ctx context.Context, account AccountRecord, password string, deps LoginDeps, warn func(string, ...any)) {
	if !deps.RehashOnLogin || deps.Rehasher == nil || deps.Accounts == nil {
		return
	}
	if !deps.Rehasher.NeedsRehash(account.PasswordHash) {
		return
	}
	upgraded, err := deps.Rehasher.Hash(password)
	if err != nil {
		warn("authcore: password hash upgrade generation failed", "user_id", account.ID)
		return
	}
	if err := deps.Accounts.UpdatePasswordHash(ctx, account.ID, upgraded); err != nil {
		warn("authcore: password hash upgrade update failed", "user_id", account.ID, "error", err)
	}
}
