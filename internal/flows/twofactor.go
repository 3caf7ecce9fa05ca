package flows

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/internal"
	"github.com/MrEthical07/authcore/internal/stores"
)

// TwoFactorFailureKind classifies second-factor failures.
type TwoFactorFailureKind int

const (
	TwoFactorFailureNone TwoFactorFailureKind = iota
	TwoFactorFailureInvalid
	TwoFactorFailureExpired
	TwoFactorFailureAttemptsExceeded
	TwoFactorFailureUnavailable
)

// TwoFactorResult is the outcome of RunVerifyTwoFactor.
type TwoFactorResult struct {
	Failure TwoFactorFailureKind
	Err     error
	UserID  string
	Method  stores.Method
	Replay  bool
}

type ChallengeStore interface {
	Issue(ctx context.Context, ref string, record *stores.Challenge, ttl time.Duration) error
	Verify(ctx context.Context, ref string, purpose stores.Purpose, codeHash [32]byte, now time.Time) (*stores.Challenge, error)
	RecordFailure(ctx context.Context, ref string, method stores.Method, purpose stores.Purpose, now time.Time) error
	Take(ctx context.Context, ref string, method stores.Method, purpose stores.Purpose, now time.Time) (*stores.Challenge, error)
	Peek(ctx context.Context, ref string, method stores.Method, purpose stores.Purpose, now time.Time) (*stores.Challenge, error)
}

// TOTPVerifier checks a code against a base32 secret and returns the
// matching time-step counter.
type TOTPVerifier interface {
	Verify(secret, code string, now time.Time) (bool, int64, error)
}

type ReplayGuard interface {
	MarkUsed(ctx context.Context, userID string, counter int64, ttl time.Duration) (bool, error)
}

// TwoFactorDeps captures challenge issuance and verification dependencies.
type TwoFactorDeps struct {
	Challenges      ChallengeStore
	Accounts        AccountReader
	AccountNotFound error
	TOTP            TOTPVerifier
	Replay          ReplayGuard
	ReplayTTL       time.Duration
	CodeTTL         time.Duration
	CodeDigits      int
	MaxAttempts     int
	Now             func() time.Time
	// SendCode delivers an email code. It must not block on delivery.
	SendCode func(ctx context.Context, account AccountRecord, code string, purpose stores.Purpose)
}

// IssueChallenge creates a challenge for account and returns its opaque
// reference. Email challenges generate and send a fresh code; only its hash
// is stored.
func IssueChallenge(
	ctx context.Context,
	account AccountRecord,
	method stores.Method,
	purpose stores.Purpose,
	deps TwoFactorDeps,
) (string, error) {
	now := nowFunc(deps.Now)()

	ref, err := internal.NewOpaqueID()
	if err != nil {
		return "", err
	}

	record := &stores.Challenge{
		UserID:    account.ID,
		Method:    method,
		Purpose:   purpose,
		Remaining: uint16(deps.MaxAttempts),
		ExpiresAt: now.Add(deps.CodeTTL).UnixMilli(),
	}

	var code string
	if method == stores.MethodEmail {
		code, err = internal.NewOTP(deps.CodeDigits)
		if err != nil {
			return "", err
		}
		record.CodeHash = internal.HashCode(ref, code)
	}

	if err := deps.Challenges.Issue(ctx, ref, record, deps.CodeTTL); err != nil {
		return "", err
	}

	if method == stores.MethodEmail && deps.SendCode != nil {
		deps.SendCode(ctx, account, code, purpose)
	}
	return ref, nil
}

// RunVerifyTwoFactor checks code against the challenge ref. Email codes are
// compared inside the store script; TOTP codes are checked here and the
// outcome is applied to the challenge afterwards.
func RunVerifyTwoFactor(ctx context.Context, ref, code string, purpose stores.Purpose, deps TwoFactorDeps) TwoFactorResult {
	if !internal.ValidOpaqueID(ref) {
		return TwoFactorResult{Failure: TwoFactorFailureInvalid}
	}
	now := nowFunc(deps.Now)()
	code = strings.TrimSpace(code)

	record, err := deps.Challenges.Peek(ctx, ref, 0, purpose, now)
	if err != nil {
		return challengeFailure(err)
	}

	switch record.Method {
	case stores.MethodEmail:
		consumed, err := deps.Challenges.Verify(ctx, ref, purpose, internal.HashCode(ref, code), now)
		if err != nil {
			res := challengeFailure(err)
			res.UserID = record.UserID
			res.Method = stores.MethodEmail
			return res
		}
		return TwoFactorResult{UserID: consumed.UserID, Method: stores.MethodEmail}

	case stores.MethodTOTP:
		res := verifyTOTPChallenge(ctx, ref, code, purpose, record, now, deps)
		res.UserID = record.UserID
		res.Method = stores.MethodTOTP
		return res

	default:
		return TwoFactorResult{Failure: TwoFactorFailureInvalid}
	}
}

func verifyTOTPChallenge(
	ctx context.Context,
	ref, code string,
	purpose stores.Purpose,
	record *stores.Challenge,
	now time.Time,
	deps TwoFactorDeps,
) TwoFactorResult {
	fail := func(replay bool) TwoFactorResult {
		res := challengeFailure(deps.Challenges.RecordFailure(ctx, ref, stores.MethodTOTP, purpose, now))
		res.Replay = replay
		return res
	}

	account, err := deps.Accounts.FindByID(ctx, record.UserID)
	if err != nil {
		if deps.AccountNotFound != nil && errors.Is(err, deps.AccountNotFound) {
			_, _ = deps.Challenges.Take(ctx, ref, stores.MethodTOTP, purpose, now)
			return TwoFactorResult{Failure: TwoFactorFailureInvalid, Err: err}
		}
		return TwoFactorResult{Failure: TwoFactorFailureUnavailable, Err: err}
	}
	if !account.TOTPEnabled || account.TOTPSecret == "" {
		_, _ = deps.Challenges.Take(ctx, ref, stores.MethodTOTP, purpose, now)
		return TwoFactorResult{Failure: TwoFactorFailureInvalid}
	}

	ok, replay, err := VerifyTOTPCode(ctx, account.ID, account.TOTPSecret, code, now, deps)
	if err != nil {
		return TwoFactorResult{Failure: TwoFactorFailureUnavailable, Err: err}
	}
	if !ok {
		return fail(replay)
	}

	if _, err := deps.Challenges.Take(ctx, ref, stores.MethodTOTP, purpose, now); err != nil {
		return challengeFailure(err)
	}
	return TwoFactorResult{}
}

// VerifyTOTPCode checks code against secret and burns its time step for
// userID. replay is true when the code was valid but its step was already
// used.
func VerifyTOTPCode(
	ctx context.Context,
	userID, secret, code string,
	now time.Time,
	deps TwoFactorDeps,
) (ok bool, replay bool, err error) {
	valid, counter, verr := deps.TOTP.Verify(secret, code, now)
	if verr != nil || !valid {
		return false, false, nil
	}

	first, err := deps.Replay.MarkUsed(ctx, userID, counter, deps.ReplayTTL)
	if err != nil {
		return false, false, err
	}
	if !first {
		return false, true, nil
	}
	return true, false, nil
}

func challengeFailure(err error) TwoFactorResult {
	switch {
	case err == nil:
		return TwoFactorResult{Failure: TwoFactorFailureInvalid}
	case errors.Is(err, stores.ErrChallengeNotFound), errors.Is(err, stores.ErrChallengeInvalid):
		return TwoFactorResult{Failure: TwoFactorFailureInvalid, Err: err}
	case errors.Is(err, stores.ErrChallengeExpired):
		return TwoFactorResult{Failure: TwoFactorFailureExpired, Err: err}
	case errors.Is(err, stores.ErrChallengeAttemptsExceeded):
		return TwoFactorResult{Failure: TwoFactorFailureAttemptsExceeded, Err: err}
	default:
		return TwoFactorResult{Failure: TwoFactorFailureUnavailable, Err: err}
	}
}
