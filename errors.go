package authcore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers unknown identifiers, wrong passwords and
	// accounts without a password. The cases are not distinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountInactive is returned only after the password was verified.
	ErrAccountInactive = errors.New("account inactive")
	// ErrAccountNotFound is returned by AccountStore implementations when no
	// account matches.
	ErrAccountNotFound = errors.New("account not found")
	// ErrRateLimited matches every *RateLimitedError.
	ErrRateLimited = errors.New("rate limited")
	// ErrTwoFactorRequired matches every *TwoFactorRequiredError.
	ErrTwoFactorRequired         = errors.New("two-factor verification required")
	ErrTwoFactorInvalid          = errors.New("two-factor code invalid")
	ErrTwoFactorExpired          = errors.New("two-factor code expired")
	ErrTwoFactorAttemptsExceeded = errors.New("two-factor attempts exceeded")
	ErrTwoFactorAlreadyEnabled   = errors.New("two-factor already enabled")
	ErrEmailNotVerified          = errors.New("email not verified")

	ErrTokenExpired   = errors.New("token expired")
	ErrTokenRevoked   = errors.New("token revoked")
	ErrTokenMalformed = errors.New("token malformed")

	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrInsufficientRole = errors.New("insufficient role")
	ErrSelfRoleChange   = errors.New("cannot change own role")
	ErrInvalidRole      = errors.New("invalid role")

	// ErrServiceUnavailable wraps Redis and AccountStore failures.
	ErrServiceUnavailable = errors.New("service unavailable")

	ErrPasswordUnchanged = errors.New("new password must differ from current password")
	ErrPasswordPolicy    = errors.New("password policy violation")
	ErrNoPasswordSet     = errors.New("account has no password")

	ErrTOTPAlreadyEnabled     = errors.New("totp already enabled")
	ErrTOTPNotEnabled         = errors.New("totp not enabled")
	ErrTOTPEnrollmentNotFound = errors.New("totp enrollment not found")
	ErrSessionNotFound        = errors.New("session not found")
	ErrEngineNotReady         = errors.New("engine not initialized")
)

// RateLimitedError is returned by Login while the identifier or source IP is
// locked out.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Second))
}

// Is makes errors.Is(err, ErrRateLimited) true.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// TwoFactorRequiredError is returned by helpers that can only report tokens,
// such as [Engine.LoginTokens], when a second factor is pending.
type TwoFactorRequiredError struct {
	ChallengeRef string
	Method       TwoFactorMethod
}

func (e *TwoFactorRequiredError) Error() string {
	return "two-factor verification required (" + string(e.Method) + ")"
}

// Is makes errors.Is(err, ErrTwoFactorRequired) true.
func (e *TwoFactorRequiredError) Is(target error) bool {
	return target == ErrTwoFactorRequired
}

func unavailable(err error) error {
	if err == nil {
		return ErrServiceUnavailable
	}
	if errors.Is(err, ErrServiceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
}
