package flows

import (
	"context"
	"time"

	"github.com/MrEthical07/authcore/role"
)

// AccountRecord is the flow-local view of an account.
type AccountRecord struct {
	ID               string
	Username         string
	Email            string
	PasswordHash     string
	Role             role.Role
	Active           bool
	EmailVerified    bool
	TwoFactorEnabled bool
	TOTPEnabled      bool
	TOTPSecret       string
	FailedLoginCount int
	LockedUntil      time.Time
}

// AccountReader resolves accounts. Implementations return the error held in
// the flow's AccountNotFound field when no account matches.
type AccountReader interface {
	FindByIdentifier(ctx context.Context, identifier string) (AccountRecord, error)
	FindByID(ctx context.Context, id string) (AccountRecord, error)
}

// AccountWriter persists the security fields flows are allowed to touch.
type AccountWriter interface {
	// RecordLoginFailure persists failedCount, or increments atomically when
	// the store can.
	RecordLoginFailure(ctx context.Context, id string, failedCount int, lockedUntil time.Time) error
	ClearLoginFailures(ctx context.Context, id string) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

// Deps groups flow dependency sets. The engine builds this once and
// delegates request methods to the matching flow.
type Deps struct {
	Credentials CredentialDeps
	Login       LoginDeps
	TwoFactor   TwoFactorDeps
	Tokens      TokenDeps
	Refresh     RefreshDeps
}

func nowFunc(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}

func warnFunc(warn func(string, ...any)) func(string, ...any) {
	if warn == nil {
		return func(string, ...any) {}
	}
	return warn
}
