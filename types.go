package authcore

import (
	"context"
	"time"

	"github.com/MrEthical07/authcore/role"
)

// Account is the host-owned account record as the Engine sees it.
// PasswordHash is empty for accounts created through an external identity
// provider.
type Account struct {
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
	OAuthProvider    string
}

// SecurityPatch lists the account fields the Engine writes. Nil fields are
// left untouched. A zero LockedUntil clears the lock.
type SecurityPatch struct {
	PasswordHash     *string
	TwoFactorEnabled *bool
	TOTPEnabled      *bool
	TOTPSecret       *string
	FailedLoginCount *int
	LockedUntil      *time.Time
}

// AccountStore is the persistence port for accounts. FindByIdentifier
// matches the exact username or the email case-insensitively. Both finders
// return [ErrAccountNotFound] when nothing matches.
type AccountStore interface {
	FindByIdentifier(ctx context.Context, identifier string) (Account, error)
	FindByID(ctx context.Context, id string) (Account, error)
	UpdateSecurityFields(ctx context.Context, id string, patch SecurityPatch) error
	UpdateRole(ctx context.Context, id string, r role.Role) error
}

// LoginFailureCounter is an optional AccountStore extension. A store that
// implements it increments failed_login_count in one statement and returns
// the new value; a non-zero lockedUntil is written with it. Stores without
// it are sent the count from the shared rate-limit counter.
type LoginFailureCounter interface {
	IncrementFailedLogins(ctx context.Context, id string, lockedUntil time.Time) (int, error)
}

// EmailMessage is a one-time code delivery. Text is a plain default body;
// hosts that render their own templates use Code and ExpiresAt instead.
type EmailMessage struct {
	To        string
	Subject   string
	Text      string
	Code      string
	Purpose   string
	ExpiresAt time.Time
}

// EmailSender delivers one-time codes. Send runs off the request path and
// its failures are only logged.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// Clock supplies the current time. Every expiry decision uses it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// TwoFactorMethod names the second factor a login challenge expects.
type TwoFactorMethod string

const (
	TwoFactorEmail TwoFactorMethod = "email"
	TwoFactorTOTP  TwoFactorMethod = "totp"
)

// LoginState is the state a login attempt reached.
type LoginState string

const (
	LoginStateStart               LoginState = "start"
	LoginStateLocked              LoginState = "locked"
	LoginStateCredentialsChecked  LoginState = "credentials_checked"
	LoginStateCredentialsRejected LoginState = "credentials_rejected"
	LoginStateTwoFactorPending    LoginState = "two_factor_pending"
	LoginStateTwoFactorVerified   LoginState = "two_factor_verified"
	LoginStateTokensIssued        LoginState = "tokens_issued"
)

// Tokens is an access/refresh pair and the session family it belongs to.
type Tokens struct {
	AccessToken      string
	RefreshToken     string
	SessionID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LoginResult is returned by successful Login and VerifyTwoFactor calls.
// Exactly one of Tokens and ChallengeRef is set.
type LoginResult struct {
	State        LoginState
	UserID       string
	Tokens       *Tokens
	ChallengeRef string
	Method       TwoFactorMethod
}

// TwoFactorRequired reports whether the caller must complete VerifyTwoFactor.
func (r *LoginResult) TwoFactorRequired() bool {
	return r != nil && r.State == LoginStateTwoFactorPending
}

// ExternalIdentity is an identity already authenticated by an OAuth
// provider and resolved to a local account by the host.
type ExternalIdentity struct {
	Provider   string
	Identifier string
}

// AuthResult describes an authorized access token.
type AuthResult struct {
	UserID    string
	Role      role.Role
	SessionID string
	TokenID   string
	ExpiresAt time.Time
}

// SessionInfo describes one live session family.
type SessionInfo struct {
	SessionID string
	DeviceTag string
	IP        string
	CreatedAt time.Time
	RotatedAt time.Time
	ExpiresAt time.Time
	Current   bool
}

// TOTPEnrollment is returned by EnrollTOTP. The secret is pending until
// ConfirmTOTP succeeds.
type TOTPEnrollment struct {
	Secret          string
	ProvisioningURI string
	ExpiresAt       time.Time
}
