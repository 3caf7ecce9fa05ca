package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authcore/internal"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/session"
	"github.com/google/uuid"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureMalformed
	RefreshFailureExpired
	RefreshFailureRevoked
	RefreshFailureReuse
	RefreshFailureInactive
	RefreshFailureUnavailable
)

// RefreshResult carries either the issued token pair or failure metadata.
type RefreshResult struct {
	Failure   RefreshFailureKind
	Err       error
	SessionID string
	UserID    string
	Tokens    *TokenPair
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	Tokens          TokenManager
	Sessions        SessionStore
	Accounts        AccountReader
	AccountNotFound error
	Now             func() time.Time
	Warn            func(string, ...any)
}

// RunRefresh rotates the presented refresh token. The account is read before
// the compare-and-swap so an unreachable account store never strands a
// family on an id that was not handed out.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	warn := warnFunc(deps.Warn)

	claims, err := deps.Tokens.Parse(refreshToken, jwt.TypeRefresh)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return RefreshResult{Failure: RefreshFailureExpired, Err: err}
		}
		return RefreshResult{Failure: RefreshFailureMalformed, Err: err}
	}
	result := RefreshResult{SessionID: claims.SessionID, UserID: claims.Subject}

	revoke := func(kind RefreshFailureKind, cause error) RefreshResult {
		if _, delErr := deps.Sessions.Delete(ctx, claims.SessionID); delErr != nil {
			warn("authcore: session revoke failed", "session_id", claims.SessionID, "error", delErr)
		}
		result.Failure = kind
		result.Err = cause
		return result
	}

	account, err := deps.Accounts.FindByID(ctx, claims.Subject)
	if err != nil {
		if deps.AccountNotFound != nil && errors.Is(err, deps.AccountNotFound) {
			return revoke(RefreshFailureInactive, err)
		}
		result.Failure = RefreshFailureUnavailable
		result.Err = err
		return result
	}
	if !account.Active {
		return revoke(RefreshFailureInactive, nil)
	}

	nextID := uuid.NewString()
	sess, err := deps.Sessions.Rotate(
		ctx,
		claims.SessionID,
		internal.HashString(claims.ID),
		internal.HashString(nextID),
		nowFunc(deps.Now)(),
	)
	if err != nil {
		result.Err = err
		switch {
		case errors.Is(err, session.ErrRefreshReuse):
			result.Failure = RefreshFailureReuse
		case errors.Is(err, session.ErrSessionExpired):
			result.Failure = RefreshFailureExpired
		case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionCorrupt):
			result.Failure = RefreshFailureRevoked
		default:
			result.Failure = RefreshFailureUnavailable
		}
		return result
	}
	if sess.UserID != claims.Subject {
		return revoke(RefreshFailureRevoked, nil)
	}

	// The family's lifetime is absolute; the rotated token cannot outlive it.
	refresh, err := deps.Tokens.CreateRefreshUntil(account.ID, claims.SessionID, nextID, time.UnixMilli(sess.ExpiresAt))
	if err != nil {
		result.Failure = RefreshFailureUnavailable
		result.Err = err
		return result
	}
	access, err := deps.Tokens.CreateAccess(account.ID, account.Role.String(), claims.SessionID)
	if err != nil {
		result.Failure = RefreshFailureUnavailable
		result.Err = err
		return result
	}

	result.Tokens = &TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		SessionID:        claims.SessionID,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}
	return result
}

// RunLogout ends the family of refreshToken. Tokens that do not verify are
// ignored; expired ones still end their family.
func RunLogout(ctx context.Context, refreshToken string, deps RefreshDeps) (sessionID, userID string, err error) {
	claims, parseErr := deps.Tokens.ParseIgnoringExpiry(refreshToken, jwt.TypeRefresh)
	if parseErr != nil {
		return "", "", nil
	}
	if _, err := deps.Sessions.Delete(ctx, claims.SessionID); err != nil {
		return claims.SessionID, claims.Subject, err
	}
	return claims.SessionID, claims.Subject, nil
}

// RunRevokeToken ends the family a refresh token id was issued to. Unknown
// ids are a no-op.
func RunRevokeToken(ctx context.Context, tokenID string, deps RefreshDeps) error {
	if tokenID == "" {
		return nil
	}
	_, err := deps.Sessions.DeleteByToken(ctx, internal.HashString(tokenID))
	return err
}
