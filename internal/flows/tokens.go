package flows

import (
	"context"
	"time"

	"github.com/MrEthical07/authcore/internal"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/session"
	"github.com/google/uuid"
)

// TokenPair is an issued access/refresh pair and the family it belongs to.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	SessionID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

type TokenManager interface {
	CreateAccess(subject, role, sessionID string) (jwt.Issued, error)
	CreateRefreshWithID(subject, sessionID, tokenID string) (jwt.Issued, error)
	CreateRefreshUntil(subject, sessionID, tokenID string, notAfter time.Time) (jwt.Issued, error)
	Parse(tokenStr, expectedType string) (*jwt.Claims, error)
	ParseIgnoringExpiry(tokenStr, expectedType string) (*jwt.Claims, error)
}

type SessionStore interface {
	Create(ctx context.Context, sess *session.Session, ttl time.Duration) error
	Rotate(ctx context.Context, sessionID string, providedHash, nextHash [32]byte, now time.Time) (*session.Session, error)
	Delete(ctx context.Context, sessionID string) (bool, error)
	DeleteByToken(ctx context.Context, tokenHash [32]byte) (bool, error)
}

// TokenDeps captures token issuance dependencies.
type TokenDeps struct {
	Tokens   TokenManager
	Sessions SessionStore
	Now      func() time.Time
}

// IssueTokens starts a new session family for account and signs its first
// token pair.
func IssueTokens(ctx context.Context, account AccountRecord, deviceTag, ip string, deps TokenDeps) (*TokenPair, error) {
	now := nowFunc(deps.Now)()

	sessionID, err := internal.NewOpaqueID()
	if err != nil {
		return nil, err
	}
	refreshID := uuid.NewString()

	refresh, err := deps.Tokens.CreateRefreshWithID(account.ID, sessionID, refreshID)
	if err != nil {
		return nil, err
	}
	access, err := deps.Tokens.CreateAccess(account.ID, account.Role.String(), sessionID)
	if err != nil {
		return nil, err
	}

	sess := &session.Session{
		SessionID:   sessionID,
		UserID:      account.ID,
		Role:        account.Role.String(),
		DeviceTag:   deviceTag,
		IP:          ip,
		RefreshHash: internal.HashString(refreshID),
		CreatedAt:   now.UnixMilli(),
		RotatedAt:   now.UnixMilli(),
		ExpiresAt:   refresh.ExpiresAt.UnixMilli(),
	}
	ttl := refresh.ExpiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := deps.Sessions.Create(ctx, sess, ttl); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		SessionID:        sessionID,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}
