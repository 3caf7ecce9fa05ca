package authcore

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/session"
)

// Refresh rotates refreshToken and returns a new pair in the same family.
//
// Presenting a token that was already rotated revokes the whole family. An
// account that is gone or inactive also loses the family and gets
// ErrTokenRevoked joined with ErrAccountInactive.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	res := flows.RunRefresh(ctx, refreshToken, e.flows.Refresh)
	if res.Failure == flows.RefreshFailureNone {
		tokens := toTokens(res.Tokens)
		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(ctx, auditEntry{event: auditEventRefreshSuccess, success: true, userID: res.UserID, sessionID: res.SessionID})
		return tokens, nil
	}

	var err error
	switch res.Failure {
	case flows.RefreshFailureMalformed:
		err = ErrTokenMalformed
	case flows.RefreshFailureExpired:
		err = ErrTokenExpired
	case flows.RefreshFailureRevoked:
		err = ErrTokenRevoked
	case flows.RefreshFailureReuse:
		err = ErrTokenRevoked
		e.metricInc(MetricRefreshReuseDetected)
		e.logger.WarnContext(ctx, "authcore: refresh token reuse detected", "user_id", res.UserID, "session_id", res.SessionID)
		e.emitAudit(ctx, auditEntry{event: auditEventRefreshReuseDetected, userID: res.UserID, sessionID: res.SessionID, err: err})
	case flows.RefreshFailureInactive:
		err = errors.Join(ErrTokenRevoked, ErrAccountInactive)
	default:
		err = e.backendFailure(ctx, "refresh", res.Err)
	}

	e.metricInc(MetricRefreshFailure)
	if res.Failure != flows.RefreshFailureReuse {
		e.emitAudit(ctx, auditEntry{event: auditEventRefreshInvalid, userID: res.UserID, sessionID: res.SessionID, err: err})
	}
	return nil, err
}

// Logout ends the family of refreshToken. Tokens that cannot be verified
// are ignored so clients can always log out; only a cache failure is
// reported.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	sessionID, userID, err := flows.RunLogout(ctx, refreshToken, e.flows.Refresh)
	if err != nil {
		return e.backendFailure(ctx, "logout", err)
	}
	if sessionID == "" {
		return nil
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEntry{event: auditEventLogout, success: true, userID: userID, sessionID: sessionID})
	return nil
}

// RevokeToken ends the family that refresh token id tokenID (its jti) was
// issued to. Unknown ids succeed.
func (e *Engine) RevokeToken(ctx context.Context, tokenID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := flows.RunRevokeToken(ctx, tokenID, e.flows.Refresh); err != nil {
		return e.backendFailure(ctx, "revoke_token", err)
	}
	e.emitAudit(ctx, auditEntry{event: auditEventTokenRevoked, success: true})
	return nil
}

// ListSessions returns the live session families of accountID, newest
// first. The family named by [WithSessionID] is flagged Current.
func (e *Engine) ListSessions(ctx context.Context, accountID string) ([]SessionInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	families, err := e.sessions.ListForUser(ctx, accountID, e.clock.Now())
	if err != nil {
		return nil, e.backendFailure(ctx, "list_sessions", err)
	}

	current := sessionIDFromContext(ctx)
	out := make([]SessionInfo, 0, len(families))
	for _, s := range families {
		out = append(out, SessionInfo{
			SessionID: s.SessionID,
			DeviceTag: s.DeviceTag,
			IP:        s.IP,
			CreatedAt: time.UnixMilli(s.CreatedAt),
			RotatedAt: time.UnixMilli(s.RotatedAt),
			ExpiresAt: time.UnixMilli(s.ExpiresAt),
			Current:   s.SessionID == current,
		})
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// RevokeSession ends one family of accountID. Families of other accounts
// are reported as ErrSessionNotFound.
func (e *Engine) RevokeSession(ctx context.Context, accountID, sessionID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionCorrupt) {
			return ErrSessionNotFound
		}
		return e.backendFailure(ctx, "get_session", err)
	}
	if sess.UserID != accountID {
		return ErrSessionNotFound
	}

	if _, err := e.sessions.Delete(ctx, sessionID); err != nil {
		return e.backendFailure(ctx, "revoke_session", err)
	}
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEntry{event: auditEventSessionRevoked, success: true, userID: accountID, sessionID: sessionID})
	return nil
}

// RevokeAllSessions ends every family of accountID except exceptSessionID,
// which may be empty, and returns how many were ended.
func (e *Engine) RevokeAllSessions(ctx context.Context, accountID, exceptSessionID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	n, err := e.sessions.DeleteAllForUser(ctx, accountID, exceptSessionID)
	if err != nil {
		return 0, e.backendFailure(ctx, "revoke_all_sessions", err)
	}
	for i := 0; i < n; i++ {
		e.metricInc(MetricSessionRevoked)
	}
	e.emitAudit(ctx, auditEntry{
		event:     auditEventSessionsRevokedAll,
		success:   true,
		userID:    accountID,
		sessionID: exceptSessionID,
		metadata:  countMetadata(n),
	})
	return n, nil
}
