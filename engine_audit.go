package authcore

import (
	"context"
	"errors"
)

const (
	auditEventLoginSuccess         = "login_success"
	auditEventLoginFailure         = "login_failure"
	auditEventLoginRateLimited     = "login_rate_limited"
	auditEventLoginLockTripped     = "login_lock_tripped"
	auditEventTwoFactorRequired    = "two_factor_required"
	auditEventTwoFactorSuccess     = "two_factor_success"
	auditEventTwoFactorFailure     = "two_factor_failure"
	auditEventTwoFactorEnabled     = "two_factor_enabled"
	auditEventTwoFactorDisabled    = "two_factor_disabled"
	auditEventTwoFactorTestSent    = "two_factor_test_sent"
	auditEventTwoFactorTestVerify  = "two_factor_test_verified"
	auditEventTOTPEnrollStarted    = "totp_enroll_started"
	auditEventTOTPEnabled          = "totp_enabled"
	auditEventTOTPDisabled         = "totp_disabled"
	auditEventRefreshSuccess       = "refresh_success"
	auditEventRefreshInvalid       = "refresh_invalid"
	auditEventRefreshReuseDetected = "refresh_reuse_detected"
	auditEventLogout               = "logout"
	auditEventTokenRevoked         = "token_revoked"
	auditEventSessionRevoked       = "session_revoked"
	auditEventSessionsRevokedAll   = "sessions_revoked_all"
	auditEventPasswordChanged      = "password_changed"
	auditEventPasswordChangeFailed = "password_change_failed"
	auditEventRoleChanged          = "role_changed"
	auditEventRoleChangeDenied     = "role_change_denied"
)

// AuditErrorCode is the stable error label written into audit events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountInactive    AuditErrorCode = "account_inactive"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrTwoFactorInvalid   AuditErrorCode = "two_factor_invalid"
	auditErrTwoFactorExpired   AuditErrorCode = "two_factor_expired"
	auditErrAttemptsExceeded   AuditErrorCode = "attempts_exceeded"
	auditErrTokenExpired       AuditErrorCode = "token_expired"
	auditErrTokenRevoked       AuditErrorCode = "token_revoked"
	auditErrTokenMalformed     AuditErrorCode = "token_malformed"
	auditErrInsufficientRole   AuditErrorCode = "insufficient_role"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrPasswordUnchanged  AuditErrorCode = "password_unchanged"
	auditErrNotFound           AuditErrorCode = "not_found"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

type auditEntry struct {
	event     string
	success   bool
	userID    string
	sessionID string
	state     LoginState
	err       error
	metadata  func() map[string]string
}

func (e *Engine) emitAudit(ctx context.Context, entry auditEntry) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if entry.metadata != nil {
		metadata = entry.metadata()
	}

	event := AuditEvent{
		Timestamp: e.clock.Now().UTC(),
		EventType: entry.event,
		UserID:    entry.userID,
		SessionID: entry.sessionID,
		State:     string(entry.state),
		IP:        clientIPFromContext(ctx),
		Success:   entry.success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(entry.err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	// Unavailable first: it is joined onto other classifications.
	switch {
	case errors.Is(err, ErrServiceUnavailable):
		return auditErrUnavailable
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrNoPasswordSet):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountInactive):
		return auditErrAccountInactive
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrTwoFactorAttemptsExceeded):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrTwoFactorExpired):
		return auditErrTwoFactorExpired
	case errors.Is(err, ErrTwoFactorInvalid):
		return auditErrTwoFactorInvalid
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenRevoked):
		return auditErrTokenRevoked
	case errors.Is(err, ErrTokenMalformed), errors.Is(err, ErrUnauthenticated):
		return auditErrTokenMalformed
	case errors.Is(err, ErrInsufficientRole), errors.Is(err, ErrSelfRoleChange):
		return auditErrInsufficientRole
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrPasswordUnchanged):
		return auditErrPasswordUnchanged
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrSessionNotFound):
		return auditErrNotFound
	default:
		return auditErrInternal
	}
}
