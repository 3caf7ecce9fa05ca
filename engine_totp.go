package authcore

import (
	"context"
	"errors"

	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/limiters"
	"github.com/MrEthical07/authcore/internal/stores"
)

// EnrollTOTP creates a pending secret for accountID. It becomes active only
// after ConfirmTOTP; an unconfirmed secret lapses after TOTP.EnrollmentTTL.
// Enrolling again replaces the pending secret.
func (e *Engine) EnrollTOTP(ctx context.Context, accountID string) (*TOTPEnrollment, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	account, err := e.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.TOTPEnabled {
		return nil, ErrTOTPAlreadyEnabled
	}

	secret, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	ttl := e.config.TOTP.EnrollmentTTL
	if err := e.totpStore.SavePending(ctx, accountID, secret, ttl); err != nil {
		return nil, e.backendFailure(ctx, "totp_save_pending", err)
	}

	label := account.Email
	if label == "" {
		label = account.Username
	}

	e.emitAudit(ctx, auditEntry{event: auditEventTOTPEnrollStarted, success: true, userID: accountID})
	return &TOTPEnrollment{
		Secret:          secret,
		ProvisioningURI: e.totp.ProvisionURI(secret, label),
		ExpiresAt:       e.clock.Now().Add(ttl),
	}, nil
}

// ConfirmTOTP activates the pending secret when code matches it. The code's
// time step is burned, so it cannot be replayed at login.
func (e *Engine) ConfirmTOTP(ctx context.Context, accountID, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	secret, err := e.totpStore.Pending(ctx, accountID)
	if err != nil {
		if errors.Is(err, stores.ErrTOTPPendingNotFound) {
			return ErrTOTPEnrollmentNotFound
		}
		return e.backendFailure(ctx, "totp_pending", err)
	}

	ok, err := e.verifyLimitedCode(ctx, accountID, secret, code)
	if err != nil {
		return err
	}
	if !ok {
		e.emitAudit(ctx, auditEntry{event: auditEventTOTPEnabled, userID: accountID, err: ErrTwoFactorInvalid})
		return ErrTwoFactorInvalid
	}

	enabled := true
	if err := e.accounts.update(ctx, accountID, SecurityPatch{TOTPEnabled: &enabled, TOTPSecret: &secret}); err != nil {
		return e.accountWriteError(ctx, "totp_enable", err)
	}
	if err := e.totpStore.DeletePending(ctx, accountID); err != nil {
		e.warn("authcore: pending totp cleanup failed", "user_id", accountID, "error", err)
	}

	e.emitAudit(ctx, auditEntry{event: auditEventTOTPEnabled, success: true, userID: accountID})
	return nil
}

// DisableTOTP clears the secret. The caller proves possession with either
// the account password or a current code; the password is checked first
// when both are given. Every other session of the account is ended.
func (e *Engine) DisableTOTP(ctx context.Context, accountID, password, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	account, err := e.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.TOTPEnabled {
		return ErrTOTPNotEnabled
	}

	authorized := false
	switch {
	case password != "":
		authorized = e.passwordMatches(account, password)
	case code != "":
		ok, verr := e.verifyLimitedCode(ctx, accountID, account.TOTPSecret, code)
		if verr != nil {
			return verr
		}
		authorized = ok
	}
	if !authorized {
		e.emitAudit(ctx, auditEntry{event: auditEventTOTPDisabled, userID: accountID, err: ErrInvalidCredentials})
		return ErrInvalidCredentials
	}

	disabled := false
	cleared := ""
	if err := e.accounts.update(ctx, accountID, SecurityPatch{TOTPEnabled: &disabled, TOTPSecret: &cleared}); err != nil {
		return e.accountWriteError(ctx, "totp_disable", err)
	}
	if err := e.challenges.Invalidate(ctx, accountID, stores.PurposeLogin); err != nil {
		e.warn("authcore: pending challenge cleanup failed", "user_id", accountID, "error", err)
	}
	e.revokeOtherSessions(ctx, accountID)

	e.emitAudit(ctx, auditEntry{event: auditEventTOTPDisabled, success: true, userID: accountID})
	return nil
}

// verifyLimitedCode checks code against secret under the per-account code
// budget. A spent budget returns *RateLimitedError; cache failures fail
// closed.
func (e *Engine) verifyLimitedCode(ctx context.Context, accountID, secret, code string) (bool, error) {
	retryAfter, err := e.codeLimits.Check(ctx, accountID)
	if err != nil {
		if errors.Is(err, limiters.ErrCodeRateLimited) {
			e.metricInc(MetricTwoFactorFailure)
			return false, &RateLimitedError{RetryAfter: retryAfter}
		}
		return false, errors.Join(ErrTwoFactorInvalid, e.backendFailure(ctx, "totp_code_limit", err))
	}

	ok, replay, err := flows.VerifyTOTPCode(ctx, accountID, secret, code, e.clock.Now(), e.flows.TwoFactor)
	if err != nil {
		return false, errors.Join(ErrTwoFactorInvalid, e.backendFailure(ctx, "totp_replay", err))
	}
	if ok {
		if err := e.codeLimits.Reset(ctx, accountID); err != nil {
			e.warn("authcore: code limiter reset failed", "user_id", accountID, "error", err)
		}
		return true, nil
	}

	e.metricInc(MetricTwoFactorFailure)
	if replay {
		e.metricInc(MetricTOTPReplay)
	}
	if _, err := e.codeLimits.RecordFailure(ctx, accountID); err != nil && !errors.Is(err, limiters.ErrCodeRateLimited) {
		e.warn("authcore: code failure not counted", "user_id", accountID, "error", err)
	}
	return false, nil
}
