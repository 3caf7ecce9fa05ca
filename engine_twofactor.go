package authcore

import (
	"context"
	"errors"
	"strconv"

	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/stores"
)

// VerifyTwoFactor completes a login left in TwoFactorPending. The challenge
// is consumed on success; a wrong code spends one attempt.
func (e *Engine) VerifyTwoFactor(ctx context.Context, challengeRef, code string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	res := flows.RunVerifyTwoFactor(ctx, challengeRef, code, stores.PurposeLogin, e.flows.TwoFactor)
	if res.Failure != flows.TwoFactorFailureNone {
		err := e.twoFactorError(ctx, res)
		e.recordTwoFactorFailure(ctx, res, err)
		return nil, err
	}

	account, err := e.accounts.FindByID(ctx, res.UserID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrTwoFactorInvalid
		}
		return nil, e.backendFailure(ctx, "two_factor_account", err)
	}
	if !account.Active {
		e.emitAudit(ctx, auditEntry{event: auditEventLoginFailure, userID: account.ID, state: LoginStateTwoFactorVerified, err: ErrAccountInactive})
		return nil, ErrAccountInactive
	}

	e.metricInc(MetricTwoFactorSuccess)
	e.emitAudit(ctx, auditEntry{
		event:    auditEventTwoFactorSuccess,
		success:  true,
		userID:   account.ID,
		state:    LoginStateTwoFactorVerified,
		metadata: methodMetadata(res.Method),
	})

	pair, err := e.flows.Login.IssueTokens(ctx, account, deviceTagFromContext(ctx), clientIPFromContext(ctx))
	if err != nil {
		return nil, e.backendFailure(ctx, "issue_tokens", err)
	}
	tokens := toTokens(pair)

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEntry{
		event:     auditEventLoginSuccess,
		success:   true,
		userID:    account.ID,
		sessionID: tokens.SessionID,
		state:     LoginStateTokensIssued,
		metadata:  methodMetadata(res.Method),
	})
	return &LoginResult{State: LoginStateTokensIssued, UserID: account.ID, Tokens: tokens}, nil
}

func (e *Engine) recordTwoFactorFailure(ctx context.Context, res flows.TwoFactorResult, err error) {
	e.metricInc(MetricTwoFactorFailure)
	if res.Failure == flows.TwoFactorFailureAttemptsExceeded {
		e.metricInc(MetricTwoFactorAttemptsExceeded)
	}
	if res.Replay {
		e.metricInc(MetricTOTPReplay)
	}
	e.emitAudit(ctx, auditEntry{
		event:  auditEventTwoFactorFailure,
		userID: res.UserID,
		state:  LoginStateTwoFactorPending,
		err:    err,
		metadata: func() map[string]string {
			md := map[string]string{}
			if res.Method != 0 {
				md["method"] = string(twoFactorMethod(res.Method))
			}
			if res.Replay {
				md["replay"] = "true"
			}
			return md
		},
	})
}

func methodMetadata(m stores.Method) func() map[string]string {
	return func() map[string]string {
		return map[string]string{"method": string(twoFactorMethod(m))}
	}
}

// EnableTwoFactor turns on email codes for accountID. The address must be
// verified first.
func (e *Engine) EnableTwoFactor(ctx context.Context, accountID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	account, err := e.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.EmailVerified {
		return ErrEmailNotVerified
	}
	if account.TwoFactorEnabled {
		return ErrTwoFactorAlreadyEnabled
	}

	enabled := true
	if err := e.accounts.update(ctx, accountID, SecurityPatch{TwoFactorEnabled: &enabled}); err != nil {
		return e.accountWriteError(ctx, "enable_two_factor", err)
	}
	e.emitAudit(ctx, auditEntry{event: auditEventTwoFactorEnabled, success: true, userID: accountID})
	return nil
}

// DisableTwoFactor turns off email codes after re-checking the password,
// then ends every other session of the account. Disabling an already
// disabled account is a no-op once the password matches.
func (e *Engine) DisableTwoFactor(ctx context.Context, accountID, password string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	account, err := e.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !e.passwordMatches(account, password) {
		e.emitAudit(ctx, auditEntry{event: auditEventTwoFactorDisabled, userID: accountID, err: ErrInvalidCredentials})
		return ErrInvalidCredentials
	}
	if !account.TwoFactorEnabled {
		return nil
	}

	disabled := false
	if err := e.accounts.update(ctx, accountID, SecurityPatch{TwoFactorEnabled: &disabled}); err != nil {
		return e.accountWriteError(ctx, "disable_two_factor", err)
	}
	if err := e.challenges.Invalidate(ctx, accountID, stores.PurposeLogin); err != nil {
		e.warn("authcore: pending challenge cleanup failed", "user_id", accountID, "error", err)
	}
	e.revokeOtherSessions(ctx, accountID)

	e.emitAudit(ctx, auditEntry{event: auditEventTwoFactorDisabled, success: true, userID: accountID})
	return nil
}

// SendTestTwoFactorCode mails a code under the test purpose so the account
// owner can check delivery. It returns the challenge reference.
func (e *Engine) SendTestTwoFactorCode(ctx context.Context, accountID string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	account, err := e.loadAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !account.Active {
		return "", ErrAccountInactive
	}
	if !account.EmailVerified {
		return "", ErrEmailNotVerified
	}

	ref, err := flows.IssueChallenge(ctx, toRecord(account), stores.MethodEmail, stores.PurposeTest, e.flows.TwoFactor)
	if err != nil {
		return "", e.backendFailure(ctx, "issue_test_challenge", err)
	}
	e.emitAudit(ctx, auditEntry{event: auditEventTwoFactorTestSent, success: true, userID: accountID})
	return ref, nil
}

// VerifyTestTwoFactorCode checks a code sent by SendTestTwoFactorCode. Test
// challenges are never accepted by VerifyTwoFactor and the reverse.
func (e *Engine) VerifyTestTwoFactorCode(ctx context.Context, accountID, challengeRef, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	res := flows.RunVerifyTwoFactor(ctx, challengeRef, code, stores.PurposeTest, e.flows.TwoFactor)
	if res.Failure == flows.TwoFactorFailureNone && res.UserID != accountID {
		res = flows.TwoFactorResult{Failure: flows.TwoFactorFailureInvalid, UserID: res.UserID, Method: res.Method}
	}
	if err := e.twoFactorError(ctx, res); err != nil {
		e.emitAudit(ctx, auditEntry{event: auditEventTwoFactorTestVerify, userID: accountID, err: err})
		return err
	}
	e.emitAudit(ctx, auditEntry{event: auditEventTwoFactorTestVerify, success: true, userID: accountID})
	return nil
}

/*
====================================
ACCOUNT HELPERS
====================================
*/

func (e *Engine) loadAccount(ctx context.Context, accountID string) (Account, error) {
	if accountID == "" {
		return Account{}, ErrAccountNotFound
	}
	account, err := e.accounts.find(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, e.backendFailure(ctx, "find_account", err)
	}
	return account, nil
}

func (e *Engine) accountWriteError(ctx context.Context, op string, err error) error {
	if errors.Is(err, ErrAccountNotFound) {
		return ErrAccountNotFound
	}
	return e.backendFailure(ctx, op, err)
}

// passwordMatches runs one hash comparison whatever the account holds.
func (e *Engine) passwordMatches(account Account, password string) bool {
	if account.PasswordHash == "" {
		e.hasher.VerifyDummy(password)
		return false
	}
	ok, err := e.hasher.Verify(password, account.PasswordHash)
	return err == nil && ok
}

// revokeOtherSessions ends every family of accountID except the one named
// by ctx. Failures are logged; the triggering change has already been
// persisted.
func (e *Engine) revokeOtherSessions(ctx context.Context, accountID string) int {
	except := sessionIDFromContext(ctx)
	n, err := e.sessions.DeleteAllForUser(ctx, accountID, except)
	if err != nil {
		e.metricInc(MetricBackendUnavailable)
		e.logger.ErrorContext(ctx, "authcore: session revocation failed", "user_id", accountID, "error", err)
		return 0
	}
	for i := 0; i < n; i++ {
		e.metricInc(MetricSessionRevoked)
	}
	if n > 0 {
		e.emitAudit(ctx, auditEntry{
			event:     auditEventSessionsRevokedAll,
			success:   true,
			userID:    accountID,
			sessionID: except,
			metadata:  countMetadata(n),
		})
	}
	return n
}

func countMetadata(n int) func() map[string]string {
	return func() map[string]string {
		return map[string]string{"count": strconv.Itoa(n)}
	}
}
