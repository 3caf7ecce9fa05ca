package authcore

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/stores"
)

// Login authenticates identifier and password.
//
// A successful result is either TokensIssued or TwoFactorPending; in the
// latter case the caller must finish with [Engine.VerifyTwoFactor]. Failures
// are ErrInvalidCredentials, ErrAccountInactive, *RateLimitedError or
// ErrServiceUnavailable. The client IP and device tag are read from ctx
// (see [WithClientIP] and [WithDeviceTag]).
func (e *Engine) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return e.login(ctx, flows.LoginInput{
		Identifier: identifier,
		Password:   password,
		IP:         clientIPFromContext(ctx),
		DeviceTag:  deviceTagFromContext(ctx),
	})
}

// LoginWithExternalIdentity logs in an account the host already
// authenticated through an OAuth provider. No password is checked; rate
// limiting, the active check and the second factor still apply.
func (e *Engine) LoginWithExternalIdentity(ctx context.Context, identity ExternalIdentity) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if strings.TrimSpace(identity.Identifier) == "" {
		return nil, ErrInvalidCredentials
	}
	return e.login(ctx, flows.LoginInput{
		Identifier: identity.Identifier,
		IP:         clientIPFromContext(ctx),
		DeviceTag:  deviceTagFromContext(ctx),
		Trusted:    true,
	})
}

// LoginTokens is Login for callers that only handle token pairs. A pending
// second factor is reported as *TwoFactorRequiredError.
func (e *Engine) LoginTokens(ctx context.Context, identifier, password string) (*Tokens, error) {
	result, err := e.Login(ctx, identifier, password)
	if err != nil {
		return nil, err
	}
	if result.TwoFactorRequired() {
		return nil, &TwoFactorRequiredError{ChallengeRef: result.ChallengeRef, Method: result.Method}
	}
	return result.Tokens, nil
}

func (e *Engine) login(ctx context.Context, in flows.LoginInput) (*LoginResult, error) {
	res := flows.RunLogin(ctx, in, e.flows.Credentials, e.flows.Login)
	state := LoginState(res.State)
	userID := res.Account.ID

	switch res.Failure {
	case flows.LoginFailureNone:
	case flows.LoginFailureRateLimited:
		err := &RateLimitedError{RetryAfter: res.RetryAfter}
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, auditEntry{event: auditEventLoginRateLimited, userID: userID, state: state, err: err})
		return nil, err
	case flows.LoginFailureInvalidCredentials:
		e.metricInc(MetricLoginFailure)
		if res.LockTripped {
			e.metricInc(MetricLoginLockTripped)
			e.emitAudit(ctx, auditEntry{event: auditEventLoginLockTripped, userID: userID, state: state, err: ErrRateLimited})
		}
		e.emitAudit(ctx, auditEntry{
			event:  auditEventLoginFailure,
			userID: userID,
			state:  state,
			err:    ErrInvalidCredentials,
			metadata: func() map[string]string {
				return map[string]string{"reason": res.CredentialFailure.String()}
			},
		})
		return nil, ErrInvalidCredentials
	case flows.LoginFailureInactive:
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEntry{event: auditEventLoginFailure, userID: userID, state: state, err: ErrAccountInactive})
		return nil, ErrAccountInactive
	default:
		err := e.backendFailure(ctx, "login", res.Err)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEntry{event: auditEventLoginFailure, userID: userID, state: state, err: err})
		return nil, err
	}

	if res.State == flows.StateTwoFactorPending {
		method := twoFactorMethod(res.Method)
		e.metricInc(MetricTwoFactorRequired)
		e.emitAudit(ctx, auditEntry{
			event:    auditEventTwoFactorRequired,
			success:  true,
			userID:   userID,
			state:    state,
			metadata: func() map[string]string { return map[string]string{"method": string(method)} },
		})
		return &LoginResult{
			State:        state,
			UserID:       userID,
			ChallengeRef: res.ChallengeRef,
			Method:       method,
		}, nil
	}

	tokens := toTokens(res.Tokens)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEntry{
		event:     auditEventLoginSuccess,
		success:   true,
		userID:    userID,
		sessionID: tokens.SessionID,
		state:     state,
		metadata:  loginMetadata(in),
	})
	return &LoginResult{State: state, UserID: userID, Tokens: tokens}, nil
}

func loginMetadata(in flows.LoginInput) func() map[string]string {
	return func() map[string]string {
		md := map[string]string{}
		if in.Trusted {
			md["trusted"] = "true"
		}
		if in.DeviceTag != "" {
			md["device"] = in.DeviceTag
		}
		return md
	}
}

func twoFactorMethod(m stores.Method) TwoFactorMethod {
	if m == stores.MethodTOTP {
		return TwoFactorTOTP
	}
	return TwoFactorEmail
}

func toTokens(pair *flows.TokenPair) *Tokens {
	if pair == nil {
		return nil
	}
	return &Tokens{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		SessionID:        pair.SessionID,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

// twoFactorError maps a verification failure. Cache outages fail closed.
func (e *Engine) twoFactorError(ctx context.Context, res flows.TwoFactorResult) error {
	switch res.Failure {
	case flows.TwoFactorFailureNone:
		return nil
	case flows.TwoFactorFailureExpired:
		return ErrTwoFactorExpired
	case flows.TwoFactorFailureAttemptsExceeded:
		return ErrTwoFactorAttemptsExceeded
	case flows.TwoFactorFailureUnavailable:
		err := e.backendFailure(ctx, "two_factor_verify", res.Err)
		if e.config.TwoFactor.OutageAsUnavailable {
			return err
		}
		return errors.Join(ErrTwoFactorInvalid, err)
	default:
		return ErrTwoFactorInvalid
	}
}
