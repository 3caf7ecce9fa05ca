package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/role"
)

// ChangePassword replaces the password of accountID after checking the
// current one, then ends every other session of the account.
func (e *Engine) ChangePassword(ctx context.Context, accountID, oldPassword, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	account, err := e.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}

	fail := func(err error) error {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEntry{event: auditEventPasswordChangeFailed, userID: accountID, err: err})
		return err
	}

	if account.PasswordHash == "" {
		e.hasher.VerifyDummy(oldPassword)
		return fail(ErrNoPasswordSet)
	}
	if !e.passwordMatches(account, oldPassword) {
		return fail(ErrInvalidCredentials)
	}
	if oldPassword == newPassword {
		return fail(ErrPasswordUnchanged)
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) || errors.Is(err, password.ErrPasswordTooLong) {
			return fail(fmt.Errorf("%w: %v", ErrPasswordPolicy, err))
		}
		return fail(err)
	}

	if err := e.accounts.update(ctx, accountID, SecurityPatch{PasswordHash: &hash}); err != nil {
		return fail(e.accountWriteError(ctx, "change_password", err))
	}
	e.revokeOtherSessions(ctx, accountID)

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEntry{event: auditEventPasswordChanged, success: true, userID: accountID})
	return nil
}

// ChangeRole sets the role of targetID. Only a super admin may change roles
// and never its own. The target loses every session so its next access
// token carries the new role.
func (e *Engine) ChangeRole(ctx context.Context, actor *AuthResult, targetID string, newRole role.Role) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if actor == nil || actor.UserID == "" {
		return ErrUnauthenticated
	}
	if !newRole.Valid() {
		return ErrInvalidRole
	}

	deny := func(err error) error {
		e.emitAudit(ctx, auditEntry{
			event:    auditEventRoleChangeDenied,
			userID:   actor.UserID,
			err:      err,
			metadata: roleMetadata(targetID, newRole),
		})
		return err
	}
	if actor.UserID == targetID {
		return deny(ErrSelfRoleChange)
	}
	if !role.CanChangeRole(actor.UserID, actor.Role, targetID) {
		return deny(ErrInsufficientRole)
	}

	if _, err := e.loadAccount(ctx, targetID); err != nil {
		return err
	}
	if err := e.accounts.updateRole(ctx, targetID, newRole); err != nil {
		return e.accountWriteError(ctx, "change_role", err)
	}

	if _, err := e.sessions.DeleteAllForUser(ctx, targetID, ""); err != nil {
		e.metricInc(MetricBackendUnavailable)
		e.logger.ErrorContext(ctx, "authcore: session revocation failed", "user_id", targetID, "error", err)
	}

	e.metricInc(MetricRoleChange)
	e.emitAudit(ctx, auditEntry{
		event:    auditEventRoleChanged,
		success:  true,
		userID:   actor.UserID,
		metadata: roleMetadata(targetID, newRole),
	})
	return nil
}

func roleMetadata(targetID string, r role.Role) func() map[string]string {
	return func() map[string]string {
		return map[string]string{"target_id": targetID, "role": r.String()}
	}
}
