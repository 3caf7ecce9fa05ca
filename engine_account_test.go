package authcore

import (
	"context"
	"testing"

	"github.com/MrEthical07/authcore/role"
)

func TestChangePassword(t *testing.T) {
	h := newHarness(t, nil)
	h.addUser(t, "u-1", "alice", role.User)
	ctx := context.Background()

	current := h.login(t, ctx, "alice")
	other := h.login(t, ctx, "alice")
	withSession := WithSessionID(ctx, current.SessionID)

	wantErr(t, h.engine.ChangePassword(withSession, "u-1", "wrong-password", "new-password-456"), ErrInvalidCredentials)
	wantErr(t, h.engine.ChangePassword(withSession, "u-1", testPassword, testPassword), ErrPasswordUnchanged)
	wantErr(t, h.engine.ChangePassword(withSession, "u-1", testPassword, "short"), ErrPasswordPolicy)

	if err := h.engine.ChangePassword(withSession, "u-1", testPassword, "new-password-456"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	_, err := h.engine.Login(ctx, "alice", testPassword)
	wantErr(t, err, ErrInvalidCredentials)
	if _, err := h.engine.Login(ctx, "alice", "new-password-456"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}

	_, err = h.engine.Refresh(ctx, other.RefreshToken)
	wantErr(t, err, ErrTokenRevoked)
	if _, err := h.engine.Refresh(ctx, current.RefreshToken); err != nil {
		t.Fatalf("current session must survive: %v", err)
	}

	snap := h.engine.MetricsSnapshot()
	if snap.Counters[MetricPasswordChangeSuccess] != 1 || snap.Counters[MetricPasswordChangeFailure] != 3 {
		t.Fatalf("unexpected counters: %v", snap.Counters)
	}
}

func TestChangePasswordWithoutPassword(t *testing.T) {
	h := newHarness(t, nil)
	h.accounts.put(Account{ID: "u-2", Username: "octo", Role: role.User, Active: true, OAuthProvider: "github"})

	wantErr(t, h.engine.ChangePassword(context.Background(), "u-2", "", "new-password-456"), ErrNoPasswordSet)
	wantErr(t, h.engine.ChangePassword(context.Background(), "ghost", "x", "new-password-456"), ErrAccountNotFound)
}

func TestChangePasswordAccountStoreOutage(t *testing.T) {
	h := newHarness(t, nil)
	h.addUser(t, "u-1", "alice", role.User)
	h.accounts.writeErr = errTestBackend

	err := h.engine.ChangePassword(context.Background(), "u-1", testPassword, "new-password-456")
	wantErr(t, err, ErrServiceUnavailable)
}

func TestChangeRole(t *testing.T) {
	h := newHarness(t, nil)
	h.addUser(t, "s-1", "root", role.SuperAdmin)
	h.addUser(t, "a-1", "ops", role.Admin)
	h.addUser(t, "u-1", "alice", role.User)
	ctx := context.Background()

	aliceTokens := h.login(t, ctx, "alice")
	superAuth, err := h.engine.Authorize(ctx, h.login(t, ctx, "root").AccessToken, role.SuperAdmin, "")
	if err != nil {
		t.Fatalf("authorize superadmin: %v", err)
	}
	adminAuth, err := h.engine.Authorize(ctx, h.login(t, ctx, "ops").AccessToken, role.Admin, "")
	if err != nil {
		t.Fatalf("authorize admin: %v", err)
	}

	wantErr(t, h.engine.ChangeRole(ctx, nil, "u-1", role.Admin), ErrUnauthenticated)
	wantErr(t, h.engine.ChangeRole(ctx, superAuth, "u-1", role.Unknown), ErrInvalidRole)
	wantErr(t, h.engine.ChangeRole(ctx, superAuth, "s-1", role.User), ErrSelfRoleChange)
	wantErr(t, h.engine.ChangeRole(ctx, adminAuth, "u-1", role.Admin), ErrInsufficientRole)
	wantErr(t, h.engine.ChangeRole(ctx, superAuth, "ghost", role.Admin), ErrAccountNotFound)

	if err := h.engine.ChangeRole(ctx, superAuth, "u-1", role.Admin); err != nil {
		t.Fatalf("change role: %v", err)
	}
	if got := h.accounts.get(t, "u-1").Role; got != role.Admin {
		t.Fatalf("expected admin, got %s", got)
	}

	_, err = h.engine.Refresh(ctx, aliceTokens.RefreshToken)
	wantErr(t, err, ErrTokenRevoked)

	next := h.login(t, ctx, "alice")
	if _, err := h.engine.Authorize(ctx, next.AccessToken, role.Admin, ""); err != nil {
		t.Fatalf("new token must carry the new role: %v", err)
	}
}
