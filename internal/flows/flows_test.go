package flows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/role"
)

var errNotFound = errors.New("not found")

type fakeAccounts struct {
	mu       sync.Mutex
	byID     map[string]AccountRecord
	failures map[string]int
	locks    map[string]time.Time
	cleared  []string
	rehashed map[string]string
	findErr  error
}

func newFakeAccounts(records ...AccountRecord) *fakeAccounts {
	f := &fakeAccounts{
		byID:     map[string]AccountRecord{},
		failures: map[string]int{},
		locks:    map[string]time.Time{},
		rehashed: map[string]string{},
	}
	for _, r := range records {
		f.byID[r.ID] = r
	}
	return f
}

func (f *fakeAccounts) FindByIdentifier(_ context.Context, identifier string) (AccountRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return AccountRecord{}, f.findErr
	}
	for _, r := range f.byID {
		if r.Username == identifier || r.Email == identifier {
			return r, nil
		}
	}
	return AccountRecord{}, errNotFound
}

func (f *fakeAccounts) FindByID(_ context.Context, id string) (AccountRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return AccountRecord{}, f.findErr
	}
	r, ok := f.byID[id]
	if !ok {
		return AccountRecord{}, errNotFound
	}
	return r, nil
}

func (f *fakeAccounts) RecordLoginFailure(_ context.Context, id string, count int, lockedUntil time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = count
	if !lockedUntil.IsZero() {
		f.locks[id] = lockedUntil
	}
	return nil
}

func (f *fakeAccounts) ClearLoginFailures(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, id)
	return nil
}

func (f *fakeAccounts) UpdatePasswordHash(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rehashed[id] = hash
	return nil
}

// plainPasswords treats "hash:<pw>" as the encoding of pw.
type plainPasswords struct {
	dummyCalls int
	stale      bool
}

func (p *plainPasswords) Verify(password, encoded string) (bool, error) {
	return encoded == "hash:"+password, nil
}

func (p *plainPasswords) VerifyDummy(string) { p.dummyCalls++ }

func (p *plainPasswords) NeedsRehash(string) bool { return p.stale }

func (p *plainPasswords) Hash(password string) (string, error) { return "hash2:" + password, nil }

type fakeLimiter struct {
	locked   bool
	checkErr error
	tripOn   int
	failures int
	resets   int
}

func (l *fakeLimiter) Check(context.Context, rate.Key) (rate.Decision, error) {
	if l.checkErr != nil {
		return rate.Decision{}, l.checkErr
	}
	if l.locked {
		return rate.Decision{Locked: true, RetryAfter: time.Minute}, nil
	}
	return rate.Decision{}, nil
}

func (l *fakeLimiter) Record(_ context.Context, _ rate.Key, outcome rate.Outcome) (rate.Decision, error) {
	if outcome == rate.OutcomeSuccess {
		l.resets++
		l.failures = 0
		return rate.Decision{}, nil
	}
	l.failures++
	return rate.Decision{Failures: l.failures, Tripped: l.tripOn > 0 && l.failures == l.tripOn}, nil
}

func alice() AccountRecord {
	return AccountRecord{
		ID:           "u-alice",
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: "hash:secret",
		Role:         role.User,
		Active:       true,
	}
}

type loginHarness struct {
	accounts   *fakeAccounts
	passwords  *plainPasswords
	limiter    *fakeLimiter
	issued     []string
	challenges []stores.Method
	now        time.Time
}

func newLoginHarness(records ...AccountRecord) *loginHarness {
	return &loginHarness{
		accounts:  newFakeAccounts(records...),
		passwords: &plainPasswords{},
		limiter:   &fakeLimiter{},
		now:       time.Unix(1_700_000_000, 0),
	}
}

func (h *loginHarness) creds() CredentialDeps {
	return CredentialDeps{Accounts: h.accounts, Passwords: h.passwords, AccountNotFound: errNotFound}
}

func (h *loginHarness) deps() LoginDeps {
	return LoginDeps{
		Limiter:       h.limiter,
		Accounts:      h.accounts,
		Rehasher:      h.passwords,
		RehashOnLogin: true,
		LockDuration:  15 * time.Minute,
		Now:           func() time.Time { return h.now },
		IssueChallenge: func(_ context.Context, a AccountRecord, m stores.Method, _ stores.Purpose) (string, error) {
			h.challenges = append(h.challenges, m)
			return "ref-" + a.ID, nil
		},
		IssueTokens: func(_ context.Context, a AccountRecord, _, _ string) (*TokenPair, error) {
			h.issued = append(h.issued, a.ID)
			return &TokenPair{AccessToken: "at", RefreshToken: "rt", SessionID: "sid"}, nil
		},
	}
}

func TestRunLoginWithoutTwoFactorIssuesTokens(t *testing.T) {
	h := newLoginHarness(alice())
	res := RunLogin(context.Background(), LoginInput{Identifier: "alice", Password: "secret", IP: "1.1.1.1"}, h.creds(), h.deps())

	if res.Failure != LoginFailureNone || res.State != StateTokensIssued {
		t.Fatalf("expected tokens issued, got %+v", res)
	}
	if res.Tokens == nil || len(h.issued) != 1 || len(h.challenges) != 0 {
		t.Fatalf("expected direct token issue, issued=%v challenges=%v", h.issued, h.challenges)
	}
	if h.limiter.resets != 1 {
		t.Fatalf("expected success to reset the pair counter, got %d", h.limiter.resets)
	}
}

func TestRunLoginCredentialFailuresCollapse(t *testing.T) {
	noPassword := alice()
	noPassword.ID = "u-oauth"
	noPassword.Username = "oauth"
	noPassword.Email = "oauth@example.com"
	noPassword.PasswordHash = ""

	tests := []struct {
		name       string
		identifier string
		password   string
		kind       CredentialFailureKind
		dummy      bool
	}{
		{"unknown account", "nobody", "secret", CredentialFailureNotFound, true},
		{"bad password", "alice", "wrong", CredentialFailureBadPassword, false},
		{"no password set", "oauth", "anything", CredentialFailureNoPasswordSet, true},
		{"empty identifier", "  ", "secret", CredentialFailureNotFound, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newLoginHarness(alice(), noPassword)
			res := RunLogin(context.Background(), LoginInput{Identifier: tt.identifier, Password: tt.password}, h.creds(), h.deps())
			if res.Failure != LoginFailureInvalidCredentials || res.State != StateCredentialsRejected {
				t.Fatalf("expected invalid credentials, got %+v", res)
			}
			if res.CredentialFailure != tt.kind {
				t.Fatalf("expected %v, got %v", tt.kind, res.CredentialFailure)
			}
			if (h.passwords.dummyCalls > 0) != tt.dummy {
				t.Fatalf("dummy verify calls = %d", h.passwords.dummyCalls)
			}
			if h.limiter.failures != 1 {
				t.Fatalf("expected a recorded failure, got %d", h.limiter.failures)
			}
		})
	}
}

func TestRunLoginInactiveAfterPassword(t *testing.T) {
	inactive := alice()
	inactive.Active = false
	h := newLoginHarness(inactive)

	res := RunLogin(context.Background(), LoginInput{Identifier: "alice", Password: "secret"}, h.creds(), h.deps())
	if res.Failure != LoginFailureInactive {
		t.Fatalf("expected inactive, got %+v", res)
	}

	res = RunLogin(context.Background(), LoginInput{Identifier: "alice", Password: "wrong"}, h.creds(), h.deps())
	if res.Failure != LoginFailureInvalidCredentials {
		t.Fatalf("wrong password on inactive account must look like bad credentials, got %+v", res)
	}
}

func TestRunLoginLockedSkipsCredentials(t *testing.T) {
	h := newLoginHarness(alice())
	h.limiter.locked = true

	res := RunLogin(context.Background(), LoginInput{Identifier: "alice", Password: "secret"}, h.creds(), h.deps())
	if res.Failure != LoginFailureRateLimited || res.State != StateLocked || res.RetryAfter != time.Minute {
		t.Fatalf("expected locked, got %+v", res)
	}
	if h.passwords.dummyCalls != 0 || len(h.issued) != 0 {
		t.Fatal("locked attempts must not reach the credential check")
	}
}

func TestRunLoginLimiterOutage(t *testing.T) {
	h := newLoginHarness(alice())
	h.limiter.checkErr = rate.ErrRedisUnavailable

	res := RunLogin(context.Background(), LoginInput{Identifier: "alice", Password: "secret"}, h.creds(), h.deps())
	if res.Failure != LoginFailureUnavailable || !errors.Is(res.Err, rate.ErrRedisUnavailable) {
		t.Fatalf("expected unavailable, got %+v", res)
	}
}

func TestRunLoginTripWritesDurableLock(t *testing.T) {
	h := newLoginHarness(alice())
	h.limiter.tripOn = 1

	res := RunLogin(context.Background(), LoginInput{Identifier: "alice", Password: "wrong"}, h.creds(), h.deps())
	if !res.LockTripped {
		t.Fatalf("expected trip, got %+v", res)
	}
	if h.accounts.failures["u-alice"] != 1 {
		t.Fatalf("expected failed count mirror, got %d", h.accounts.failures["u-alice"])
	}
	if want := h.now.Add(15 * time.Minute); !h.accounts.locks["u-alice"].Equal(want) {
		t.Fatalf("expected locked_until %v, got %v", want, h.accounts.locks["u-alice"])
	}
}

func TestRunLoginFailureCountFollowsSharedCounter(t *testing.T) {
	// The loaded row still says 0; other instances already counted 3.
	h := newLoginHarness(alice())
	h.limiter.failures = 3

	RunLogin(context.Background(), LoginInput{Identifier: "alice", Password: "wrong"}, h.creds(), h.deps())
	if got := h.accounts.failures["u-alice"]; got != 4 {
		t.Fatalf("expected the shared counter value 4, got %d", got)
	}
}

func TestRunLoginHonorsDurableLock(t *testing.T) {
	locked := alice()
	h := newLoginHarness()
	locked.LockedUntil = h.now.Add(5 * time.Minute)
	h.accounts = newFakeAccounts(locked)

	res := RunLogin(context.Background(), LoginInput{Identifier: "alice", Password: "secret"}, h.creds(), h.deps())
	if res.Failure != LoginFailureRateLimited || res.RetryAfter != 5*time.Minute {
		t.Fatalf("expected durable lock, got %+v", res)
	}

	h.now = h.now.Add(6 * time.Minute)
	res = RunLogin(context.Background(), LoginInput{Identifier: "alice", Password: "secret"}, h.creds(), h.deps())
	if res.State != StateTokensIssued {
		t.Fatalf("expected login after lock lapse, got %+v", res)
	}
	if len(h.accounts.cleared) != 1 {
		t.Fatal("success must clear the durable lockout fields")
	}
}

func TestRunLoginSecondFactorSelection(t *testing.T) {
	email := alice()
	email.TwoFactorEnabled = true

	both := alice()
	both.TwoFactorEnabled = true
	both.TOTPEnabled = true
	both.TOTPSecret = "JBSWY3DPEHPK3PXP"

	tests := []struct {
		name    string
		account AccountRecord
		method  stores.Method
	}{
		{"email", email, stores.MethodEmail},
		{"totp preferred", both, stores.MethodTOTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newLoginHarness(tt.account)
			res := RunLogin(context.Background(), LoginInput{Identifier: "alice", Password: "secret"}, h.creds(), h.deps())
			if res.State != StateTwoFactorPending || res.Method != tt.method || res.ChallengeRef == "" {
				t.Fatalf("expected pending %v, got %+v", tt.method, res)
			}
			if len(h.issued) != 0 {
				t.Fatal("tokens must not be issued before the second factor")
			}
		})
	}
}

func TestRunLoginChallengeFailureFailsClosed(t *testing.T) {
	account := alice()
	account.TwoFactorEnabled = true
	h := newLoginHarness(account)
	deps := h.deps()
	deps.IssueChallenge = func(context.Context, AccountRecord, stores.Method, stores.Purpose) (string, error) {
		return "", stores.ErrChallengeBackend
	}

	res := RunLogin(context.Background(), LoginInput{Identifier: "alice", Password: "secret"}, h.creds(), deps)
	if res.Failure != LoginFailureUnavailable || len(h.issued) != 0 {
		t.Fatalf("expected fail closed, got %+v", res)
	}
}

func TestRunLoginRehashesStaleHash(t *testing.T) {
	h := newLoginHarness(alice())
	h.passwords.stale = true

	RunLogin(context.Background(), LoginInput{Identifier: "alice", Password: "secret"}, h.creds(), h.deps())
	if h.accounts.rehashed["u-alice"] != "hash2:secret" {
		t.Fatalf("expected rehash, got %v", h.accounts.rehashed)
	}
}

func TestRunLoginTrustedSkipsPassword(t *testing.T) {
	h := newLoginHarness(alice())
	res := RunLogin(context.Background(), LoginInput{Identifier: "alice@example.com", Trusted: true}, h.creds(), h.deps())
	if res.State != StateTokensIssued {
		t.Fatalf("expected trusted login, got %+v", res)
	}
}

func TestRunLoginBackendFailure(t *testing.T) {
	h := newLoginHarness(alice())
	h.accounts.findErr = errors.New("db down")

	res := RunLogin(context.Background(), LoginInput{Identifier: "alice", Password: "secret"}, h.creds(), h.deps())
	if res.Failure != LoginFailureUnavailable {
		t.Fatalf("expected unavailable, got %+v", res)
	}
	if h.limiter.failures != 0 {
		t.Fatal("backend failures must not count against the caller")
	}
}
