package authcore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/role"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "correct-password-123"

var errTestBackend = errors.New("connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memoryAccounts struct {
	mu       sync.Mutex
	byID     map[string]Account
	findErr  error
	writeErr error
	finds    int
}

func newMemoryAccounts() *memoryAccounts {
	return &memoryAccounts{byID: map[string]Account{}}
}

func (m *memoryAccounts) FindByIdentifier(_ context.Context, identifier string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	if m.findErr != nil {
		return Account{}, m.findErr
	}
	for _, a := range m.byID {
		if a.Username == identifier || (a.Email != "" && strings.EqualFold(a.Email, identifier)) {
			return a, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (m *memoryAccounts) FindByID(_ context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	if m.findErr != nil {
		return Account{}, m.findErr
	}
	a, ok := m.byID[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (m *memoryAccounts) UpdateSecurityFields(_ context.Context, id string, patch SecurityPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	a, ok := m.byID[id]
	if !ok {
		return ErrAccountNotFound
	}
	if patch.PasswordHash != nil {
		a.PasswordHash = *patch.PasswordHash
	}
	if patch.TwoFactorEnabled != nil {
		a.TwoFactorEnabled = *patch.TwoFactorEnabled
	}
	if patch.TOTPEnabled != nil {
		a.TOTPEnabled = *patch.TOTPEnabled
	}
	if patch.TOTPSecret != nil {
		a.TOTPSecret = *patch.TOTPSecret
	}
	if patch.FailedLoginCount != nil {
		a.FailedLoginCount = *patch.FailedLoginCount
	}
	if patch.LockedUntil != nil {
		a.LockedUntil = *patch.LockedUntil
	}
	m.byID[id] = a
	return nil
}

func (m *memoryAccounts) IncrementFailedLogins(_ context.Context, id string, lockedUntil time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	a, ok := m.byID[id]
	if !ok {
		return 0, ErrAccountNotFound
	}
	a.FailedLoginCount++
	if !lockedUntil.IsZero() {
		a.LockedUntil = lockedUntil
	}
	m.byID[id] = a
	return a.FailedLoginCount, nil
}

func (m *memoryAccounts) UpdateRole(_ context.Context, id string, r role.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	a, ok := m.byID[id]
	if !ok {
		return ErrAccountNotFound
	}
	a.Role = r
	m.byID[id] = a
	return nil
}

func (m *memoryAccounts) put(a Account) {
	m.mu.Lock()
	m.byID[a.ID] = a
	m.mu.Unlock()
}

func (m *memoryAccounts) get(t *testing.T, id string) Account {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		t.Fatalf("account %q missing", id)
	}
	return a
}

func (m *memoryAccounts) edit(id string, fn func(*Account)) {
	m.mu.Lock()
	a := m.byID[id]
	fn(&a)
	m.byID[id] = a
	m.mu.Unlock()
}

func (m *memoryAccounts) findCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finds
}

type captureSender struct {
	messages chan EmailMessage
	err      error
}

func newCaptureSender() *captureSender {
	return &captureSender{messages: make(chan EmailMessage, 32)}
}

func (s *captureSender) Send(_ context.Context, msg EmailMessage) error {
	s.messages <- msg
	return s.err
}

func (s *captureSender) next(t *testing.T) EmailMessage {
	t.Helper()
	select {
	case msg := <-s.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no email delivered")
		return EmailMessage{}
	}
}

type engineHarness struct {
	engine   *Engine
	accounts *memoryAccounts
	sender   *captureSender
	clock    *fakeClock
	mr       *miniredis.Miniredis
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Password.BcryptCost = bcrypt.MinCost
	cfg.Backend.RetryBase = time.Millisecond
	cfg.Backend.CallTimeout = 500 * time.Millisecond
	cfg.Metrics.Enabled = true
	return cfg
}

func newHarness(t *testing.T, mutate func(*Config)) *engineHarness {
	t.Helper()
	return newAuditedHarness(t, mutate, nil)
}

func newAuditedHarness(t *testing.T, mutate func(*Config), sink AuditSink) *engineHarness {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &engineHarness{
		accounts: newMemoryAccounts(),
		sender:   newCaptureSender(),
		clock:    newFakeClock(),
		mr:       mr,
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithAccountStore(h.accounts).
		WithEmailSender(h.sender).
		WithClock(h.clock).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)
	h.engine = engine
	return h
}

func hashPassword(t *testing.T, pw string) string {
	t.Helper()
	out, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return string(out)
}

// addUser stores an active, verified account with testPassword.
func (h *engineHarness) addUser(t *testing.T, id, username string, r role.Role) Account {
	t.Helper()
	a := Account{
		ID:            id,
		Username:      username,
		Email:         username + "@example.com",
		PasswordHash:  hashPassword(t, testPassword),
		Role:          r,
		Active:        true,
		EmailVerified: true,
	}
	h.accounts.put(a)
	return a
}

func (h *engineHarness) login(t *testing.T, ctx context.Context, identifier string) *Tokens {
	t.Helper()
	res, err := h.engine.Login(ctx, identifier, testPassword)
	if err != nil {
		t.Fatalf("login %s: %v", identifier, err)
	}
	if res.Tokens == nil {
		t.Fatalf("login %s: expected tokens, state %s", identifier, res.State)
	}
	return res.Tokens
}

// closeRedis simulates a cache outage.
func (h *engineHarness) closeRedis() {
	h.mr.Close()
}

func (h *engineHarness) totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	key, err := decodeTOTPSecret(secret)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	code, err := hotpCode(key, at.Unix()/30, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotp: %v", err)
	}
	return code
}

func wantErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
