package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/shared"
)

type stubAccounts struct {
	mu       sync.Mutex
	accounts map[string]*Account
}

func newStubAccounts(t *testing.T, accounts ...Account) *stubAccounts {
	t.Helper()
	s := &stubAccounts{accounts: make(map[string]*Account)}
	for i := range accounts {
		a := accounts[i]
		s.accounts[a.Email] = &a
	}
	return s
}

func (s *stubAccounts) FindByEmail(ctx context.Context, email string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[email]
	if !ok {
		return Account{}, shared.ErrNotFound
	}
	return *a, nil
}

func (s *stubAccounts) byID(id int64) *Account {
	for _, a := range s.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (s *stubAccounts) RecordFailedLogin(ctx context.Context, id int64, now time.Time, maxAttempts int, lockUntil time.Time) (int, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.byID(id)
	if a == nil {
		return 0, nil, shared.ErrNotFound
	}
	switch {
	case a.LockedUntil != nil && a.LockedUntil.After(now):
		a.LoginAttempts++
	case a.LockedUntil != nil:
		a.LoginAttempts = 1
		a.LockedUntil = nil
	default:
		a.LoginAttempts++
	}
	if a.LockedUntil == nil && a.LoginAttempts >= maxAttempts {
		until := lockUntil
		a.LockedUntil = &until
	}
	return a.LoginAttempts, a.LockedUntil, nil
}

func (s *stubAccounts) RecordSuccessfulLogin(ctx context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.byID(id)
	if a == nil {
		return shared.ErrNotFound
	}
	a.LoginAttempts = 0
	a.LockedUntil = nil
	a.LastLoginAt = &now
	return nil
}

func (s *stubAccounts) attempts(email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[email].LoginAttempts
}

type stubResolver struct {
	mu          sync.Mutex
	principals  map[int64]rbac.Principal
	invalidated []int64
}

func (r *stubResolver) Principal(ctx context.Context, id int64) (rbac.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.principals[id]
	if !ok {
		return rbac.Principal{}, shared.ErrMissing("principal %d not found", id)
	}
	return p, nil
}

func (r *stubResolver) Snapshot(ctx context.Context, p rbac.Principal) ([]string, error) {
	return []string{rbac.PermCostEntriesView}, nil
}

func (r *stubResolver) InvalidatePrincipal(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, id)
}

type gateFixture struct {
	service  *Service
	accounts *stubAccounts
	resolver *stubResolver
	now      time.Time
}

func (f *gateFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

const (
	testEmail    = "controller@hotel.test"
	testPassword = "correct horse battery"
)

func newGateFixture(t *testing.T, mutate func(*Account)) *gateFixture {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	account := Account{
		Principal:    rbac.Principal{ID: 11, Email: testEmail, Role: rbac.RoleCostController, IsActive: true},
		PasswordHash: string(hash),
	}
	if mutate != nil {
		mutate(&account)
	}
	f := &gateFixture{
		accounts: newStubAccounts(t, account),
		resolver: &stubResolver{principals: map[int64]rbac.Principal{account.ID: account.Principal}},
		now:      time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
	registry := NewRegistry(NewMemoryStore(), DefaultLifetime(), nil)
	registry.now = func() time.Time { return f.now }
	signer := NewTokenSigner("test-secret")
	signer.now = func() time.Time { return f.now }
	f.service = NewService(f.accounts, f.resolver, registry, signer, DefaultPolicy(), nil, nil)
	f.service.now = func() time.Time { return f.now }
	return f
}

func (f *gateFixture) login(secret string) (Login, error) {
	return f.service.Authenticate(context.Background(), Credentials{Identifier: testEmail, Secret: secret, DeviceFingerprint: "laptop"})
}

func authMessage(t *testing.T, err error) string {
	t.Helper()
	var authn *shared.AuthenticationError
	require.True(t, errors.As(err, &authn), "expected AuthenticationError, got %v", err)
	return authn.Message
}

func TestFiveFailuresLockAccountForThirtyMinutes(t *testing.T) {
	f := newGateFixture(t, nil)

	for i := 1; i <= 5; i++ {
		_, err := f.login("wrong")
		assert.Equal(t, "invalid credentials", authMessage(t, err), "attempt %d", i)
	}
	assert.Equal(t, 5, f.accounts.attempts(testEmail))

	_, err := f.login("wrong")
	assert.Equal(t, "account locked, try again in 30 minutes", authMessage(t, err))

	f.advance(10*time.Minute + 30*time.Second)
	_, err = f.login(testPassword)
	assert.Equal(t, "account locked, try again in 20 minutes", authMessage(t, err), "correct password is still rejected")
	assert.Equal(t, 5, f.accounts.attempts(testEmail), "attempts while locked are not counted")

	f.advance(20 * time.Minute)
	login, err := f.login(testPassword)
	require.NoError(t, err)
	assert.Equal(t, int64(11), login.Principal.ID)
	assert.Equal(t, 0, f.accounts.attempts(testEmail))
}

func TestSixthFailureReportsLockAndSeventhDoesNotIncrement(t *testing.T) {
	f := newGateFixture(t, nil)
	for i := 0; i < 5; i++ {
		_, _ = f.login("wrong")
	}

	_, err := f.login("wrong")
	msg := authMessage(t, err)
	assert.Contains(t, msg, "locked")
	assert.Contains(t, msg, "30 minutes")
	attemptsAfterSixth := f.accounts.attempts(testEmail)

	f.advance(time.Minute)
	_, err = f.login("wrong")
	assert.Equal(t, "account locked, try again in 29 minutes", authMessage(t, err))
	assert.Equal(t, attemptsAfterSixth, f.accounts.attempts(testEmail))
}

func TestSuccessBeforeThresholdResetsCounter(t *testing.T) {
	f := newGateFixture(t, nil)
	for i := 0; i < 4; i++ {
		_, _ = f.login("wrong")
	}
	require.Equal(t, 4, f.accounts.attempts(testEmail))

	_, err := f.login(testPassword)
	require.NoError(t, err)
	assert.Equal(t, 0, f.accounts.attempts(testEmail))

	for i := 0; i < 4; i++ {
		_, err := f.login("wrong")
		assert.Equal(t, "invalid credentials", authMessage(t, err))
	}
	_, err = f.login(testPassword)
	require.NoError(t, err, "four fresh failures must not lock")
}

func TestLapsedLockRestartsCount(t *testing.T) {
	f := newGateFixture(t, nil)
	for i := 0; i < 5; i++ {
		_, _ = f.login("wrong")
	}
	f.advance(31 * time.Minute)

	_, err := f.login("wrong")
	assert.Equal(t, "invalid credentials", authMessage(t, err))
	assert.Equal(t, 1, f.accounts.attempts(testEmail))
}

func TestInactiveAndUnknownAccountsGetGenericMessage(t *testing.T) {
	f := newGateFixture(t, func(a *Account) { a.IsActive = false })

	_, err := f.login(testPassword)
	assert.Equal(t, "invalid credentials", authMessage(t, err))

	_, err = f.service.Authenticate(context.Background(), Credentials{Identifier: "nobody@hotel.test", Secret: "x"})
	assert.Equal(t, "invalid credentials", authMessage(t, err))
}

func TestSuccessfulLoginIssuesSessionWithSnapshot(t *testing.T) {
	f := newGateFixture(t, nil)

	login, err := f.login(testPassword)
	require.NoError(t, err)
	assert.Equal(t, []string{rbac.PermCostEntriesView}, login.Session.Permissions)
	assert.Equal(t, "laptop", login.Session.DeviceFingerprint)
	assert.Equal(t, f.now.Add(8*time.Hour), login.Session.ExpiresAt)
	assert.Contains(t, f.resolver.invalidated, int64(11))

	principal, session, err := f.service.Identify(context.Background(), login.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(11), principal.ID)
	assert.Equal(t, login.Session.ID, session.ID)
}

func TestIdentifyRejectsTamperedAndExpiredTokens(t *testing.T) {
	f := newGateFixture(t, nil)
	login, err := f.login(testPassword)
	require.NoError(t, err)

	_, _, err = f.service.Identify(context.Background(), login.Token+"x")
	authMessage(t, err)

	_, _, err = f.service.Identify(context.Background(), "")
	assert.Equal(t, "authentication required", authMessage(t, err))

	f.advance(8*time.Hour + time.Second)
	_, _, err = f.service.Identify(context.Background(), login.Token)
	assert.Equal(t, "session expired", authMessage(t, err))
}

func TestIdentifyRejectsLockedPrincipal(t *testing.T) {
	f := newGateFixture(t, nil)
	login, err := f.login(testPassword)
	require.NoError(t, err)

	until := f.now.Add(time.Hour)
	f.resolver.mu.Lock()
	p := f.resolver.principals[11]
	p.LockedUntil = &until
	f.resolver.principals[11] = p
	f.resolver.mu.Unlock()

	_, _, err = f.service.Identify(context.Background(), login.Token)
	authMessage(t, err)
}
