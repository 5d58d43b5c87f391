package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fnbcost/fnbcost/internal/observability"
	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/shared"
)

// dummyHash is compared against when the identifier is unknown so the response time does
// not reveal whether the account exists.
var dummyHash = func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("fnbcost-dummy-password"), bcrypt.DefaultCost)
	return h
}()

// PrincipalResolver is the part of the permission resolver the gate needs.
type PrincipalResolver interface {
	Principal(ctx context.Context, id int64) (rbac.Principal, error)
	Snapshot(ctx context.Context, p rbac.Principal) ([]string, error)
	InvalidatePrincipal(id int64)
}

// Credentials is one login attempt.
type Credentials struct {
	Identifier        string
	Secret            string
	DeviceFingerprint string
	IP                string
	UserAgent         string
}

// Login is the result of a successful authentication.
type Login struct {
	Principal rbac.Principal
	Session   Session
	Token     string
}

// Service is the authentication gate: credential checks, lockout and session issuance.
type Service struct {
	repo     Repository
	resolver PrincipalResolver
	sessions *Registry
	signer   *TokenSigner
	policy   Policy
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewService constructs the authentication gate.
func NewService(repo Repository, resolver PrincipalResolver, sessions *Registry, signer *TokenSigner, policy Policy, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 || policy.LockDuration <= 0 {
		policy = DefaultPolicy()
	}
	return &Service{
		repo:     repo,
		resolver: resolver,
		sessions: sessions,
		signer:   signer,
		policy:   policy,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Sessions exposes the session registry.
func (s *Service) Sessions() *Registry {
	return s.sessions
}

// Authenticate verifies credentials under the lockout policy and issues a session.
// Failures before the lock threshold always read "invalid credentials"; a locked account
// only learns how many minutes remain.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (Login, error) {
	identifier := strings.ToLower(strings.TrimSpace(creds.Identifier))
	account, err := s.repo.FindByEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(creds.Secret))
			s.metrics.LoginAttempt("unknown")
			return Login{}, invalidCredentials()
		}
		return Login{}, err
	}
	now := s.now().UTC()

	if !account.IsActive {
		s.metrics.LoginAttempt("inactive")
		return Login{}, invalidCredentials()
	}
	if account.LockedAt(now) {
		s.metrics.LoginAttempt("locked")
		return Login{}, lockedError(account.LockedUntil.Sub(now))
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(creds.Secret)); err != nil {
		attempts, lockedUntil, recErr := s.repo.RecordFailedLogin(ctx, account.ID, now, s.policy.MaxAttempts, now.Add(s.policy.LockDuration))
		if recErr != nil {
			return Login{}, recErr
		}
		s.resolver.InvalidatePrincipal(account.ID)
		s.metrics.LoginAttempt("invalid")
		if lockedUntil != nil && lockedUntil.After(now) {
			s.logger.Warn("account locked after failed logins",
				slog.Int64("principal_id", account.ID),
				slog.Int("attempts", attempts),
				slog.Time("locked_until", *lockedUntil))
		}
		return Login{}, invalidCredentials()
	}

	if err := s.repo.RecordSuccessfulLogin(ctx, account.ID, now); err != nil {
		return Login{}, err
	}
	s.resolver.InvalidatePrincipal(account.ID)

	principal := account.Principal
	principal.LoginAttempts = 0
	principal.LockedUntil = nil
	principal.LastLoginAt = &now

	perms, err := s.resolver.Snapshot(ctx, principal)
	if err != nil {
		return Login{}, err
	}
	session, err := s.sessions.Issue(ctx, IssueRequest{
		PrincipalID:       principal.ID,
		DeviceFingerprint: creds.DeviceFingerprint,
		Permissions:       perms,
		IP:                creds.IP,
		UserAgent:         creds.UserAgent,
	})
	if err != nil {
		return Login{}, err
	}
	token, err := s.signer.Sign(session, s.sessions.Lifetime().MaxAge)
	if err != nil {
		return Login{}, err
	}
	s.metrics.LoginAttempt("success")
	return Login{Principal: principal, Session: session, Token: token}, nil
}

// Identify resolves a signed token into its live session and fresh principal. Every
// failure is an AuthenticationError.
func (s *Service) Identify(ctx context.Context, token string) (rbac.Principal, Session, error) {
	if strings.TrimSpace(token) == "" {
		return rbac.Principal{}, Session{}, shared.ErrUnauthenticated("authentication required")
	}
	sessionID, principalID, err := s.signer.Parse(token)
	if err != nil {
		return rbac.Principal{}, Session{}, shared.ErrUnauthenticated("invalid session")
	}
	session, err := s.sessions.Resolve(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired) {
			return rbac.Principal{}, Session{}, shared.ErrUnauthenticated("session expired")
		}
		return rbac.Principal{}, Session{}, err
	}
	if session.PrincipalID != principalID {
		return rbac.Principal{}, Session{}, shared.ErrUnauthenticated("invalid session")
	}
	principal, err := s.resolver.Principal(ctx, principalID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return rbac.Principal{}, Session{}, shared.ErrUnauthenticated("invalid session")
		}
		return rbac.Principal{}, Session{}, err
	}
	if !principal.IsActive || principal.LockedAt(s.now()) {
		return rbac.Principal{}, Session{}, shared.ErrUnauthenticated("session expired")
	}
	return principal, session, nil
}

// EffectivePermissions returns the principal's current permission names.
func (s *Service) EffectivePermissions(ctx context.Context, p rbac.Principal) ([]string, error) {
	return s.resolver.Snapshot(ctx, p)
}

// Logout revokes the caller's own session.
func (s *Service) Logout(ctx context.Context, session Session) error {
	_, err := s.sessions.Revoke(ctx, session.ID, session.PrincipalID, false)
	return err
}
