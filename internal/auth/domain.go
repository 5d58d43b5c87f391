package auth

import (
	"errors"
	"math"
	"time"

	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/shared"
)

// Account is a principal together with its credential hash.
type Account struct {
	rbac.Principal
	PasswordHash string
}

// Session is one authenticated device login.
type Session struct {
	ID                string    `json:"id"`
	PrincipalID       int64     `json:"principal_id"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	Trusted           bool      `json:"trusted"`
	IssuedAt          time.Time `json:"issued_at"`
	LastActivity      time.Time `json:"last_activity"`
	ExpiresAt         time.Time `json:"expires_at"`
	Permissions       []string  `json:"permissions"`
	IP                string    `json:"ip,omitempty"`
	UserAgent         string    `json:"user_agent,omitempty"`
}

// Lifetime bounds how long a session stays valid. Idle applies from the last activity;
// MaxAge applies from issuance and is never extended.
type Lifetime struct {
	Idle   time.Duration
	MaxAge time.Duration
}

// DefaultLifetime is 8 hours idle within a 24 hour absolute window.
func DefaultLifetime() Lifetime {
	return Lifetime{Idle: 8 * time.Hour, MaxAge: 24 * time.Hour}
}

// ExpiryAt computes the expiry of s if it were active at now. Trusted devices are bound
// only by MaxAge.
func (l Lifetime) ExpiryAt(s Session, now time.Time) time.Time {
	absolute := s.IssuedAt.Add(l.MaxAge)
	if s.Trusted {
		return absolute
	}
	idle := now.Add(l.Idle)
	if idle.Before(absolute) {
		return idle
	}
	return absolute
}

// ActiveAt reports whether s is still valid at now.
func (s Session) ActiveAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Stats aggregates session counts for admin dashboards.
type Stats struct {
	Active         int           `json:"active"`
	Trusted        int           `json:"trusted"`
	Principals     int           `json:"principals"`
	ByPrincipal    map[int64]int `json:"by_principal"`
	IssuedLastHour int           `json:"issued_last_hour"`
	OldestIssuedAt *time.Time    `json:"oldest_issued_at,omitempty"`
}

var (
	// ErrSessionNotFound is returned for unknown or revoked sessions.
	ErrSessionNotFound = errors.New("auth: session not found")
	// ErrSessionExpired is returned when a session outlived its lifetime.
	ErrSessionExpired = errors.New("auth: session expired")
)

// Policy is the lockout policy.
type Policy struct {
	MaxAttempts  int
	LockDuration time.Duration
}

// DefaultPolicy locks after 5 consecutive failures for 30 minutes.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, LockDuration: 30 * time.Minute}
}

func invalidCredentials() *shared.AuthenticationError {
	return &shared.AuthenticationError{Message: shared.ErrInvalidCredentials.Error()}
}

// lockedError states only the remaining lock time, rounded up to whole minutes.
func lockedError(remaining time.Duration) *shared.AuthenticationError {
	minutes := int(math.Ceil(remaining.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	return shared.ErrUnauthenticated("account locked, try again in %d %s", minutes, unit)
}
