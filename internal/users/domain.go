package users

import (
	"time"

	"github.com/fnbcost/fnbcost/internal/rbac"
)

// User is the administrative view of a principal.
type User struct {
	ID            int64      `json:"id"`
	Email         string     `json:"email"`
	Role          rbac.Role  `json:"role"`
	Overrides     []string   `json:"permission_overrides"`
	IsActive      bool       `json:"is_active"`
	Locked        bool       `json:"locked"`
	LoginAttempts int        `json:"login_attempts"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

// FromPrincipal builds the view of p as seen at now.
func FromPrincipal(p rbac.Principal, now time.Time) User {
	overrides := p.Overrides
	if overrides == nil {
		overrides = []string{}
	}
	return User{
		ID:            p.ID,
		Email:         p.Email,
		Role:          p.Role,
		Overrides:     overrides,
		IsActive:      p.IsActive,
		Locked:        p.LockedAt(now),
		LoginAttempts: p.LoginAttempts,
		LockedUntil:   p.LockedUntil,
		LastLoginAt:   p.LastLoginAt,
	}
}

// ListFilter narrows the user listing.
type ListFilter struct {
	Role   rbac.Role
	Search string
	Page   int
	Limit  int
}
