// Package authztest provides in-memory collaborators for exercising routes behind the gate.
package authztest

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fnbcost/fnbcost/internal/audit"
	"github.com/fnbcost/fnbcost/internal/auth"
	"github.com/fnbcost/fnbcost/internal/authz"
	"github.com/fnbcost/fnbcost/internal/ratelimit"
	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/shared"
)

// Principals identifies callers by a bearer token of the form "token-<id>".
type Principals struct {
	mu     sync.Mutex
	byID   map[int64]rbac.Principal
	perms  map[int64]rbac.PermissionSet
	access map[int64]map[int64]rbac.AccessLevel

	invalidated map[int64]int
}

// NewPrincipals constructs an empty directory.
func NewPrincipals() *Principals {
	return &Principals{
		byID:   make(map[int64]rbac.Principal),
		perms:  make(map[int64]rbac.PermissionSet),
		access: make(map[int64]map[int64]rbac.AccessLevel),

		invalidated: make(map[int64]int),
	}
}

// Add registers an active principal holding perms.
func (p *Principals) Add(id int64, role rbac.Role, perms ...string) rbac.Principal {
	p.mu.Lock()
	defer p.mu.Unlock()
	principal := rbac.Principal{ID: id, Email: "user" + strconv.FormatInt(id, 10) + "@example.com", Role: role, IsActive: true}
	p.byID[id] = principal
	p.perms[id] = rbac.NewPermissionSet(perms...)
	return principal
}

// Grant gives id access to a property.
func (p *Principals) Grant(id, propertyID int64, level rbac.AccessLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.access[id] == nil {
		p.access[id] = make(map[int64]rbac.AccessLevel)
	}
	p.access[id][propertyID] = level
}

// Token returns the bearer token for id.
func Token(id int64) string {
	return "token-" + strconv.FormatInt(id, 10)
}

// Authorize sets the bearer token of id on r.
func Authorize(r *http.Request, id int64) *http.Request {
	r.Header.Set("Authorization", "Bearer "+Token(id))
	return r
}

func (p *Principals) Identify(ctx context.Context, token string) (rbac.Principal, auth.Session, error) {
	raw, ok := strings.CutPrefix(token, "token-")
	if !ok {
		return rbac.Principal{}, auth.Session{}, shared.ErrUnauthenticated("authentication required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return rbac.Principal{}, auth.Session{}, shared.ErrUnauthenticated("invalid session")
	}
	p.mu.Lock()
	principal, ok := p.byID[id]
	p.mu.Unlock()
	if !ok {
		return rbac.Principal{}, auth.Session{}, shared.ErrUnauthenticated("invalid session")
	}
	now := time.Now().UTC()
	return principal, auth.Session{
		ID:           "session-" + raw,
		PrincipalID:  id,
		IssuedAt:     now,
		LastActivity: now,
		ExpiresAt:    now.Add(time.Hour),
	}, nil
}

// Principal returns the registered principal.
func (p *Principals) Principal(ctx context.Context, id int64) (rbac.Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	principal, ok := p.byID[id]
	if !ok {
		return rbac.Principal{}, shared.ErrMissing("principal %d not found", id)
	}
	return principal, nil
}

// Snapshot lists the principal's permission names.
func (p *Principals) Snapshot(ctx context.Context, principal rbac.Principal) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.perms[principal.ID].Sorted(), nil
}

// InvalidatePrincipal counts invalidations.
func (p *Principals) InvalidatePrincipal(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated[id]++
}

// Invalidations reports how often id was invalidated.
func (p *Principals) Invalidations(id int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invalidated[id]
}

// Update replaces a registered principal.
func (p *Principals) Update(principal rbac.Principal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[principal.ID] = principal
}

func (p *Principals) Satisfies(ctx context.Context, principal *rbac.Principal, req rbac.Requirement) bool {
	if principal == nil || !principal.IsActive {
		return false
	}
	if req.Empty() {
		return true
	}
	if req.Mode == rbac.ModeAll {
		for _, name := range req.Names {
			if !p.HasPermission(ctx, principal, name) {
				return false
			}
		}
		return true
	}
	for _, name := range req.Names {
		if p.HasPermission(ctx, principal, name) {
			return true
		}
	}
	return false
}

func (p *Principals) HasPermission(ctx context.Context, principal *rbac.Principal, name string) bool {
	if principal == nil {
		return false
	}
	if principal.Role == rbac.RoleSuperAdmin {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.perms[principal.ID].Has(name)
}

func (p *Principals) CanAccessProperty(ctx context.Context, principalID, propertyID int64, required rbac.AccessLevel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byID[principalID].Role == rbac.RoleSuperAdmin {
		return true
	}
	level := p.access[principalID][propertyID]
	return level != rbac.AccessNone && level >= required
}

// Auditor keeps every recorded entry.
type Auditor struct {
	mu      sync.Mutex
	entries []audit.Record
}

func (a *Auditor) Record(ctx context.Context, rec audit.Record) audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, rec)
	return audit.Entry{ActorID: rec.ActorID, Action: rec.Action, Outcome: rec.Outcome}
}

// Records returns a copy of what has been recorded.
func (a *Auditor) Records() []audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Record(nil), a.entries...)
}

// Last returns the most recent record.
func (a *Auditor) Last() (audit.Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return audit.Record{}, false
	}
	return a.entries[len(a.entries)-1], true
}

// Fixture bundles a gate with its in-memory collaborators.
type Fixture struct {
	Gate       *authz.Gate
	Principals *Principals
	Auditor    *Auditor
	CSRF       *shared.CSRFManager
}

// NewFixture builds a gate backed by in-memory collaborators.
func NewFixture() *Fixture {
	principals := NewPrincipals()
	auditor := &Auditor{}
	csrf := shared.NewCSRFManager("test-csrf-secret")
	gate := authz.NewGate(authz.Deps{
		Identity: principals,
		Checker:  principals,
		Limiter:  ratelimit.New(ratelimit.NewMemoryStore()),
		Auditor:  auditor,
		CSRF:     csrf,
	})
	return &Fixture{Gate: gate, Principals: principals, Auditor: auditor, CSRF: csrf}
}
