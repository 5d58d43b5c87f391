package audithttp

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fnbcost/fnbcost/internal/authz"
	"github.com/fnbcost/fnbcost/internal/ratelimit"
	"github.com/fnbcost/fnbcost/internal/rbac"
)

const rateWindow = time.Minute

var (
	queryLimit  = ratelimit.Policy{Window: rateWindow, Max: 60}
	exportLimit = ratelimit.Policy{Window: rateWindow, Max: 10}
)

// MountRoutes registers the audit trail query and CSV export endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/audit", h.gate.Handle(authz.Route{
		Permissions: rbac.AnyOf(rbac.PermAuditView, rbac.PermAuditViewAll),
		RateLimit:   queryLimit,
		Action:      "audit.query",
		Resource:    "audit_log",
	}, h.query))
	r.Get("/audit/export.csv", h.gate.Handle(authz.Route{
		Permissions: rbac.AnyOf(rbac.PermAuditViewAll),
		RateLimit:   exportLimit,
		Action:      "audit.export",
		Resource:    "audit_log",
	}, h.export))
}
