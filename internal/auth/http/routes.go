package authhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/fnbcost/fnbcost/internal/authz"
	"github.com/fnbcost/fnbcost/internal/platform/httpx"
	"github.com/fnbcost/fnbcost/internal/ratelimit"
	"github.com/fnbcost/fnbcost/internal/rbac"
)

const (
	loginRateLimit  = 10
	loginRateWindow = time.Minute
)

var (
	sessionReads  = ratelimit.Policy{Window: time.Minute, Max: 120}
	sessionWrites = ratelimit.Policy{Window: time.Minute, Max: 30}
)

// MountRoutes registers the auth endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	loginLimiter := httprate.Limit(loginRateLimit, loginRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "too many login attempts")
		}),
	)
	r.Route("/auth", func(ar chi.Router) {
		ar.With(loginLimiter).Post("/login", h.handleLogin)
		ar.Post("/logout", h.gate.Handle(authz.Route{RateLimit: sessionWrites, Action: "auth.logout", Resource: "session"}, h.logout))
		ar.Get("/me", h.gate.Handle(authz.Route{RateLimit: sessionReads, Action: "auth.me", Resource: "principal"}, h.me))
		ar.Get("/sessions", h.gate.Handle(authz.Route{RateLimit: sessionReads, Action: "sessions.list", Resource: "session"}, h.listSessions))
		ar.Get("/sessions/stats", h.gate.Handle(authz.Route{
			Roles:     []rbac.Role{rbac.RoleSuperAdmin, rbac.RolePropertyAdmin},
			RateLimit: sessionReads,
			Action:    "sessions.stats",
			Resource:  "session",
		}, h.stats))
		ar.Delete("/sessions/{sessionID}", h.gate.Handle(authz.Route{
			RateLimit: sessionWrites,
			Action:    "sessions.revoke",
			Resource:  "session",
		}, h.revokeSession))
		ar.Put("/devices/trust", h.gate.Handle(authz.Route{
			RateLimit: sessionWrites,
			Action:    "devices.trust",
			Resource:  "device",
		}, h.setDeviceTrust))
	})
}
