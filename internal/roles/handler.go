package roles

import (
	"log/slog"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fnbcost/fnbcost/internal/authz"
	"github.com/fnbcost/fnbcost/internal/ratelimit"
	"github.com/fnbcost/fnbcost/internal/rbac"
)

// Handler manages role management endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	gate    *authz.Gate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, gate *authz.Gate) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, gate: gate}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/roles", h.gate.Handle(authz.Route{
		Permissions: rbac.AnyOf(rbac.PermRolesView),
		RateLimit:   ratelimit.Policy{Window: time.Minute, Max: 120},
		Action:      "roles.list",
		Resource:    "role",
	}, h.listRoles))
	r.Put("/roles/{role}/permissions", h.gate.Handle(authz.Route{
		Permissions: rbac.AnyOf(rbac.PermRolesPermissionsUpdate),
		RateLimit:   ratelimit.Policy{Window: time.Minute, Max: 20},
		Action:      "roles.permissions.update",
		Resource:    "role",
	}, h.replacePermissions))
}

func (h *Handler) listRoles(call *authz.Call) (any, error) {
	roles, err := h.service.ListRoles(call.Context())
	if err != nil {
		return nil, err
	}
	return map[string]any{"roles": roles}, nil
}

type permissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required,dive,required"`
}

func (h *Handler) replacePermissions(call *authz.Call) (any, error) {
	role := rbac.Role(strings.ToLower(strings.TrimSpace(call.Param("role"))))
	call.SetResourceID(string(role))
	var req permissionsRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	before, after, err := h.service.ReplacePermissions(call.Context(), role, req.Permissions)
	if err != nil {
		return nil, err
	}
	call.RecordChange(map[string]any{"permissions": before.Permissions}, map[string]any{"permissions": after.Permissions})
	return after, nil
}
