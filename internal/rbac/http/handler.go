// Package rbachttp exposes the permission catalogue and property access lookups.
package rbachttp

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fnbcost/fnbcost/internal/authz"
	"github.com/fnbcost/fnbcost/internal/ratelimit"
	"github.com/fnbcost/fnbcost/internal/rbac"
)

var catalogueReads = ratelimit.Policy{Window: time.Minute, Max: 120}

// AccessReader reports the access level a principal holds on a property.
type AccessReader interface {
	AccessLevel(ctx context.Context, principalID, propertyID int64) (rbac.AccessLevel, error)
}

// Handler serves permission and property access endpoints.
type Handler struct {
	logger   *slog.Logger
	registry *rbac.Registry
	access   AccessReader
	gate     *authz.Gate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, registry *rbac.Registry, access AccessReader, gate *authz.Gate) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = rbac.DefaultRegistry()
	}
	return &Handler{logger: logger, registry: registry, access: access, gate: gate}
}

// MountRoutes registers permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/permissions", h.gate.Handle(authz.Route{
		Permissions: rbac.AnyOf(rbac.PermPermissionsView),
		RateLimit:   catalogueReads,
		Action:      "permissions.list",
		Resource:    "permission",
	}, h.listPermissions))
	r.Get("/properties/{propertyID}/access", h.gate.Handle(authz.Route{
		Property:  &authz.PropertyScope{Param: "propertyID", Level: rbac.AccessReadOnly},
		RateLimit: catalogueReads,
		Action:    "properties.access",
		Resource:  "property",
	}, h.propertyAccess))
}

type permissionView struct {
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

func (h *Handler) listPermissions(call *authz.Call) (any, error) {
	defs := h.registry.Definitions()
	out := make([]permissionView, 0, len(defs))
	for _, d := range defs {
		out = append(out, permissionView{Name: d.Name, Resource: d.Resource(), Action: d.Action(), Description: d.Description})
	}
	return map[string]any{"permissions": out}, nil
}

func (h *Handler) propertyAccess(call *authz.Call) (any, error) {
	propertyID, err := call.Int64Param("propertyID")
	if err != nil {
		return nil, err
	}
	level, err := h.access.AccessLevel(call.Context(), call.Principal.ID, propertyID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"property_id":  propertyID,
		"principal_id": call.Principal.ID,
		"access_level": level.String(),
		"can_manage":   level >= rbac.AccessManagement,
	}, nil
}
