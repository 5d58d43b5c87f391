package users

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fnbcost/fnbcost/internal/authz"
	"github.com/fnbcost/fnbcost/internal/ratelimit"
	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/shared"
)

var (
	adminReads  = ratelimit.Policy{Window: time.Minute, Max: 120}
	adminWrites = ratelimit.Policy{Window: time.Minute, Max: 30}
)

// Handler manages user administration endpoints.
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

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/users", h.gate.Handle(authz.Route{
		Permissions: rbac.AnyOf(rbac.PermUsersView),
		RateLimit:   adminReads,
		Action:      "users.list",
		Resource:    "user",
	}, h.listUsers))
	r.Post("/users/{userID}/lock", h.gate.Handle(authz.Route{
		Permissions: rbac.AnyOf(rbac.PermUsersLock),
		RateLimit:   adminWrites,
		Action:      "users.lock",
		Resource:    "user",
	}, h.setLock))
	r.Put("/users/{userID}/role", h.gate.Handle(authz.Route{
		Permissions: rbac.AnyOf(rbac.PermUsersRoleUpdate),
		RateLimit:   adminWrites,
		Action:      "users.role.update",
		Resource:    "user",
	}, h.updateRole))
	r.Put("/users/{userID}/permissions", h.gate.Handle(authz.Route{
		Permissions: rbac.AnyOf(rbac.PermUsersPermissionsUpdate),
		RateLimit:   adminWrites,
		Action:      "users.permissions.update",
		Resource:    "user",
	}, h.replaceOverrides))
}

func (h *Handler) listUsers(call *authz.Call) (any, error) {
	q := call.Request.URL.Query()
	page, limit, err := shared.ParsePageParams(q, 50, 200)
	if err != nil {
		return nil, err
	}
	users, paging, err := h.service.ListUsers(call.Context(), ListFilter{
		Role:   rbac.Role(strings.TrimSpace(q.Get("role"))),
		Search: q.Get("q"),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"users": users, "paging": paging}, nil
}

type lockRequest struct {
	Locked  bool `json:"locked"`
	Minutes int  `json:"minutes" validate:"omitempty,min=1,max=43200"`
}

func (h *Handler) setLock(call *authz.Call) (any, error) {
	id, err := h.target(call)
	if err != nil {
		return nil, err
	}
	var req lockRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	before, after, err := h.service.SetLock(call.Context(), call.Principal, id, LockRequest{
		Locked:   req.Locked,
		Duration: time.Duration(req.Minutes) * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	call.RecordChange(lockState(before), lockState(after))
	return after, nil
}

func lockState(u User) map[string]any {
	state := map[string]any{"locked": u.Locked, "login_attempts": u.LoginAttempts}
	if u.LockedUntil != nil {
		state["locked_until"] = u.LockedUntil.UTC().Format(time.RFC3339)
	}
	return state
}

type roleRequest struct {
	Role string `json:"role" validate:"required"`
}

func (h *Handler) updateRole(call *authz.Call) (any, error) {
	id, err := h.target(call)
	if err != nil {
		return nil, err
	}
	var req roleRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	before, after, err := h.service.UpdateRole(call.Context(), call.Principal, id, rbac.Role(strings.TrimSpace(req.Role)))
	if err != nil {
		return nil, err
	}
	call.RecordChange(map[string]any{"role": before.Role}, map[string]any{"role": after.Role})
	return after, nil
}

type overridesRequest struct {
	Permissions []string `json:"permissions" validate:"required,dive,required"`
}

func (h *Handler) replaceOverrides(call *authz.Call) (any, error) {
	id, err := h.target(call)
	if err != nil {
		return nil, err
	}
	var req overridesRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	before, after, err := h.service.ReplaceOverrides(call.Context(), call.Principal, id, req.Permissions)
	if err != nil {
		return nil, err
	}
	call.RecordChange(map[string]any{"permission_overrides": before.Overrides}, map[string]any{"permission_overrides": after.Overrides})
	return after, nil
}

func (h *Handler) target(call *authz.Call) (int64, error) {
	id, err := call.Int64Param("userID")
	if err != nil {
		return 0, err
	}
	call.SetResourceID(strconv.FormatInt(id, 10))
	return id, nil
}
