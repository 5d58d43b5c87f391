package authhttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fnbcost/fnbcost/internal/audit"
	"github.com/fnbcost/fnbcost/internal/auth"
	"github.com/fnbcost/fnbcost/internal/authz"
	"github.com/fnbcost/fnbcost/internal/platform/httpx"
	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/shared"
)

// Auditor records login attempts, which happen before the gate knows the caller.
type Auditor interface {
	Record(ctx context.Context, rec audit.Record) audit.Entry
}

// Handler serves login and session management endpoints.
type Handler struct {
	logger       *slog.Logger
	service      *auth.Service
	gate         *authz.Gate
	csrf         *shared.CSRFManager
	auditor      Auditor
	cookieSecure bool
}

// NewHandler constructs a Handler. cookieSecure marks the session cookie Secure.
func NewHandler(logger *slog.Logger, service *auth.Service, gate *authz.Gate, csrf *shared.CSRFManager, auditor Auditor, cookieSecure bool) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:       logger,
		service:      service,
		gate:         gate,
		csrf:         csrf,
		auditor:      auditor,
		cookieSecure: cookieSecure,
	}
}

type loginRequest struct {
	Email             string `json:"email" validate:"required,email"`
	Password          string `json:"password" validate:"required"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"omitempty,max=128"`
}

type principalView struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	Role        rbac.Role  `json:"role"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func viewPrincipal(p rbac.Principal) principalView {
	return principalView{ID: p.ID, Email: p.Email, Role: p.Role, LastLoginAt: p.LastLoginAt}
}

type loginResponse struct {
	Token     string        `json:"token"`
	CSRFToken string        `json:"csrf_token"`
	ExpiresAt time.Time     `json:"expires_at"`
	Principal principalView `json:"principal"`
	Session   auth.Session  `json:"session"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.ErrValidation("malformed request body"))
		return
	}
	if err := authz.Validate(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	login, err := h.service.Authenticate(r.Context(), auth.Credentials{
		Identifier:        req.Email,
		Secret:            req.Password,
		DeviceFingerprint: req.DeviceFingerprint,
		IP:                r.RemoteAddr,
		UserAgent:         r.UserAgent(),
	})
	if err != nil {
		h.recordLogin(r, 0, req.Email, err)
		httpx.RespondError(w, err)
		return
	}
	h.recordLogin(r, login.Principal.ID, req.Email, nil)
	h.logger.Info("login succeeded",
		slog.Int64("principal_id", login.Principal.ID),
		slog.String("session_id", login.Session.ID),
		slog.Bool("trusted_device", login.Session.Trusted))

	maxExpiry := login.Session.IssuedAt.Add(h.service.Sessions().Lifetime().MaxAge)
	http.SetCookie(w, &http.Cookie{
		Name:     authz.SessionCookie,
		Value:    login.Token,
		Path:     "/",
		Expires:  maxExpiry,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	httpx.JSON(w, http.StatusOK, loginResponse{
		Token:     login.Token,
		CSRFToken: h.csrf.Token(login.Session.ID),
		ExpiresAt: login.Session.ExpiresAt,
		Principal: viewPrincipal(login.Principal),
		Session:   login.Session,
	})
}

func (h *Handler) recordLogin(r *http.Request, actorID int64, identifier string, err error) {
	if h.auditor == nil {
		return
	}
	rec := audit.Record{
		ActorID:  actorID,
		Action:   "auth.login",
		Resource: "session",
		Outcome:  audit.OutcomeAllowed,
		Metadata: map[string]any{"identifier": strings.ToLower(strings.TrimSpace(identifier))},
		Request: audit.RequestMeta{
			Method:    r.Method,
			Route:     "POST /auth/login",
			RemoteIP:  r.RemoteAddr,
			UserAgent: r.UserAgent(),
			Status:    http.StatusOK,
		},
	}
	if err != nil {
		rec.Outcome = audit.OutcomeDenied
		rec.Message = err.Error()
		rec.Request.Status = httpx.StatusFor(err)
		if rec.Request.Status == http.StatusInternalServerError {
			rec.Outcome = audit.OutcomeError
		}
	}
	h.auditor.Record(r.Context(), rec)
}

func (h *Handler) logout(call *authz.Call) (any, error) {
	if err := h.service.Logout(call.Context(), call.Session); err != nil {
		return nil, err
	}
	call.SetResourceID(call.Session.ID)
	call.SetStatus(http.StatusNoContent)
	return clearCookie{secure: h.cookieSecure}, nil
}

// clearCookie expires the session cookie and answers 204.
type clearCookie struct {
	secure bool
}

func (c clearCookie) Render(w http.ResponseWriter) error {
	http.SetCookie(w, &http.Cookie{
		Name:     authz.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type meResponse struct {
	Principal   principalView `json:"principal"`
	Permissions []string      `json:"permissions"`
	Session     auth.Session  `json:"session"`
	CSRFToken   string        `json:"csrf_token"`
}

func (h *Handler) me(call *authz.Call) (any, error) {
	perms, err := h.service.EffectivePermissions(call.Context(), call.Principal)
	if err != nil {
		return nil, err
	}
	return meResponse{
		Principal:   viewPrincipal(call.Principal),
		Permissions: perms,
		Session:     call.Session,
		CSRFToken:   h.csrf.Token(call.Session.ID),
	}, nil
}

type sessionView struct {
	auth.Session
	Current bool `json:"current"`
}

func (h *Handler) listSessions(call *authz.Call) (any, error) {
	principalID := call.Principal.ID
	if raw := strings.TrimSpace(call.Request.URL.Query().Get("principal_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			verr := shared.ErrValidation("invalid principal_id")
			verr.Fields = map[string]string{"principal_id": "must be a positive integer"}
			return nil, verr
		}
		principalID = id
	}
	if principalID != call.Principal.ID && !call.Can(rbac.PermSessionsManage) {
		return nil, shared.ErrForbidden("insufficient permissions")
	}
	call.SetResourceID(strconv.FormatInt(principalID, 10))
	sessions, err := h.service.Sessions().List(call.Context(), principalID)
	if err != nil {
		return nil, err
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{Session: s, Current: s.ID == call.Session.ID})
	}
	return map[string]any{"sessions": out}, nil
}

func (h *Handler) revokeSession(call *authz.Call) (any, error) {
	id := call.Param("sessionID")
	call.SetResourceID(id)
	revoked, err := h.service.Sessions().Revoke(call.Context(), id, call.Principal.ID, call.Can(rbac.PermSessionsManage))
	if err != nil {
		return nil, err
	}
	call.AuditLog("", "", map[string]any{"owner_id": revoked.PrincipalID})
	return nil, nil
}

type deviceTrustRequest struct {
	PrincipalID       int64  `json:"principal_id" validate:"omitempty,gt=0"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"required,max=128"`
	Trusted           bool   `json:"trusted"`
}

func (h *Handler) setDeviceTrust(call *authz.Call) (any, error) {
	var req deviceTrustRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	principalID := call.Principal.ID
	if req.PrincipalID != 0 {
		principalID = req.PrincipalID
	}
	if principalID != call.Principal.ID && !call.Can(rbac.PermSessionsManage) {
		return nil, shared.ErrForbidden("insufficient permissions")
	}
	call.SetResourceID(strconv.FormatInt(principalID, 10))
	updated, err := h.service.Sessions().SetDeviceTrust(call.Context(), principalID, req.DeviceFingerprint, req.Trusted)
	if err != nil {
		return nil, err
	}
	call.AuditLog("", "", map[string]any{
		"device_fingerprint": req.DeviceFingerprint,
		"trusted":            req.Trusted,
		"sessions_updated":   updated,
	})
	return map[string]any{"sessions_updated": updated, "trusted": req.Trusted}, nil
}

func (h *Handler) stats(call *authz.Call) (any, error) {
	return h.service.Sessions().Stats(call.Context())
}
