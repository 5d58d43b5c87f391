// Package authz is the authorization middleware every protected route passes through.
// A request is identified, rate limited, checked against the route's roles, permissions
// and property scope, handed to the handler and audited exactly once.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fnbcost/fnbcost/internal/audit"
	"github.com/fnbcost/fnbcost/internal/auth"
	"github.com/fnbcost/fnbcost/internal/observability"
	"github.com/fnbcost/fnbcost/internal/platform/httpx"
	"github.com/fnbcost/fnbcost/internal/ratelimit"
	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/shared"
)

// SessionCookie is the cookie carrying the signed session token for browser clients.
const SessionCookie = "fnb_session"

// PropertyScope requires access to the property named by a URL parameter.
type PropertyScope struct {
	Param string
	Level rbac.AccessLevel
}

// Route declares what a protected endpoint requires.
type Route struct {
	// Name labels the route for rate limiting and metrics. Defaults to METHOD pattern.
	Name        string
	Permissions rbac.Requirement
	Roles       []rbac.Role
	// RateLimit is the per-identity quota on this route. Required.
	RateLimit   ratelimit.Policy
	Action      string
	Resource    string
	Property    *PropertyScope
}

// Identifier turns a presented token into a live principal and session.
type Identifier interface {
	Identify(ctx context.Context, token string) (rbac.Principal, auth.Session, error)
}

// Checker answers permission and property questions.
type Checker interface {
	Satisfies(ctx context.Context, p *rbac.Principal, req rbac.Requirement) bool
	HasPermission(ctx context.Context, p *rbac.Principal, name string) bool
	CanAccessProperty(ctx context.Context, principalID, propertyID int64, required rbac.AccessLevel) bool
}

// Auditor records one audit entry per request.
type Auditor interface {
	Record(ctx context.Context, rec audit.Record) audit.Entry
}

// Deps are the collaborators of a Gate.
type Deps struct {
	Identity Identifier
	Checker  Checker
	Limiter  *ratelimit.Limiter
	Auditor  Auditor
	CSRF     *shared.CSRFManager
	Registry *rbac.Registry
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// Gate wraps handlers with the authorization pipeline.
type Gate struct {
	identity Identifier
	checker  Checker
	limiter  *ratelimit.Limiter
	auditor  Auditor
	csrf     *shared.CSRFManager
	registry *rbac.Registry
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewGate constructs a Gate.
func NewGate(deps Deps) *Gate {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := deps.Registry
	if registry == nil {
		registry = rbac.DefaultRegistry()
	}
	return &Gate{
		identity: deps.Identity,
		checker:  deps.Checker,
		limiter:  deps.Limiter,
		auditor:  deps.Auditor,
		csrf:     deps.CSRF,
		registry: registry,
		logger:   logger,
		metrics:  deps.Metrics,
	}
}

// HandlerFunc serves an authorized call. A nil result with a nil error answers 204.
type HandlerFunc func(call *Call) (any, error)

// StreamFunc serves a long-lived response on w after authorization.
type StreamFunc func(call *Call, w http.ResponseWriter) error

// Renderer lets a handler result write a non-JSON body.
type Renderer interface {
	Render(w http.ResponseWriter) error
}

// Handle wraps fn with the pipeline. It panics when route names unknown permissions or roles
// or declares no rate limit.
func (g *Gate) Handle(route Route, fn HandlerFunc) http.HandlerFunc {
	g.mustValidate(route)
	return func(w http.ResponseWriter, r *http.Request) {
		call, ok := g.admit(w, r, route)
		if !ok {
			return
		}
		result, err := fn(call)
		if err == nil && call.status == 0 && result == nil {
			call.status = http.StatusNoContent
		}
		g.finish(call, err)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		g.respond(w, call, result)
	}
}

// Stream wraps a streaming handler. The audit entry is written when the stream ends.
func (g *Gate) Stream(route Route, fn StreamFunc) http.HandlerFunc {
	g.mustValidate(route)
	return func(w http.ResponseWriter, r *http.Request) {
		call, ok := g.admit(w, r, route)
		if !ok {
			return
		}
		rec := &trackingWriter{ResponseWriter: w}
		err := fn(call, rec)
		g.finish(call, err)
		if err != nil {
			if !rec.wrote {
				httpx.RespondError(w, err)
				return
			}
			g.logger.Warn("stream ended with error", slog.String("route", call.route), slog.Any("error", err))
		}
	}
}

func (g *Gate) mustValidate(route Route) {
	if err := g.registry.ValidateRequirement(route.Permissions); err != nil {
		panic(fmt.Sprintf("authz: route %q: %v", route.Name, err))
	}
	for _, role := range route.Roles {
		if !role.Valid() {
			panic(fmt.Sprintf("authz: route %q: unknown role %q", route.Name, role))
		}
	}
	if !route.RateLimit.Valid() {
		panic(fmt.Sprintf("authz: route %q: rate limit policy required", route.Name))
	}
	if route.Property != nil && strings.TrimSpace(route.Property.Param) == "" {
		panic(fmt.Sprintf("authz: route %q: property scope without parameter", route.Name))
	}
}

// admit runs identification, rate limiting and authorization. On rejection the response
// and the DENIED audit entry are already written.
func (g *Gate) admit(w http.ResponseWriter, r *http.Request, route Route) (*Call, bool) {
	ctx := r.Context()
	call := newCall(g, r, route)

	token, fromCookie := presentedToken(r)
	principal, session, err := g.identity.Identify(ctx, token)
	if err != nil {
		var authn *shared.AuthenticationError
		if !errors.As(err, &authn) {
			g.logger.Error("identify request", slog.String("route", call.route), slog.Any("error", err))
			err = shared.ErrUnauthenticated("authentication required")
		}
		g.reject(w, call, "unauthenticated", err)
		return nil, false
	}
	call.bind(principal, session)

	if fromCookie && !safeMethod(r.Method) && g.csrf != nil {
		if err := g.csrf.Verify(session.ID, r.Header.Get(shared.CSRFHeader)); err != nil {
			g.reject(w, call, "csrf", shared.ErrForbidden("invalid csrf token"))
			return nil, false
		}
	}

	if route.RateLimit.Valid() && g.limiter != nil {
		decision, err := g.limiter.Allow(ctx, strconv.FormatInt(principal.ID, 10), call.route, route.RateLimit)
		switch {
		case err != nil:
			g.logger.Warn("rate limiter unavailable", slog.String("route", call.route), slog.Any("error", err))
		case !decision.Allowed:
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", "0")
			g.metrics.RateLimited(call.route)
			g.reject(w, call, "rate_limited", &shared.RateLimitError{RetryAfter: decision.RetryAfter(call.at)})
			return nil, false
		default:
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		}
	}

	if len(route.Roles) > 0 && !hasRole(principal.Role, route.Roles) {
		g.reject(w, call, "forbidden", shared.ErrForbidden("insufficient role"))
		return nil, false
	}
	if !g.checker.Satisfies(ctx, &call.Principal, route.Permissions) {
		g.reject(w, call, "forbidden", shared.ErrForbidden("insufficient permissions"))
		return nil, false
	}
	if scope := route.Property; scope != nil {
		propertyID, err := call.Int64Param(scope.Param)
		if err != nil {
			g.reject(w, call, "invalid", err)
			return nil, false
		}
		call.resourceID = strconv.FormatInt(propertyID, 10)
		if !g.checker.CanAccessProperty(ctx, principal.ID, propertyID, scope.Level) {
			g.reject(w, call, "forbidden", shared.ErrForbidden("no access to property"))
			return nil, false
		}
	}
	return call, true
}

func (g *Gate) reject(w http.ResponseWriter, call *Call, outcome string, err error) {
	g.metrics.GateDecision(call.route, outcome)
	call.status = httpx.StatusFor(err)
	g.record(call, audit.OutcomeDenied, err.Error())
	httpx.RespondError(w, err)
}

func (g *Gate) finish(call *Call, err error) {
	var denied *shared.AuthorizationError
	if errors.As(err, &denied) {
		call.status = httpx.StatusFor(err)
		g.metrics.GateDecision(call.route, "forbidden")
		g.record(call, audit.OutcomeDenied, err.Error())
		return
	}
	if err != nil {
		call.status = httpx.StatusFor(err)
		g.metrics.GateDecision(call.route, "error")
		if call.status == http.StatusInternalServerError {
			g.logger.Error("handler failed",
				slog.String("route", call.route),
				slog.Int64("principal_id", call.Principal.ID),
				slog.Any("error", err))
		}
		g.record(call, audit.OutcomeError, err.Error())
		return
	}
	g.metrics.GateDecision(call.route, "allowed")
	g.record(call, audit.OutcomeAllowed, call.message)
}

func (g *Gate) record(call *Call, outcome audit.Outcome, message string) {
	if g.auditor == nil {
		return
	}
	g.auditor.Record(call.Context(), audit.Record{
		ActorID:    call.Principal.ID,
		Action:     call.action,
		Resource:   call.resource,
		ResourceID: call.resourceID,
		Before:     call.before,
		After:      call.after,
		Outcome:    outcome,
		Message:    message,
		Metadata:   call.meta,
		Request:    call.requestMeta(),
	})
}

func (g *Gate) respond(w http.ResponseWriter, call *Call, result any) {
	if renderer, ok := result.(Renderer); ok {
		if err := renderer.Render(w); err != nil {
			g.logger.Error("render response", slog.String("route", call.route), slog.Any("error", err))
		}
		return
	}
	status := call.status
	if result == nil {
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	httpx.JSON(w, status, result)
}

// presentedToken reads the bearer token, falling back to the session cookie.
func presentedToken(r *http.Request) (token string, fromCookie bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, value, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value), false
		}
		return "", false
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value, true
	}
	return "", false
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func hasRole(role rbac.Role, allowed []rbac.Role) bool {
	if role == rbac.RoleSuperAdmin {
		return true
	}
	for _, candidate := range allowed {
		if candidate == role {
			return true
		}
	}
	return false
}

func routeName(r *http.Request, route Route) string {
	if route.Name != "" {
		return route.Name
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return r.Method + " " + pattern
		}
	}
	return r.Method + " " + r.URL.Path
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}

func (t *trackingWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		t.wrote = true
		f.Flush()
	}
}

func (t *trackingWriter) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}
