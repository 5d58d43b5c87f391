package authz_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnbcost/fnbcost/internal/audit"
	"github.com/fnbcost/fnbcost/internal/authz"
	"github.com/fnbcost/fnbcost/internal/authz/authztest"
	"github.com/fnbcost/fnbcost/internal/ratelimit"
	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/shared"
)

var generous = ratelimit.Policy{Window: time.Minute, Max: 100}

func serve(t *testing.T, router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGateRejectsMissingIdentityWithDeniedAudit(t *testing.T) {
	f := authztest.NewFixture()
	called := false
	r := chi.NewRouter()
	r.Get("/outlets", f.Gate.Handle(authz.Route{RateLimit: generous, Action: "outlets.list", Resource: "outlet"}, func(call *authz.Call) (any, error) {
		called = true
		return nil, nil
	}))

	rec := serve(t, r, httptest.NewRequest(http.MethodGet, "/outlets", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)

	entry, ok := f.Auditor.Last()
	require.True(t, ok)
	assert.Equal(t, audit.OutcomeDenied, entry.Outcome)
	assert.Equal(t, int64(0), entry.ActorID)
	assert.Equal(t, "outlets.list", entry.Action)
	assert.Equal(t, http.StatusUnauthorized, entry.Request.Status)
}

func TestGateChecksPermissionsBeforeHandler(t *testing.T) {
	f := authztest.NewFixture()
	f.Principals.Add(1, rbac.RoleStaff, rbac.PermUsersView)
	f.Principals.Add(2, rbac.RolePropertyAdmin)

	r := chi.NewRouter()
	r.Get("/users", f.Gate.Handle(authz.Route{
		Permissions: rbac.AnyOf(rbac.PermUsersView),
		RateLimit:   generous,
		Action:      "users.list",
		Resource:    "user",
	}, func(call *authz.Call) (any, error) {
		return map[string]int64{"caller": call.Principal.ID}, nil
	}))

	rec := serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/users", nil), 1))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"caller":1}`, rec.Body.String())
	entry, _ := f.Auditor.Last()
	assert.Equal(t, audit.OutcomeAllowed, entry.Outcome)
	assert.Equal(t, int64(1), entry.ActorID)

	rec = serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/users", nil), 2))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	entry, _ = f.Auditor.Last()
	assert.Equal(t, audit.OutcomeDenied, entry.Outcome)
	assert.Equal(t, int64(2), entry.ActorID)
	assert.Len(t, f.Auditor.Records(), 2, "one entry per request")
}

func TestGateRequireAllAndRoles(t *testing.T) {
	f := authztest.NewFixture()
	f.Principals.Add(1, rbac.RolePropertyAdmin, rbac.PermUsersView)
	f.Principals.Add(2, rbac.RolePropertyAdmin, rbac.PermUsersView, rbac.PermUsersLock)
	f.Principals.Add(3, rbac.RoleStaff, rbac.PermUsersView, rbac.PermUsersLock)
	f.Principals.Add(4, rbac.RoleSuperAdmin)

	r := chi.NewRouter()
	r.Get("/guarded", f.Gate.Handle(authz.Route{
		Permissions: rbac.AllOf(rbac.PermUsersView, rbac.PermUsersLock),
		Roles:       []rbac.Role{rbac.RolePropertyAdmin},
		RateLimit:   generous,
	}, func(call *authz.Call) (any, error) {
		return nil, nil
	}))

	cases := map[int64]int{
		1: http.StatusForbidden,
		2: http.StatusNoContent,
		3: http.StatusForbidden,
		4: http.StatusNoContent,
	}
	for id, want := range cases {
		rec := serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/guarded", nil), id))
		assert.Equal(t, want, rec.Code, "principal %d", id)
	}
}

func TestGateRateLimitsPerIdentityAndRoute(t *testing.T) {
	f := authztest.NewFixture()
	f.Principals.Add(1, rbac.RoleStaff)
	f.Principals.Add(2, rbac.RoleStaff)

	r := chi.NewRouter()
	r.Get("/limited", f.Gate.Handle(authz.Route{
		RateLimit: ratelimit.Policy{Window: time.Minute, Max: 2},
	}, func(call *authz.Call) (any, error) {
		return nil, nil
	}))

	for i := 0; i < 2; i++ {
		rec := serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/limited", nil), 1))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	rec := serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/limited", nil), 1))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	entry, _ := f.Auditor.Last()
	assert.Equal(t, audit.OutcomeDenied, entry.Outcome)

	rec = serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/limited", nil), 2))
	assert.Equal(t, http.StatusNoContent, rec.Code, "other identities keep their own window")
}

func TestGateRateLimitPrecedesPermissionCheck(t *testing.T) {
	f := authztest.NewFixture()
	f.Principals.Add(1, rbac.RoleStaff)

	r := chi.NewRouter()
	r.Get("/admin", f.Gate.Handle(authz.Route{
		Permissions: rbac.AnyOf(rbac.PermUsersLock),
		RateLimit:   ratelimit.Policy{Window: time.Minute, Max: 1},
	}, func(call *authz.Call) (any, error) {
		return nil, nil
	}))

	rec := serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/admin", nil), 1))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/admin", nil), 1))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGatePropertyScope(t *testing.T) {
	f := authztest.NewFixture()
	f.Principals.Add(1, rbac.RolePropertyManager)
	f.Principals.Grant(1, 7, rbac.AccessReadOnly)

	r := chi.NewRouter()
	r.Get("/properties/{propertyID}/access", f.Gate.Handle(authz.Route{
		Property:  &authz.PropertyScope{Param: "propertyID", Level: rbac.AccessReadOnly},
		RateLimit: generous,
	}, func(call *authz.Call) (any, error) {
		return map[string]bool{"ok": true}, nil
	}))

	rec := serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/properties/7/access", nil), 1))
	assert.Equal(t, http.StatusOK, rec.Code)
	entry, _ := f.Auditor.Last()
	assert.Equal(t, "7", entry.ResourceID)

	rec = serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/properties/8/access", nil), 1))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/properties/abc/access", nil), 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateAuditsHandlerErrorsAndHidesInternals(t *testing.T) {
	f := authztest.NewFixture()
	f.Principals.Add(1, rbac.RoleStaff)

	r := chi.NewRouter()
	r.Get("/boom", f.Gate.Handle(authz.Route{RateLimit: generous, Action: "boom"}, func(call *authz.Call) (any, error) {
		return nil, errors.New("pq: relation missing")
	}))
	r.Get("/conflict", f.Gate.Handle(authz.Route{RateLimit: generous, Action: "conflict"}, func(call *authz.Call) (any, error) {
		return nil, shared.ErrConflict("email already used")
	}))

	rec := serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/boom", nil), 1))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "relation missing")
	entry, _ := f.Auditor.Last()
	assert.Equal(t, audit.OutcomeError, entry.Outcome)
	assert.Equal(t, "pq: relation missing", entry.Message)

	rec = serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/conflict", nil), 1))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "email already used")
}

func TestGateAuditsHandlerForbiddenAsDenied(t *testing.T) {
	f := authztest.NewFixture()
	f.Principals.Add(1, rbac.RoleStaff)

	r := chi.NewRouter()
	r.Get("/others", f.Gate.Handle(authz.Route{RateLimit: generous, Action: "sessions.list"}, func(call *authz.Call) (any, error) {
		return nil, shared.ErrForbidden("cannot view other principals' sessions")
	}))

	rec := serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/others", nil), 1))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.Len(t, f.Auditor.Records(), 1)
	entry, _ := f.Auditor.Last()
	assert.Equal(t, audit.OutcomeDenied, entry.Outcome)
	assert.Equal(t, http.StatusForbidden, entry.Request.Status)
}

func TestGateRecordsChangesAndMetadata(t *testing.T) {
	f := authztest.NewFixture()
	f.Principals.Add(1, rbac.RoleStaff)

	r := chi.NewRouter()
	r.Put("/things/{id}", f.Gate.Handle(authz.Route{RateLimit: generous, Action: "things.update", Resource: "thing"}, func(call *authz.Call) (any, error) {
		var body struct {
			Name string `json:"name" validate:"required"`
		}
		if err := call.Decode(&body); err != nil {
			return nil, err
		}
		call.SetResourceID(call.Param("id"))
		call.RecordChange(map[string]any{"name": "old"}, map[string]any{"name": body.Name})
		call.AuditLog("things.rename", "", map[string]any{"source": "test"})
		return body, nil
	}))

	req := httptest.NewRequest(http.MethodPut, "/things/9", strings.NewReader(`{"name":"new"}`))
	rec := serve(t, r, authztest.Authorize(req, 1))
	require.Equal(t, http.StatusOK, rec.Code)
	entry, _ := f.Auditor.Last()
	assert.Equal(t, "things.rename", entry.Action)
	assert.Equal(t, "thing", entry.Resource)
	assert.Equal(t, "9", entry.ResourceID)
	assert.Equal(t, "test", entry.Metadata["source"])
	assert.Equal(t, map[string]any{"name": "new"}, entry.After)

	req = httptest.NewRequest(http.MethodPut, "/things/9", strings.NewReader(`{}`))
	rec = serve(t, r, authztest.Authorize(req, 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"required"`)
}

func TestGateRequiresCSRFForCookieWrites(t *testing.T) {
	f := authztest.NewFixture()
	f.Principals.Add(1, rbac.RoleStaff)

	r := chi.NewRouter()
	r.Post("/write", f.Gate.Handle(authz.Route{RateLimit: generous}, func(call *authz.Call) (any, error) {
		return nil, nil
	}))
	r.Get("/read", f.Gate.Handle(authz.Route{RateLimit: generous}, func(call *authz.Call) (any, error) {
		return nil, nil
	}))

	cookie := &http.Cookie{Name: authz.SessionCookie, Value: authztest.Token(1)}

	req := httptest.NewRequest(http.MethodGet, "/read", nil)
	req.AddCookie(cookie)
	assert.Equal(t, http.StatusNoContent, serve(t, r, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/write", nil)
	req.AddCookie(cookie)
	assert.Equal(t, http.StatusForbidden, serve(t, r, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/write", nil)
	req.AddCookie(cookie)
	req.Header.Set(shared.CSRFHeader, f.CSRF.Token("session-1"))
	assert.Equal(t, http.StatusNoContent, serve(t, r, req).Code)

	req = authztest.Authorize(httptest.NewRequest(http.MethodPost, "/write", nil), 1)
	assert.Equal(t, http.StatusNoContent, serve(t, r, req).Code, "bearer clients are exempt")
}

func TestGatePanicsOnUnknownPermission(t *testing.T) {
	f := authztest.NewFixture()
	assert.Panics(t, func() {
		f.Gate.Handle(authz.Route{Permissions: rbac.AnyOf("outlets.teleport"), RateLimit: generous}, func(call *authz.Call) (any, error) {
			return nil, nil
		})
	})
}

func TestGatePanicsWithoutRateLimit(t *testing.T) {
	f := authztest.NewFixture()
	assert.Panics(t, func() {
		f.Gate.Handle(authz.Route{Action: "outlets.list"}, func(call *authz.Call) (any, error) {
			return nil, nil
		})
	})
	assert.Panics(t, func() {
		f.Gate.Stream(authz.Route{Action: "realtime.stream"}, func(call *authz.Call, w http.ResponseWriter) error {
			return nil
		})
	})
}

func TestGateStreamAuditsOnClose(t *testing.T) {
	f := authztest.NewFixture()
	f.Principals.Add(1, rbac.RoleStaff)

	r := chi.NewRouter()
	r.Get("/stream", f.Gate.Stream(authz.Route{RateLimit: generous, Action: "realtime.stream"}, func(call *authz.Call, w http.ResponseWriter) error {
		_, err := w.Write([]byte("data: {}\n\n"))
		return err
	}))

	rec := serve(t, r, authztest.Authorize(httptest.NewRequest(http.MethodGet, "/stream", nil), 1))
	assert.Equal(t, "data: {}\n\n", rec.Body.String())
	require.Len(t, f.Auditor.Records(), 1)
	entry, _ := f.Auditor.Last()
	assert.Equal(t, audit.OutcomeAllowed, entry.Outcome)
}
