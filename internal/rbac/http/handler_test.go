package rbachttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnbcost/fnbcost/internal/authz/authztest"
	"github.com/fnbcost/fnbcost/internal/rbac"
)

type accessFunc func(principalID, propertyID int64) rbac.AccessLevel

func (f accessFunc) AccessLevel(ctx context.Context, principalID, propertyID int64) (rbac.AccessLevel, error) {
	return f(principalID, propertyID), nil
}

func newRouter(t *testing.T) (http.Handler, *authztest.Fixture) {
	t.Helper()
	f := authztest.NewFixture()
	f.Principals.Add(1, rbac.RolePropertyAdmin, rbac.PermPermissionsView)
	f.Principals.Add(2, rbac.RoleStaff)
	f.Principals.Grant(2, 10, rbac.AccessManagement)

	access := accessFunc(func(principalID, propertyID int64) rbac.AccessLevel {
		if principalID == 2 && propertyID == 10 {
			return rbac.AccessManagement
		}
		return rbac.AccessNone
	})
	r := chi.NewRouter()
	NewHandler(nil, nil, access, f.Gate).MountRoutes(r)
	return r, f
}

func get(router http.Handler, path string, actor int64) *httptest.ResponseRecorder {
	req := authztest.Authorize(httptest.NewRequest(http.MethodGet, path, nil), actor)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestListPermissions(t *testing.T) {
	router, _ := newRouter(t)

	rec := get(router, "/permissions", 1)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Permissions []permissionView `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Permissions, len(rbac.DefaultRegistry().Names()))
	for _, p := range body.Permissions {
		if p.Name == rbac.PermUsersRoleUpdate {
			assert.Equal(t, "users.role", p.Resource)
			assert.Equal(t, "update", p.Action)
		}
	}

	assert.Equal(t, http.StatusForbidden, get(router, "/permissions", 2).Code)
}

func TestPropertyAccess(t *testing.T) {
	router, _ := newRouter(t)

	rec := get(router, "/properties/10/access", 2)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "management", body["access_level"])
	assert.Equal(t, true, body["can_manage"])

	assert.Equal(t, http.StatusForbidden, get(router, "/properties/11/access", 2).Code)
	assert.Equal(t, http.StatusBadRequest, get(router, "/properties/abc/access", 2).Code)
}
