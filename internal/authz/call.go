package authz

import (
	"context"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fnbcost/fnbcost/internal/audit"
	"github.com/fnbcost/fnbcost/internal/auth"
	"github.com/fnbcost/fnbcost/internal/platform/httpx"
	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/shared"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return field.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks dst's struct tags and reports failures as a ValidationError keyed by
// JSON field name.
func Validate(dst any) error {
	err := validatorInstance().Struct(dst)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	verr := shared.ErrValidation("invalid request")
	verr.Fields = make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		verr.Fields[fe.Field()] = fe.Tag()
	}
	return verr
}

// Call is the authorized request handed to a handler.
type Call struct {
	Request   *http.Request
	Principal rbac.Principal
	Session   auth.Session

	gate       *Gate
	ctx        context.Context
	route      string
	at         time.Time
	action     string
	resource   string
	resourceID string
	message    string
	meta       map[string]any
	before     any
	after      any
	status     int
}

func newCall(g *Gate, r *http.Request, route Route) *Call {
	return &Call{
		Request:  r,
		gate:     g,
		ctx:      r.Context(),
		route:    routeName(r, route),
		at:       time.Now(),
		action:   route.Action,
		resource: route.Resource,
	}
}

func (c *Call) bind(p rbac.Principal, s auth.Session) {
	c.Principal = p
	c.Session = s
	c.ctx = shared.ContextWithActor(c.ctx, shared.Actor{PrincipalID: p.ID, SessionID: s.ID})
}

// Context carries the request context plus the acting principal.
func (c *Call) Context() context.Context {
	return c.ctx
}

// Param returns a URL parameter.
func (c *Call) Param(name string) string {
	return chi.URLParam(c.Request, name)
}

// Int64Param parses a positive integer URL parameter.
func (c *Call) Int64Param(name string) (int64, error) {
	raw := c.Param(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		verr := shared.ErrValidation("invalid %s", name)
		verr.Fields = map[string]string{name: "must be a positive integer"}
		return 0, verr
	}
	return id, nil
}

// Decode reads a JSON body into dst and validates its struct tags.
func (c *Call) Decode(dst any) error {
	if err := httpx.DecodeJSON(c.Request, dst); err != nil {
		if errors.Is(err, io.EOF) {
			return shared.ErrValidation("request body required")
		}
		return shared.ErrValidation("malformed request body")
	}
	return Validate(dst)
}

// Can reports whether the caller holds perm.
func (c *Call) Can(perm string) bool {
	return c.gate.checker.HasPermission(c.ctx, &c.Principal, perm)
}

// AuditLog overrides the route's audit tags and attaches metadata to the entry.
func (c *Call) AuditLog(action, resource string, meta map[string]any) {
	if action != "" {
		c.action = action
	}
	if resource != "" {
		c.resource = resource
	}
	if len(meta) == 0 {
		return
	}
	if c.meta == nil {
		c.meta = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		c.meta[k] = v
	}
}

// SetResourceID names the affected record.
func (c *Call) SetResourceID(id string) {
	c.resourceID = id
}

// RecordChange attaches the before and after state diffed into the audit entry.
func (c *Call) RecordChange(before, after any) {
	c.before = before
	c.after = after
}

// SetMessage sets the message of a successful audit entry.
func (c *Call) SetMessage(message string) {
	c.message = message
}

// SetStatus overrides the success status code.
func (c *Call) SetStatus(code int) {
	c.status = code
}

func (c *Call) requestMeta() audit.RequestMeta {
	r := c.Request
	return audit.RequestMeta{
		RequestID: requestID(r),
		Method:    r.Method,
		Route:     c.route,
		RemoteIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
		SessionID: c.Session.ID,
		Status:    c.statusOrDefault(),
	}
}

func (c *Call) statusOrDefault() int {
	if c.status != 0 {
		return c.status
	}
	return http.StatusOK
}
