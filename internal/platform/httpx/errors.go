// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/fnbcost/fnbcost/internal/shared"
)

// RespondError maps the shared error taxonomy to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var (
		authn      *shared.AuthenticationError
		authz      *shared.AuthorizationError
		limited    *shared.RateLimitError
		validation *shared.ValidationError
		notFound   *shared.NotFoundError
		conflict   *shared.ConflictError
	)
	switch {
	case errors.As(err, &authn):
		Problem(w, http.StatusUnauthorized, "Unauthorized", authn.Message)
	case errors.As(err, &authz):
		Problem(w, http.StatusForbidden, "Forbidden", authz.Message)
	case errors.As(err, &limited):
		if limited.RetryAfter > 0 {
			secs := int(math.Ceil(limited.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		Problem(w, http.StatusTooManyRequests, "Too Many Requests", limited.Error())
	case errors.As(err, &validation):
		ProblemWithFields(w, http.StatusBadRequest, "Validation Failed", validation.Message, validation.Fields)
	case errors.As(err, &notFound), errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &conflict):
		Problem(w, http.StatusConflict, "Conflict", conflict.Message)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", shared.UserSafeMessage(err))
	}
}

// StatusFor returns the status code RespondError would write for err.
func StatusFor(err error) int {
	var (
		authn      *shared.AuthenticationError
		authz      *shared.AuthorizationError
		limited    *shared.RateLimitError
		validation *shared.ValidationError
		notFound   *shared.NotFoundError
		conflict   *shared.ConflictError
	)
	switch {
	case errors.As(err, &authn):
		return http.StatusUnauthorized
	case errors.As(err, &authz):
		return http.StatusForbidden
	case errors.As(err, &limited):
		return http.StatusTooManyRequests
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
