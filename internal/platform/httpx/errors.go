// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

// Problem type URIs let clients branch without parsing titles.
const (
	TypeStaleWrite        = "stale-write"
	TypeInvalidTransition = "invalid-transition"
)

// RespondError maps domain errors to RFC7807 responses. Details such as
// denial reasons and field names are only written when detailed is set,
// which callers do for Admin principals.
func RespondError(w http.ResponseWriter, err error, detailed bool) {
	detail := func(msg string) string {
		if detailed {
			return msg
		}
		return ""
	}
	var denied *shared.DeniedError
	var field *shared.FieldError
	switch {
	case errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Invalid credentials", "")
	case errors.Is(err, shared.ErrSessionExpired), errors.Is(err, shared.ErrSessionInvalid):
		Problem(w, http.StatusUnauthorized, "Authentication required", "")
	case errors.Is(err, shared.ErrIPNotAllowed), errors.Is(err, shared.ErrAccountDisabled):
		Problem(w, http.StatusForbidden, "Login not permitted", "")
	case errors.Is(err, shared.ErrCSRFMismatch):
		Problem(w, http.StatusForbidden, "CSRF token mismatch", "")
	case errors.As(err, &denied):
		Problem(w, http.StatusForbidden, "Forbidden", detail(denied.Reason))
	case errors.Is(err, shared.ErrSensitiveFieldBlocked):
		Problem(w, http.StatusUnprocessableEntity, "Field not writable", detail(err.Error()))
	case errors.As(err, &field):
		Problem(w, http.StatusUnprocessableEntity, "Validation failed", detail(field.Field+": "+field.Reason))
	case errors.Is(err, shared.ErrInvalidTransition):
		TypedProblem(w, TypeInvalidTransition, http.StatusConflict, "Invalid transition", detail(err.Error()))
	case errors.Is(err, shared.ErrStaleWrite), errors.Is(err, storage.ErrConflict):
		TypedProblem(w, TypeStaleWrite, http.StatusConflict, "Stale write", "refetch and retry")
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", "")
	case errors.Is(err, storage.ErrIO):
		w.Header().Set("Retry-After", "1")
		Problem(w, http.StatusServiceUnavailable, "Storage unavailable", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
