package identity

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/platform/httpx"
	"github.com/appbase-cms/appbase/internal/shared"
)

// CookieConfig controls the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
}

// CookieName returns the per-surface cookie name.
func (c CookieConfig) CookieName(role authz.Role) string {
	name := c.Name
	if name == "" {
		name = "appbase_session"
	}
	return name + "_" + string(role)
}

// Middleware authenticates management requests.
type Middleware struct {
	Service *Service
	Cookies CookieConfig
	Logger  *slog.Logger
}

// Require validates the session of a request made on a management surface.
// Sessions belonging to another surface's role are answered with 404.
func (m Middleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		surface, ok := SurfaceFromContext(r.Context())
		if !ok {
			http.NotFound(w, r)
			return
		}
		token := tokenFromRequest(r, m.Cookies.CookieName(surface))
		if token == "" {
			httpx.RespondError(w, shared.ErrSessionInvalid, false)
			return
		}
		sess, err := m.Service.Validate(r.Context(), token, csrfFromRequest(r), isMutating(r.Method))
		if err != nil {
			if !errors.Is(err, shared.ErrSessionExpired) && !errors.Is(err, shared.ErrSessionInvalid) && m.Logger != nil {
				m.Logger.Warn("session rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
			}
			httpx.RespondError(w, err, false)
			return
		}
		if sess.Role != surface {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}

func tokenFromRequest(r *http.Request, cookieName string) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}

func csrfFromRequest(r *http.Request) string {
	if token := r.Header.Get(CSRFHeader); token != "" {
		return token
	}
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		return r.PostFormValue(CSRFFormField)
	}
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err == nil {
			return r.FormValue(CSRFFormField)
		}
	}
	return ""
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
