package authz

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/appbase-cms/appbase/internal/platform/httpx"
	"github.com/appbase-cms/appbase/internal/shared"
)

// Middleware guards route groups by role. Actor resolves the authenticated
// actor of a request; requests without one are treated as not found so the
// surface does not reveal itself.
type Middleware struct {
	Actor  func(*http.Request) (Actor, bool)
	Logger *slog.Logger
}

// RequireRole admits actors holding one of roles.
func (m Middleware) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := m.Actor(r)
			if !ok {
				http.NotFound(w, r)
				return
			}
			if slices.Contains(roles, actor.Role) {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Warn("role denied", slog.String("actor", actor.ID), slog.String("path", r.URL.Path))
			}
			httpx.RespondError(w, shared.Deny("role %s not permitted", actor.Role), false)
		})
	}
}

// RequireAction admits actors allowed to perform action on a resource of kind
// with no owner, such as admin-only surfaces and review queues.
func (m Middleware) RequireAction(action Action, kind Kind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := m.Actor(r)
			if !ok {
				http.NotFound(w, r)
				return
			}
			if err := Decide(actor, action, Resource{Kind: kind}).Err(); err != nil {
				httpx.RespondError(w, err, actor.Role == RoleAdmin)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
