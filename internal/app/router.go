package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/content"
	"github.com/appbase-cms/appbase/internal/identity"
	"github.com/appbase-cms/appbase/internal/inspector"
	"github.com/appbase-cms/appbase/internal/media"
	"github.com/appbase-cms/appbase/internal/observability"
	"github.com/appbase-cms/appbase/internal/platform/httpx"
	"github.com/appbase-cms/appbase/internal/public"
	"github.com/appbase-cms/appbase/internal/settings"
	"github.com/appbase-cms/appbase/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	Services   *Services
	Metrics    *observability.Metrics
	JobHandler *jobs.Handler
	// AccessLog enables chi's request logger.
	AccessLog bool
}

// NewRouter constructs the chi.Router: the public façade at the root and the
// two management surfaces under /management/{secret prefix}.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := params.Services
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	if params.AccessLog {
		r.Use(chimw.Logger)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not found", "")
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	actor := identity.ActorFromRequest
	public.NewHandler(logger, svc.Public).MountRoutes(r)
	mediaHandler := media.NewHandler(logger, svc.Media, actor)
	mediaHandler.MountPublic(r)

	identityHandler := identity.NewHandler(logger, svc.Identity, identity.CookieConfig{
		Name:   params.Config.CookieName,
		Secure: params.Config.SecureCookies(),
	}, params.Config.LoginRateLimit)
	sessions := identity.Middleware{
		Service: svc.Identity,
		Cookies: identity.CookieConfig{Name: params.Config.CookieName, Secure: params.Config.SecureCookies()},
		Logger:  logger,
	}
	guard := authz.Middleware{Actor: actor, Logger: logger}

	resolve := func(ctx context.Context, role authz.Role) (string, error) {
		if role == authz.RoleAdmin {
			return params.Config.AdminURLPrefix, nil
		}
		return svc.Settings.ContributorPrefix(ctx)
	}
	onError := func(err error) {
		logger.Error("resolve management prefix", slog.Any("error", err))
	}

	r.Route("/management/{prefix}", func(r chi.Router) {
		r.Use(identity.Surface("prefix", resolve, onError))
		identityHandler.MountLogin(r)
		r.Group(func(r chi.Router) {
			r.Use(sessions.Require)
			identityHandler.MountSession(r)
			content.NewHandler(logger, svc.Content, actor).MountRoutes(r)
			mediaHandler.MountRoutes(r)
			r.Group(func(r chi.Router) {
				r.Use(guard.RequireRole(authz.RoleAdmin))
				r.With(guard.RequireAction(authz.PrincipalManage, authz.KindPrincipal)).Group(identityHandler.MountAdmin)
				settings.NewHandler(logger, svc.Settings, actor).MountRoutes(r)
				inspector.NewHandler(logger, svc.Inspector, actor).MountRoutes(r)
				if params.JobHandler != nil {
					params.JobHandler.MountRoutes(r)
				}
			})
		})
	})

	return r
}
