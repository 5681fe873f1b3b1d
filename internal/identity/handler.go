package identity

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/platform/httpx"
	"github.com/appbase-cms/appbase/internal/shared"
)

// Handler wires HTTP endpoints for login, sessions and principal management.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	cookies    CookieConfig
	validator  *validator.Validate
	loginLimit int
}

// NewHandler constructs a Handler. loginLimit caps login attempts per minute
// per client address; zero disables the limit.
func NewHandler(logger *slog.Logger, service *Service, cookies CookieConfig, loginLimit int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		service:    service,
		cookies:    cookies,
		validator:  validator.New(),
		loginLimit: loginLimit,
	}
}

// MountLogin registers the unauthenticated login route of a surface.
func (h *Handler) MountLogin(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.loginLimit > 0 {
			r.Use(httprate.LimitByIP(h.loginLimit, time.Minute))
		}
		r.Post("/login", h.handleLogin)
	})
}

// MountSession registers routes that require a valid session.
func (h *Handler) MountSession(r chi.Router) {
	r.Post("/logout", h.handleLogout)
	r.Get("/session", h.showSession)
	r.Post("/password", h.changeOwnPassword)
}

// MountAdmin registers principal management routes.
func (h *Handler) MountAdmin(r chi.Router) {
	r.Get("/principals", h.listPrincipals)
	r.Post("/principals", h.createPrincipal)
	r.Get("/principals/{id}", h.getPrincipal)
	r.Patch("/principals/{id}", h.updatePrincipal)
	r.Post("/principals/{id}/password", h.resetPassword)
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=72"`
}

type sessionResponse struct {
	PrincipalID string        `json:"principal_id"`
	Username    string        `json:"username"`
	Role        authz.Role    `json:"role"`
	Scopes      []authz.Scope `json:"scopes"`
	CSRFToken   string        `json:"csrf_token"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

func (h *Handler) sessionBody(sess Session) sessionResponse {
	scopes := sess.Scopes
	if scopes == nil {
		scopes = []authz.Scope{}
	}
	return sessionResponse{
		PrincipalID: sess.PrincipalID,
		Username:    sess.Username,
		Role:        sess.Role,
		Scopes:      scopes,
		CSRFToken:   h.service.CSRFToken(sess),
		ExpiresAt:   sess.ExpiresAt,
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	surface, ok := SurfaceFromContext(r.Context())
	if !ok {
		http.NotFound(w, r)
		return
	}
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, shared.ErrInvalidCredentials, false)
		return
	}
	issued, err := h.service.Authenticate(r.Context(), LoginRequest{
		Role:       surface,
		Username:   req.Username,
		Password:   req.Password,
		RemoteAddr: ClientAddr(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		h.logger.Info("login failed", slog.String("role", string(surface)), slog.String("remote_addr", ClientAddr(r)))
		httpx.RespondError(w, err, false)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookies.CookieName(surface),
		Value:    issued.Token,
		Path:     "/",
		Expires:  issued.Session.AbsoluteExpiry,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	body := h.sessionBody(issued.Session)
	httpx.JSON(w, http.StatusOK, struct {
		sessionResponse
		Token string `json:"token"`
	}{body, issued.Token})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		http.NotFound(w, r)
		return
	}
	if err := h.service.Invalidate(r.Context(), sess.ID); err != nil {
		h.logger.Warn("remove session", slog.Any("error", err))
		httpx.RespondError(w, err, false)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookies.CookieName(sess.Role),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) showSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		http.NotFound(w, r)
		return
	}
	httpx.JSON(w, http.StatusOK, h.sessionBody(sess))
}

type passwordRequest struct {
	Current string `json:"current_password" validate:"required"`
	New     string `json:"new_password" validate:"required,min=8,max=72"`
}

func (h *Handler) changeOwnPassword(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		http.NotFound(w, r)
		return
	}
	var req passwordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.respondValidation(w, err)
		return
	}
	if err := h.service.ChangeOwnPassword(r.Context(), sess.PrincipalID, req.Current, req.New); err != nil {
		httpx.RespondError(w, err, sess.Role == authz.RoleAdmin)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPrincipals(w http.ResponseWriter, r *http.Request) {
	role := authz.Role(r.URL.Query().Get("role"))
	if role != "" {
		if _, err := authz.ParseRole(string(role)); err != nil {
			httpx.RespondError(w, err, true)
			return
		}
	}
	principals, err := h.service.ListPrincipals(r.Context(), role)
	if err != nil {
		h.logger.Error("list principals", slog.Any("error", err))
		httpx.RespondError(w, err, true)
		return
	}
	if principals == nil {
		principals = []Principal{}
	}
	httpx.JSON(w, http.StatusOK, principals)
}

type createPrincipalRequest struct {
	Username string   `json:"username" validate:"required,max=64"`
	Password string   `json:"password" validate:"required,min=8,max=72"`
	Role     string   `json:"role" validate:"required,oneof=admin contributor"`
	Scopes   []string `json:"scopes"`
}

func (h *Handler) createPrincipal(w http.ResponseWriter, r *http.Request) {
	var req createPrincipalRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.respondValidation(w, err)
		return
	}
	scopes, err := authz.ParseScopes(req.Scopes)
	if err != nil {
		httpx.RespondError(w, err, true)
		return
	}
	p, err := h.service.CreatePrincipal(r.Context(), NewPrincipal{
		Username: req.Username,
		Password: req.Password,
		Role:     authz.Role(req.Role),
		Scopes:   scopes,
	})
	if err != nil {
		httpx.RespondError(w, err, true)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) getPrincipal(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPrincipal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err, true)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type updatePrincipalRequest struct {
	Username         *string   `json:"username" validate:"omitempty,max=64"`
	Active           *bool     `json:"active"`
	Scopes           *[]string `json:"scopes"`
	ExpectedRevision *int64    `json:"expected_revision" validate:"required"`
}

func (h *Handler) updatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req updatePrincipalRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.respondValidation(w, err)
		return
	}
	changes := PrincipalChanges{Username: req.Username, Active: req.Active, ExpectedRevision: req.ExpectedRevision}
	if req.Scopes != nil {
		scopes, err := authz.ParseScopes(*req.Scopes)
		if err != nil {
			httpx.RespondError(w, err, true)
			return
		}
		changes.Scopes = &scopes
	}
	p, err := h.service.UpdatePrincipal(r.Context(), chi.URLParam(r, "id"), changes)
	if err != nil {
		httpx.RespondError(w, err, true)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type resetPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8,max=72"`
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.respondValidation(w, err)
		return
	}
	if err := h.service.ChangePassword(r.Context(), chi.URLParam(r, "id"), req.Password); err != nil {
		httpx.RespondError(w, err, true)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondValidation(w http.ResponseWriter, err error) {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		httpx.RespondError(w, shared.BadField(verrs[0].Field(), verrs[0].Tag()), false)
		return
	}
	httpx.RespondError(w, shared.BadField("body", "invalid"), false)
}
