package inspector

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/platform/httpx"
	"github.com/appbase-cms/appbase/internal/shared"
)

// Handler serves the raw-record view on the admin surface.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	actor     func(*http.Request) (authz.Actor, bool)
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, actor func(*http.Request) (authz.Actor, bool)) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, actor: actor, validator: validator.New()}
}

// MountRoutes registers inspector routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/inspector", func(r chi.Router) {
		r.Get("/", h.families)
		r.Get("/{family}", h.fields)
		r.Get("/{family}/rows", h.rows)
		r.Get("/{family}/*", h.read)
		r.Patch("/{family}/*", h.write)
		r.Delete("/{family}/*", h.remove)
		r.Post("/{family}/clean", h.clean)
	})
}

func (h *Handler) families(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	schemas, err := h.service.Families(actor)
	if err != nil {
		httpx.RespondError(w, err, false)
		return
	}
	httpx.JSON(w, http.StatusOK, schemas)
}

func (h *Handler) fields(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	schema, err := h.service.ListFields(actor, chi.URLParam(r, "family"))
	if err != nil {
		httpx.RespondError(w, err, false)
		return
	}
	httpx.JSON(w, http.StatusOK, schema)
}

func (h *Handler) rows(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	rows, err := h.service.List(r.Context(), actor, chi.URLParam(r, "family"), shared.NewPage(limit, offset))
	if err != nil {
		h.logger.Error("inspector list", slog.Any("error", err))
		httpx.RespondError(w, err, false)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	row, err := h.service.Read(r.Context(), actor, chi.URLParam(r, "family"), chi.URLParam(r, "*"))
	if err != nil {
		httpx.RespondError(w, err, false)
		return
	}
	httpx.JSON(w, http.StatusOK, row)
}

type writeRequest struct {
	ExpectedRevision *int64         `json:"expected_revision" validate:"required"`
	Fields           map[string]any `json:"fields" validate:"required"`
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req writeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, shared.BadField("expected_revision", "required"), false)
		return
	}
	row, err := h.service.Write(r.Context(), actor, chi.URLParam(r, "family"), chi.URLParam(r, "*"), *req.ExpectedRevision, req.Fields)
	if err != nil {
		httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
		return
	}
	httpx.JSON(w, http.StatusOK, row)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	expected, err := strconv.ParseInt(r.URL.Query().Get("expected_revision"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.BadField("expected_revision", "required"), false)
		return
	}
	if err := h.service.Delete(r.Context(), actor, chi.URLParam(r, "family"), chi.URLParam(r, "*"), expected); err != nil {
		httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cleanRequest struct {
	Password string `json:"password" validate:"required"`
}

func (h *Handler) clean(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req cleanRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, shared.BadField("password", "required"), false)
		return
	}
	removed, err := h.service.Clean(r.Context(), actor, chi.URLParam(r, "family"), req.Password)
	if err != nil {
		httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (authz.Actor, bool) {
	actor, ok := h.actor(r)
	if !ok {
		http.NotFound(w, r)
	}
	return actor, ok
}
