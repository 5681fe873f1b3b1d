package settings

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/platform/httpx"
)

// Handler exposes settings and the available tag list to administrators.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	actor     func(*http.Request) (authz.Actor, bool)
	validator *validator.Validate
}

// NewHandler constructs a Handler. actor resolves the authenticated caller.
func NewHandler(logger *slog.Logger, service *Service, actor func(*http.Request) (authz.Actor, bool)) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, actor: actor, validator: validator.New()}
}

// MountRoutes registers settings routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/settings", h.list)
	r.Put("/settings/{key}", h.put)
	r.Get("/tags", h.listTags)
	r.Post("/tags", h.addTag)
	r.Delete("/tags/{tag}", h.removeTag)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("list settings", slog.Any("error", err))
		httpx.RespondError(w, err, true)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

type putRequest struct {
	Value            string `json:"value" validate:"max=4096"`
	ExpectedRevision *int64 `json:"expected_revision"`
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	var req putRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation failed", "value: too long")
		return
	}
	setting, err := h.service.Set(r.Context(), actor, chi.URLParam(r, "key"), req.Value, req.ExpectedRevision)
	if err != nil {
		httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
		return
	}
	httpx.JSON(w, http.StatusOK, setting)
}

func (h *Handler) listTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.service.AvailableTags(r.Context())
	if err != nil {
		httpx.RespondError(w, err, true)
		return
	}
	httpx.JSON(w, http.StatusOK, tags)
}

type tagRequest struct {
	Tag string `json:"tag" validate:"required,max=48"`
}

func (h *Handler) addTag(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	var req tagRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation failed", "tag: "+err.Error())
		return
	}
	tags, err := h.service.AddTag(r.Context(), actor, req.Tag)
	if err != nil {
		httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
		return
	}
	httpx.JSON(w, http.StatusOK, tags)
}

func (h *Handler) removeTag(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	tags, err := h.service.RemoveTag(r.Context(), actor, chi.URLParam(r, "tag"))
	if err != nil {
		httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
		return
	}
	httpx.JSON(w, http.StatusOK, tags)
}
