package public

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/appbase-cms/appbase/internal/platform/httpx"
	"github.com/appbase-cms/appbase/internal/shared"
)

// Handler serves the anonymous read API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the public API under /api.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/is_server_active", h.alive)
		r.Get("/tags/available", h.availableTags)
		r.Route("/posts", func(r chi.Router) {
			r.Get("/", h.list)
			r.Get("/latest", h.latest)
			r.Get("/search", h.list)
			r.Get("/filter", h.list)
			r.Get("/tag/{tag}", h.byTag)
			r.Get("/slug/{slug}", h.bySlug)
			r.Get("/{id}", h.byID)
		})
	})
}

func page(r *http.Request) shared.Page {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return shared.NewPage(limit, offset)
}

func (h *Handler) alive(w http.ResponseWriter, _ *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]bool{"active": true})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.respondList(w, r, Filter{Tags: q["tags"], Query: q.Get("q")})
}

func (h *Handler) byTag(w http.ResponseWriter, r *http.Request) {
	h.respondList(w, r, Filter{Tags: []string{chi.URLParam(r, "tag")}, Query: r.URL.Query().Get("q")})
}

func (h *Handler) respondList(w http.ResponseWriter, r *http.Request, f Filter) {
	posts, err := h.service.ListPublished(r.Context(), f, page(r))
	if err != nil {
		h.logger.Error("list published", slog.Any("error", err))
		httpx.RespondError(w, err, false)
		return
	}
	httpx.JSON(w, http.StatusOK, posts)
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request) {
	posts, err := h.service.Latest(r.Context(), page(r).Limit)
	if err != nil {
		h.logger.Error("latest posts", slog.Any("error", err))
		httpx.RespondError(w, err, false)
		return
	}
	httpx.JSON(w, http.StatusOK, posts)
}

func (h *Handler) bySlug(w http.ResponseWriter, r *http.Request) {
	post, err := h.service.GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		httpx.RespondError(w, err, false)
		return
	}
	httpx.JSON(w, http.StatusOK, post)
}

func (h *Handler) byID(w http.ResponseWriter, r *http.Request) {
	post, err := h.service.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err, false)
		return
	}
	httpx.JSON(w, http.StatusOK, post)
}

func (h *Handler) availableTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.service.AvailableTags(r.Context())
	if err != nil {
		httpx.RespondError(w, err, false)
		return
	}
	httpx.JSON(w, http.StatusOK, tags)
}
