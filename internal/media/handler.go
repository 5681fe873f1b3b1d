package media

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/platform/httpx"
	"github.com/appbase-cms/appbase/internal/shared"
)

// maxMemory is the multipart budget held in memory before spilling to disk.
const maxMemory = 8 << 20

// Handler exposes media management and public payload serving.
type Handler struct {
	logger  *slog.Logger
	service *Service
	actor   func(*http.Request) (authz.Actor, bool)
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, actor func(*http.Request) (authz.Actor, bool)) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, actor: actor}
}

// MountRoutes registers management routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/media", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.upload)
		r.Get("/{id}", h.get)
		r.Get("/{id}/raw", h.raw)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/links/{contentID}", h.link)
		r.Delete("/{id}/links/{contentID}", h.unlink)
	})
}

// MountPublic serves payloads anonymously.
func (h *Handler) MountPublic(r chi.Router) {
	r.Get("/media/{id}", h.raw)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (authz.Actor, bool) {
	actor, ok := h.actor(r)
	if !ok {
		http.NotFound(w, r)
	}
	return actor, ok
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid upload", "")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.RespondError(w, shared.BadField("file", "required"), false)
		return
	}
	defer file.Close()
	asset, err := h.service.Upload(r.Context(), actor, Upload{
		Filename: header.Filename,
		MIMEType: header.Header.Get("Content-Type"),
		Size:     header.Size,
	}, file)
	if err != nil {
		h.logger.Info("upload rejected", slog.String("actor", actor.ID), slog.Any("error", err))
		httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
		return
	}
	httpx.JSON(w, http.StatusCreated, asset)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if contentID := q.Get("content"); contentID != "" {
		assets, err := h.service.ForContent(r.Context(), actor, contentID)
		if err != nil {
			httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
			return
		}
		httpx.JSON(w, http.StatusOK, assets)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	assets, err := h.service.List(r.Context(), actor, q.Get("owner"), shared.NewPage(limit, offset))
	if err != nil {
		httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
		return
	}
	httpx.JSON(w, http.StatusOK, assets)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	asset, err := h.service.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
		return
	}
	httpx.JSON(w, http.StatusOK, asset)
}

func (h *Handler) raw(w http.ResponseWriter, r *http.Request) {
	asset, rc, err := h.service.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err, false)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", asset.MIMEType)
	w.Header().Set("Content-Length", strconv.FormatInt(asset.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": asset.Filename}))
	w.Header().Set("ETag", `"`+asset.Digest+`"`)
	if match := r.Header.Get("If-None-Match"); match != "" && match == `"`+asset.Digest+`"` {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("serve media", slog.String("media_id", asset.ID), slog.Any("error", err))
	}
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	expected, err := strconv.ParseInt(r.URL.Query().Get("expected_revision"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.BadField("expected_revision", "required"), false)
		return
	}
	if err := h.service.Delete(r.Context(), actor, chi.URLParam(r, "id"), expected); err != nil {
		httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) link(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	asset, err := h.service.Link(r.Context(), actor, chi.URLParam(r, "id"), chi.URLParam(r, "contentID"))
	if err != nil {
		httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
		return
	}
	httpx.JSON(w, http.StatusOK, asset)
}

func (h *Handler) unlink(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	asset, err := h.service.Unlink(r.Context(), actor, chi.URLParam(r, "id"), chi.URLParam(r, "contentID"))
	if err != nil {
		httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
		return
	}
	httpx.JSON(w, http.StatusOK, asset)
}
