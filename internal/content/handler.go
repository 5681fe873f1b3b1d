package content

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

// Handler exposes the lifecycle on the management surfaces.
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

// MountRoutes registers content routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/review-queue", h.reviewQueue)
	r.Route("/content", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/similar", h.similar)
		r.Get("/{id}", h.get)
		r.Patch("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/submit", h.submit)
		r.Post("/{id}/approve", h.approve)
		r.Post("/{id}/reject", h.reject)
		r.Post("/{id}/withdraw", h.withdraw)
		r.Post("/{id}/revise", h.revise)
	})
}

type itemRequest struct {
	Title        string   `json:"title" validate:"required,max=1000"`
	Slug         string   `json:"slug" validate:"max=200"`
	Summary      string   `json:"summary" validate:"max=2000"`
	Body         string   `json:"body"`
	Tags         []string `json:"tags" validate:"max=16,dive,max=48"`
	CoverMediaID string   `json:"cover_media_id"`
}

type changesRequest struct {
	ExpectedRevision *int64    `json:"expected_revision" validate:"required"`
	Title            *string   `json:"title" validate:"omitempty,max=1000"`
	Slug             *string   `json:"slug" validate:"omitempty,max=200"`
	Summary          *string   `json:"summary" validate:"omitempty,max=2000"`
	Body             *string   `json:"body"`
	Tags             *[]string `json:"tags" validate:"omitempty,max=16,dive,max=48"`
	CoverMediaID     *string   `json:"cover_media_id"`
}

func (c changesRequest) changes() Changes {
	return Changes{Title: c.Title, Slug: c.Slug, Summary: c.Summary, Body: c.Body, Tags: c.Tags, CoverMediaID: c.CoverMediaID}
}

type transitionRequest struct {
	ExpectedRevision *int64 `json:"expected_revision" validate:"required"`
	Note             string `json:"note" validate:"max=2000"`
	Reason           string `json:"reason" validate:"max=2000"`
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (authz.Actor, bool) {
	actor, ok := h.actor(r)
	if !ok {
		http.NotFound(w, r)
	}
	return actor, ok
}

func (h *Handler) fail(w http.ResponseWriter, actor authz.Actor, err error) {
	httpx.RespondError(w, err, actor.Role == authz.RoleAdmin)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, actor authz.Actor, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid body", "")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			h.fail(w, actor, shared.BadField(verrs[0].Field(), verrs[0].Tag()))
			return false
		}
		h.fail(w, actor, shared.BadField("body", "invalid"))
		return false
	}
	return true
}

func pageFromQuery(r *http.Request) shared.Page {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return shared.NewPage(limit, offset)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := ListOptions{OwnerID: q.Get("owner"), Status: Status(q.Get("status"))}
	if opts.Status != "" {
		if _, known := transitions[opts.Status]; !known {
			h.fail(w, actor, shared.BadField("status", "unknown status"))
			return
		}
	}
	items, err := h.service.List(r.Context(), actor, opts, pageFromQuery(r))
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) reviewQueue(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	items, err := h.service.ReviewQueue(r.Context(), actor, pageFromQuery(r))
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req itemRequest
	if !h.decode(w, r, actor, &req) {
		return
	}
	it, err := h.service.Create(r.Context(), actor, Input(req))
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, it)
}

func (h *Handler) similar(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	matches, err := h.service.CheckSimilar(r.Context(), actor, q.Get("title"), q["tags"], q.Get("exclude"))
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httpx.JSON(w, http.StatusOK, matches)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	it, err := h.service.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httpx.JSON(w, http.StatusOK, it)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req changesRequest
	if !h.decode(w, r, actor, &req) {
		return
	}
	it, err := h.service.Update(r.Context(), actor, chi.URLParam(r, "id"), *req.ExpectedRevision, req.changes())
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httpx.JSON(w, http.StatusOK, it)
}

func (h *Handler) revise(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req changesRequest
	if !h.decode(w, r, actor, &req) {
		return
	}
	it, err := h.service.Revise(r.Context(), actor, chi.URLParam(r, "id"), *req.ExpectedRevision, req.changes())
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httpx.JSON(w, http.StatusOK, it)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	expected, err := strconv.ParseInt(r.URL.Query().Get("expected_revision"), 10, 64)
	if err != nil {
		h.fail(w, actor, shared.BadField("expected_revision", "required"))
		return
	}
	if err := h.service.Delete(r.Context(), actor, chi.URLParam(r, "id"), expected); err != nil {
		h.fail(w, actor, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionFunc func(h *Handler, r *http.Request, actor authz.Actor, id string, req transitionRequest) (Item, error)

func (h *Handler) runTransition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := h.caller(w, r)
		if !ok {
			return
		}
		var req transitionRequest
		if !h.decode(w, r, actor, &req) {
			return
		}
		it, err := fn(h, r, actor, chi.URLParam(r, "id"), req)
		if err != nil {
			h.fail(w, actor, err)
			return
		}
		httpx.JSON(w, http.StatusOK, it)
	}
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	h.runTransition(func(h *Handler, r *http.Request, actor authz.Actor, id string, req transitionRequest) (Item, error) {
		return h.service.Submit(r.Context(), actor, id, *req.ExpectedRevision)
	})(w, r)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.runTransition(func(h *Handler, r *http.Request, actor authz.Actor, id string, req transitionRequest) (Item, error) {
		return h.service.Approve(r.Context(), actor, id, *req.ExpectedRevision, req.Note)
	})(w, r)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.runTransition(func(h *Handler, r *http.Request, actor authz.Actor, id string, req transitionRequest) (Item, error) {
		return h.service.Reject(r.Context(), actor, id, *req.ExpectedRevision, req.Reason)
	})(w, r)
}

func (h *Handler) withdraw(w http.ResponseWriter, r *http.Request) {
	h.runTransition(func(h *Handler, r *http.Request, actor authz.Actor, id string, req transitionRequest) (Item, error) {
		return h.service.Withdraw(r.Context(), actor, id, *req.ExpectedRevision)
	})(w, r)
}
