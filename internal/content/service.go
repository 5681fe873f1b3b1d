package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/observability"
	"github.com/appbase-cms/appbase/internal/platform/clock"
	"github.com/appbase-cms/appbase/internal/platform/textutil"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

const (
	maxTitleLen   = 200
	maxSummaryLen = 500
	maxBodyLen    = 1 << 20
	maxTags       = 16
	// corpusLimit bounds how many items per status the similarity check reads.
	corpusLimit = 500
	// createAttempts retries slug reservation races on create.
	createAttempts = 3
)

// TagPolicy supplies the administrator-curated tag list.
type TagPolicy interface {
	AvailableTags(ctx context.Context) ([]string, error)
	RestrictTags(ctx context.Context) (bool, error)
}

// Service runs content lifecycle operations. Every mutation is one storage
// transaction that re-checks the caller's expected revision.
type Service struct {
	engine   storage.Engine
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	tags     TagPolicy
	detector SimilarityDetector
}

// Option configures a Service.
type Option func(*Service)

// WithTagPolicy restricts tags to an administrator-curated list when enabled.
func WithTagPolicy(p TagPolicy) Option { return func(s *Service) { s.tags = p } }

// WithDetector replaces the similarity detector.
func WithDetector(d SimilarityDetector) Option { return func(s *Service) { s.detector = d } }

// WithMetrics records transition outcomes.
func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

// NewService constructs a Service.
func NewService(engine storage.Engine, clk clock.Clock, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	s := &Service{engine: engine, clock: clk, logger: logger, detector: DefaultDetector()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new draft owned by the actor.
func (s *Service) Create(ctx context.Context, actor authz.Actor, in Input) (Item, error) {
	if err := authz.Decide(actor, authz.ContentCreate, authz.Resource{Kind: authz.KindContent, OwnerID: actor.ID}).Err(); err != nil {
		return Item{}, err
	}
	now := s.clock.Now()
	it := Item{
		ID:        uuid.NewString(),
		OwnerID:   actor.ID,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	changes := Changes{Title: &in.Title, Summary: &in.Summary, Body: &in.Body, Tags: &in.Tags, CoverMediaID: &in.CoverMediaID}
	if in.Slug != "" {
		changes.Slug = &in.Slug
	}
	if err := s.applyChanges(ctx, &it, changes); err != nil {
		return Item{}, err
	}
	it.record(actor.ID, EventCreate, "", "", now)

	var out Item
	var err error
	for attempt := 0; attempt < createAttempts; attempt++ {
		err = storage.Update(ctx, s.engine, func(txn storage.Txn) error {
			draft := it
			if err := s.reserveSlug(ctx, txn, &draft, "", changes.Slug != nil); err != nil {
				return err
			}
			var err error
			out, err = Save(txn, draft)
			return err
		})
		if !errors.Is(err, storage.ErrConflict) {
			break
		}
		s.metrics.Conflict("content.create")
	}
	if err != nil {
		return Item{}, staleOnConflict(err)
	}
	s.metrics.Transition(string(EventCreate), "ok")
	s.logger.Info("content created", slog.String("content_id", out.ID), slog.String("owner_id", out.OwnerID))
	return out, nil
}

// Get returns an item the actor may read.
func (s *Service) Get(ctx context.Context, actor authz.Actor, id string) (Item, error) {
	var it Item
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		var err error
		it, err = Load(ctx, txn, id)
		return err
	})
	if err != nil {
		return Item{}, err
	}
	if err := authz.Decide(actor, authz.ContentRead, it.Resource()).Err(); err != nil {
		return Item{}, err
	}
	return it, nil
}

// Update edits a draft in place.
func (s *Service) Update(ctx context.Context, actor authz.Actor, id string, expected int64, ch Changes) (Item, error) {
	return s.mutate(ctx, actor, id, expected, authz.ContentEdit, EventEdit, func(it *Item) error {
		if it.Status != StatusDraft {
			return fmt.Errorf("%w: only drafts can be edited, use revise", shared.ErrInvalidTransition)
		}
		return s.applyChanges(ctx, it, ch)
	}, nil)
}

// Submit moves a draft into the review queue.
func (s *Service) Submit(ctx context.Context, actor authz.Actor, id string, expected int64) (Item, error) {
	matches := s.precheckSimilar(ctx, id, nil)
	return s.transition(ctx, actor, id, expected, authz.ContentSubmit, EventSubmit, "", func(it *Item) error {
		it.RejectionReason = ""
		it.Similar = matches
		return nil
	})
}

// Approve publishes a pending item.
func (s *Service) Approve(ctx context.Context, actor authz.Actor, id string, expected int64, note string) (Item, error) {
	return s.transition(ctx, actor, id, expected, authz.ContentApprove, EventApprove, note, func(it *Item) error {
		now := s.clock.Now()
		it.ApproverID = actor.ID
		it.RejectionReason = ""
		it.Similar = nil
		if it.PublishedAt == nil {
			it.PublishedAt = &now
		}
		return nil
	})
}

// Reject returns a pending item to its owner with a reason.
func (s *Service) Reject(ctx context.Context, actor authz.Actor, id string, expected int64, reason string) (Item, error) {
	reason = StripMarkup(reason)
	if reason == "" {
		return Item{}, shared.BadField("reason", "required")
	}
	if utf8.RuneCountInString(reason) > maxSummaryLen {
		return Item{}, shared.BadField("reason", "too long")
	}
	return s.transition(ctx, actor, id, expected, authz.ContentReject, EventReject, reason, func(it *Item) error {
		it.ApproverID = actor.ID
		it.RejectionReason = reason
		it.Similar = nil
		return nil
	})
}

// Withdraw pulls a pending item back to draft.
func (s *Service) Withdraw(ctx context.Context, actor authz.Actor, id string, expected int64) (Item, error) {
	return s.transition(ctx, actor, id, expected, authz.ContentWithdraw, EventWithdraw, "", func(it *Item) error {
		it.Similar = nil
		return nil
	})
}

// Revise applies changes to a published or rejected item and sends it back
// for approval. A published item leaves the public indexes until re-approved.
func (s *Service) Revise(ctx context.Context, actor authz.Actor, id string, expected int64, ch Changes) (Item, error) {
	matches := s.precheckSimilar(ctx, id, &ch)
	return s.transition(ctx, actor, id, expected, authz.ContentRevise, EventRevise, "", func(it *Item) error {
		if err := s.applyChanges(ctx, it, ch); err != nil {
			return err
		}
		it.ApproverID = ""
		it.RejectionReason = ""
		it.Similar = matches
		return nil
	})
}

// Delete removes an item and its slug. Referenced media are left untouched.
func (s *Service) Delete(ctx context.Context, actor authz.Actor, id string, expected int64) error {
	err := storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		it, err := Load(ctx, txn, id)
		if err != nil {
			return err
		}
		if err := authz.Decide(actor, authz.ContentDelete, it.Resource()).Err(); err != nil {
			return err
		}
		if it.Revision != expected {
			return staleRevision(expected, it.Revision)
		}
		return remove(ctx, txn, it)
	})
	if err != nil {
		s.outcome("delete", err)
		return staleOnConflict(err)
	}
	s.metrics.Transition("delete", "ok")
	s.logger.Info("content deleted", slog.String("content_id", id), slog.String("actor", actor.ID))
	return nil
}

func (s *Service) transition(ctx context.Context, actor authz.Actor, id string, expected int64, action authz.Action, ev Event, note string, apply func(*Item) error) (Item, error) {
	return s.mutate(ctx, actor, id, expected, action, ev, apply, &note)
}

// mutate is the single write path: load, authorise, compare revisions,
// check the state machine, apply, save. note is nil for plain edits.
func (s *Service) mutate(ctx context.Context, actor authz.Actor, id string, expected int64, action authz.Action, ev Event, apply func(*Item) error, note *string) (Item, error) {
	var out Item
	err := storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		it, err := Load(ctx, txn, id)
		if err != nil {
			return err
		}
		if err := authz.Decide(actor, action, it.Resource()).Err(); err != nil {
			return err
		}
		if it.Revision != expected {
			return staleRevision(expected, it.Revision)
		}
		from := it.Status
		if note != nil {
			to, err := Next(it.Status, ev)
			if err != nil {
				return err
			}
			it.Status = to
		}
		prevSlug := it.Slug
		if err := apply(&it); err != nil {
			return err
		}
		now := s.clock.Now()
		it.UpdatedAt = now
		msg := ""
		if note != nil {
			msg = *note
		}
		it.record(actor.ID, ev, from, msg, now)
		if it.Slug != prevSlug {
			if err := s.reserveSlug(ctx, txn, &it, prevSlug, true); err != nil {
				return err
			}
		}
		out, err = Save(txn, it)
		return err
	})
	if err != nil {
		s.outcome(string(ev), err)
		return Item{}, staleOnConflict(err)
	}
	s.metrics.Transition(string(ev), "ok")
	s.logger.Info("content transition",
		slog.String("content_id", out.ID),
		slog.String("event", string(ev)),
		slog.String("status", string(out.Status)),
		slog.Int64("revision", out.Revision),
		slog.String("actor", actor.ID),
	)
	return out, nil
}

func (s *Service) outcome(event string, err error) {
	switch {
	case errors.Is(err, storage.ErrConflict), errors.Is(err, shared.ErrStaleWrite):
		s.metrics.Conflict("content." + event)
		s.metrics.Transition(event, "stale")
	case errors.Is(err, shared.ErrDenied):
		s.metrics.Transition(event, "denied")
	case errors.Is(err, shared.ErrInvalidTransition):
		s.metrics.Transition(event, "invalid")
	case errors.Is(err, shared.ErrBadField), errors.Is(err, shared.ErrNotFound):
		s.metrics.Transition(event, "rejected")
	default:
		s.metrics.Transition(event, "error")
		s.logger.Error("content mutation failed", slog.String("event", event), slog.Any("error", err))
	}
}

// reserveSlug claims it.Slug, deriving a free variant when the slug was not
// chosen explicitly. prev is released when the slug changes.
func (s *Service) reserveSlug(ctx context.Context, txn storage.Txn, it *Item, prev string, explicit bool) error {
	base := it.Slug
	for n := 1; ; n++ {
		candidate := base
		if n > 1 {
			candidate = base + "-" + strconv.Itoa(n)
		}
		owner, err := slugOwner(ctx, txn, candidate)
		if err != nil {
			return err
		}
		if owner == "" || owner == it.ID {
			it.Slug = candidate
			if owner == "" {
				claimSlug(txn, candidate, it.ID)
			}
			break
		}
		if explicit {
			return shared.BadField("slug", "already in use")
		}
		if n >= 50 {
			it.Slug = base + "-" + it.ID[:8]
			claimSlug(txn, it.Slug, it.ID)
			break
		}
	}
	if prev != "" && prev != it.Slug {
		if owner, err := slugOwner(ctx, txn, prev); err != nil {
			return err
		} else if owner == it.ID {
			releaseSlug(txn, prev)
		}
	}
	return nil
}

// applyChanges sanitises and validates the set fields onto it.
func (s *Service) applyChanges(ctx context.Context, it *Item, ch Changes) error {
	if ch.Title != nil {
		title := StripMarkup(*ch.Title)
		if title == "" {
			return shared.BadField("title", "required")
		}
		if utf8.RuneCountInString(title) > maxTitleLen {
			return shared.BadField("title", "too long")
		}
		it.Title = title
		if ch.Slug == nil && it.Slug == "" {
			it.Slug = textutil.Slugify(title)
		}
	}
	if ch.Slug != nil {
		slug := textutil.Slugify(*ch.Slug)
		if slug == "" {
			slug = textutil.Slugify(it.Title)
		}
		it.Slug = slug
	}
	if it.Slug == "" {
		it.Slug = "item-" + it.ID[:8]
	}
	if ch.Summary != nil {
		summary := StripMarkup(*ch.Summary)
		if utf8.RuneCountInString(summary) > maxSummaryLen {
			return shared.BadField("summary", "too long")
		}
		it.Summary = summary
	}
	if ch.Body != nil {
		if len(*ch.Body) > maxBodyLen {
			return shared.BadField("body", "too long")
		}
		it.Body = EscapeBody(*ch.Body)
	}
	if ch.Tags != nil {
		tags, err := s.normalizeTags(ctx, *ch.Tags)
		if err != nil {
			return err
		}
		it.Tags = tags
	}
	if ch.CoverMediaID != nil {
		cover := *ch.CoverMediaID
		if cover != "" {
			if _, err := uuid.Parse(cover); err != nil {
				return shared.BadField("cover_media_id", "must be a media id")
			}
		}
		it.CoverMediaID = cover
	}
	return nil
}

func (s *Service) normalizeTags(ctx context.Context, raw []string) ([]string, error) {
	tags := textutil.NormalizeTags(raw)
	if len(tags) > maxTags {
		return nil, shared.BadField("tags", fmt.Sprintf("at most %d tags", maxTags))
	}
	if s.tags == nil || len(tags) == 0 {
		return tags, nil
	}
	restrict, err := s.tags.RestrictTags(ctx)
	if err != nil || !restrict {
		return tags, err
	}
	available, err := s.tags.AvailableTags(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		if !slices.Contains(available, t) {
			return nil, shared.BadField("tags", fmt.Sprintf("tag %q is not available", t))
		}
	}
	return tags, nil
}

// ListOptions narrows List.
type ListOptions struct {
	OwnerID string
	Status  Status
}

// List returns items newest first. Contributors may only list their own items.
func (s *Service) List(ctx context.Context, actor authz.Actor, opts ListOptions, page shared.Page) ([]Item, error) {
	if opts.OwnerID == "" && actor.Role != authz.RoleAdmin {
		opts.OwnerID = actor.ID
	}
	if opts.OwnerID != "" {
		if err := authz.Decide(actor, authz.ContentRead, authz.Resource{Kind: authz.KindContent, OwnerID: opts.OwnerID, Status: string(StatusDraft)}).Err(); err != nil {
			return nil, err
		}
	}
	index, r := IndexOwner, storage.Range{Prefix: opts.OwnerID + "|", Reverse: true}
	if opts.OwnerID == "" {
		index, r = IndexStatus, storage.Range{Prefix: string(opts.Status) + "|", Reverse: true}
		if opts.Status == "" {
			index, r = IndexUpdated, storage.Range{Reverse: true}
		}
	}
	return s.collect(ctx, index, r, page, func(it Item) bool {
		return opts.Status == "" || it.Status == opts.Status
	})
}

// ReviewQueue lists pending items oldest first for approvers.
func (s *Service) ReviewQueue(ctx context.Context, actor authz.Actor, page shared.Page) ([]Item, error) {
	if err := authz.Decide(actor, authz.ContentReviewQueue, authz.Resource{Kind: authz.KindContent}).Err(); err != nil {
		return nil, err
	}
	r := storage.Range{Prefix: string(StatusPendingApproval) + "|"}
	return s.collect(ctx, IndexStatus, r, page, func(Item) bool { return true })
}

func (s *Service) collect(ctx context.Context, index string, r storage.Range, page shared.Page, keep func(Item) bool) ([]Item, error) {
	out := []Item{}
	i := 0
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		return scanItems(ctx, txn, index, r, func(it Item) (bool, error) {
			if !keep(it) {
				return true, nil
			}
			inside, done := page.Window(i)
			i++
			if done {
				return false, nil
			}
			if inside {
				out = append(out, it)
			}
			return true, nil
		})
	})
	return out, err
}

// CheckSimilar runs the similarity detector for a prospective title and tags.
func (s *Service) CheckSimilar(ctx context.Context, actor authz.Actor, title string, tags []string, excludeID string) ([]Match, error) {
	if err := authz.Decide(actor, authz.ContentCreate, authz.Resource{Kind: authz.KindContent, OwnerID: actor.ID}).Err(); err != nil {
		return nil, err
	}
	candidate := Item{ID: excludeID, Title: StripMarkup(title), Tags: textutil.NormalizeTags(tags)}
	corpus, err := s.corpus(ctx)
	if err != nil {
		return nil, err
	}
	matches := s.detector.Detect(ctx, candidate, corpus)
	if matches == nil {
		matches = []Match{}
	}
	return matches, nil
}

// precheckSimilar computes advisory matches ahead of a submit or revise.
// Failures are logged and yield no annotations.
func (s *Service) precheckSimilar(ctx context.Context, id string, ch *Changes) []Match {
	if s.detector == nil {
		return nil
	}
	var it Item
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		var err error
		it, err = Load(ctx, txn, id)
		return err
	})
	if err != nil {
		return nil
	}
	if ch != nil && ch.Title != nil {
		it.Title = StripMarkup(*ch.Title)
	}
	if ch != nil && ch.Tags != nil {
		it.Tags = textutil.NormalizeTags(*ch.Tags)
	}
	corpus, err := s.corpus(ctx)
	if err != nil {
		s.logger.Warn("similarity check skipped", slog.String("content_id", id), slog.Any("error", err))
		return nil
	}
	return s.detector.Detect(ctx, it, corpus)
}

func (s *Service) corpus(ctx context.Context) ([]Item, error) {
	var corpus []Item
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		for _, status := range []Status{StatusPublished, StatusPendingApproval} {
			n := 0
			err := scanItems(ctx, txn, IndexStatus, storage.Range{Prefix: string(status) + "|", Reverse: true}, func(it Item) (bool, error) {
				corpus = append(corpus, it)
				n++
				return n < corpusLimit, nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return corpus, err
}

func staleRevision(expected, actual int64) error {
	return fmt.Errorf("%w: expected revision %d, current %d", shared.ErrStaleWrite, expected, actual)
}

func staleOnConflict(err error) error {
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%w: %v", shared.ErrStaleWrite, err)
	}
	return err
}
