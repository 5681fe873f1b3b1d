// Package public serves published content to anonymous readers. It only
// scans the published_* indexes, which never hold unpublished items.
package public

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"gitlab.com/golang-commonmark/markdown"
	"golang.org/x/sync/singleflight"

	"github.com/appbase-cms/appbase/internal/content"
	"github.com/appbase-cms/appbase/internal/platform/textutil"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

// Post is the public view of a published item.
type Post struct {
	ID           string    `json:"id"`
	Slug         string    `json:"slug"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary"`
	HTML         string    `json:"html,omitempty"`
	Tags         []string  `json:"tags"`
	CoverMediaID string    `json:"cover_media_id,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Filter narrows a listing. Tags match by intersection; Query matches when
// every query word appears in the title, summary or tags.
type Filter struct {
	Tags  []string
	Query string
}

// TagSource supplies the curated tag list.
type TagSource interface {
	AvailableTags(ctx context.Context) ([]string, error)
}

// Service answers public queries.
type Service struct {
	engine storage.Engine
	tags   TagSource
	logger *slog.Logger
	md     *markdown.Markdown
	group  singleflight.Group
}

// NewService constructs a Service. tags may be nil, in which case the
// available tags are those carried by published items.
func NewService(engine storage.Engine, tags TagSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine: engine,
		tags:   tags,
		logger: logger,
		md:     markdown.New(markdown.HTML(false), markdown.Linkify(true), markdown.Typographer(true), markdown.MaxNesting(10)),
	}
}

// GetBySlug returns the published item with slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (Post, error) {
	return s.getOne(ctx, content.IndexPublishedBySlug, slug)
}

// GetByID returns the published item with id.
func (s *Service) GetByID(ctx context.Context, id string) (Post, error) {
	return s.getOne(ctx, content.IndexPublishedByID, id)
}

func (s *Service) getOne(ctx context.Context, index, key string) (Post, error) {
	if key == "" {
		return Post{}, shared.ErrNotFound
	}
	var post Post
	found := false
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		for rec, err := range txn.ScanIndex(ctx, content.FamilyItems, index, storage.Exact(key)) {
			if err != nil {
				return err
			}
			it, err := content.Decode(rec)
			if err != nil {
				return err
			}
			post, found = s.render(it, true), true
			return nil
		}
		return nil
	})
	if err != nil {
		return Post{}, err
	}
	if !found {
		return Post{}, shared.ErrNotFound
	}
	return post, nil
}

// Latest returns the most recently published items without bodies.
func (s *Service) Latest(ctx context.Context, limit int) ([]Post, error) {
	return s.ListPublished(ctx, Filter{}, shared.NewPage(limit, 0))
}

// ListPublished returns published items newest first. Concurrent identical
// listings share one scan.
func (s *Service) ListPublished(ctx context.Context, f Filter, page shared.Page) ([]Post, error) {
	f.Tags = textutil.NormalizeTags(f.Tags)
	f.Query = strings.TrimSpace(f.Query)
	key := fmt.Sprintf("list|%s|%s|%d|%d", strings.Join(f.Tags, ","), f.Query, page.Limit, page.Offset)
	ch := s.group.DoChan(key, func() (any, error) {
		return s.list(context.WithoutCancel(ctx), f, page)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]Post)), nil
	}
}

func (s *Service) list(ctx context.Context, f Filter, page shared.Page) ([]Post, error) {
	index, r := content.IndexPublishedByDate, storage.Range{Reverse: true}
	if len(f.Tags) > 0 {
		index, r = content.IndexPublishedByTag, storage.Range{Prefix: content.TagKey(f.Tags[0]), Reverse: true}
	}
	words := textutil.Words(f.Query)
	out := []Post{}
	i := 0
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		for rec, err := range txn.ScanIndex(ctx, content.FamilyItems, index, r) {
			if err != nil {
				return err
			}
			it, err := content.Decode(rec)
			if err != nil {
				return err
			}
			if !hasTags(it, f.Tags) || !matches(it, words) {
				continue
			}
			inside, done := page.Window(i)
			i++
			if done {
				return nil
			}
			if inside {
				out = append(out, s.render(it, false))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AvailableTags returns the curated tags, or the tags in use by published
// items when no curated list exists.
func (s *Service) AvailableTags(ctx context.Context) ([]string, error) {
	if s.tags != nil {
		tags, err := s.tags.AvailableTags(ctx)
		if err != nil || len(tags) > 0 {
			return tags, err
		}
	}
	v, err, _ := s.group.Do("tags", func() (any, error) {
		var tags []string
		err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
			for rec, err := range txn.ScanIndex(ctx, content.FamilyItems, content.IndexPublishedByDate, storage.Range{}) {
				if err != nil {
					return err
				}
				it, err := content.Decode(rec)
				if err != nil {
					return err
				}
				for _, t := range it.Tags {
					if !slices.Contains(tags, t) {
						tags = append(tags, t)
					}
				}
			}
			return nil
		})
		slices.Sort(tags)
		return tags, err
	})
	if err != nil {
		return nil, err
	}
	tags := slices.Clone(v.([]string))
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

func (s *Service) render(it content.Item, body bool) Post {
	p := Post{
		ID:           it.ID,
		Slug:         it.Slug,
		Title:        it.Title,
		Summary:      it.Summary,
		Tags:         it.Tags,
		CoverMediaID: it.CoverMediaID,
		UpdatedAt:    it.UpdatedAt,
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if it.PublishedAt != nil {
		p.PublishedAt = *it.PublishedAt
	}
	if body {
		p.HTML = s.md.RenderToString([]byte(it.Body))
	}
	return p
}

func hasTags(it content.Item, tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(it.Tags, t) {
			return false
		}
	}
	return true
}

func matches(it content.Item, words []string) bool {
	if len(words) == 0 {
		return true
	}
	hay := textutil.Words(it.Title + " " + it.Summary + " " + strings.Join(it.Tags, " "))
	for _, w := range words {
		if !slices.Contains(hay, w) {
			return false
		}
	}
	return true
}
