package content

import (
	"context"
	"slices"

	"github.com/appbase-cms/appbase/internal/platform/textutil"
)

// SimilarityDetector flags existing items that look like duplicates of a
// candidate. Results are advisory and never block a transition.
type SimilarityDetector interface {
	Detect(ctx context.Context, candidate Item, corpus []Item) []Match
}

// TokenOverlap scores title word overlap (Jaccard) blended with tag overlap.
type TokenOverlap struct {
	Threshold float64
	Limit     int
	// TagWeight is the share of the score taken by tag overlap when both
	// items carry tags.
	TagWeight float64
}

// DefaultDetector returns the detector used when none is configured.
func DefaultDetector() TokenOverlap {
	return TokenOverlap{Threshold: 0.5, Limit: 5, TagWeight: 0.2}
}

// Detect implements SimilarityDetector.
func (d TokenOverlap) Detect(ctx context.Context, candidate Item, corpus []Item) []Match {
	words := titleTokens(candidate.Title)
	if len(words) == 0 {
		return nil
	}
	var out []Match
	for _, other := range corpus {
		if ctx.Err() != nil {
			break
		}
		if other.ID == candidate.ID {
			continue
		}
		score := d.Score(words, candidate.Tags, titleTokens(other.Title), other.Tags)
		if score < d.Threshold {
			continue
		}
		out = append(out, Match{ID: other.ID, Title: other.Title, Status: other.Status, Score: score})
	}
	slices.SortFunc(out, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	if d.Limit > 0 && len(out) > d.Limit {
		out = out[:d.Limit]
	}
	return out
}

// Score combines title and tag overlap into [0, 1].
func (d TokenOverlap) Score(titleA, tagsA, titleB, tagsB []string) float64 {
	title := jaccard(titleA, titleB)
	if len(tagsA) == 0 || len(tagsB) == 0 {
		return title
	}
	return (1-d.TagWeight)*title + d.TagWeight*jaccard(tagsA, tagsB)
}

func titleTokens(title string) []string {
	var out []string
	for _, w := range textutil.Words(title) {
		if len([]rune(w)) < 2 || slices.Contains(out, w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, s := range b {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, ok := set[s]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
