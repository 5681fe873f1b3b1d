// Package textutil folds user-supplied text into stable keys for slugs and tags.
package textutil

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxSlugLen = 96
	maxTagLen  = 48
)

// stripMarks decomposes text and drops combining marks, so "Crème" becomes "Creme".
func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Slugify lowercases s, strips accents and joins the remaining letter and
// digit runs with single hyphens.
func Slugify(s string) string {
	s = cases.Fold().String(stripMarks(s))
	var b strings.Builder
	pendingDash := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	out := b.String()
	if len(out) > maxSlugLen {
		out = strings.TrimRight(truncate(out, maxSlugLen), "-")
	}
	return out
}

// NormalizeTag trims and case-folds a tag. Inner whitespace collapses to a
// single hyphen. The result is empty when nothing usable remains.
func NormalizeTag(s string) string {
	s = cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
	s = strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '|' || r == 0
	}), "-")
	return truncate(s, maxTagLen)
}

// NormalizeTags normalises, drops empties and deduplicates while keeping the
// first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = NormalizeTag(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// SplitList splits a comma separated setting value, trimming blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Words returns the case-folded, accent-stripped letter and digit runs of s.
func Words(s string) []string {
	return strings.FieldsFunc(cases.Fold().String(stripMarks(s)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut]
}
