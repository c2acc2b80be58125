// Package similarity detects near-duplicate insights.
//
// Textual similarity is an edit-distance ratio over normalized text and never
// blocks. Semantic similarity embeds both texts and compares them by cosine
// similarity; it is optional and only used when an embedding provider is wired.
package similarity

import (
	"strings"
	"unicode"
)

// Default thresholds.
const (
	DefaultTextThreshold     = 0.85
	DefaultSemanticThreshold = 0.9
)

// Normalize lowercases s, strips punctuation and symbols, and collapses runs
// of whitespace into single spaces.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Ratio returns 1 - levenshtein(a,b)/max(len(a),len(b)) over the normalized
// forms of a and b, in runes. Two empty strings are identical (1.0).
func Ratio(a, b string) float64 {
	return ratioNormalized(Normalize(a), Normalize(b))
}

func ratioNormalized(na, nb string) float64 {
	ra, rb := []rune(na), []rune(nb)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// IsSimilar reports whether a and b are textual near-duplicates. Identical
// normalized strings match without computing the edit distance.
func IsSimilar(a, b string, threshold float64) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return true
	}
	return ratioNormalized(na, nb) >= threshold
}

// FindDuplicate returns the index of the first candidate textually similar to
// text at threshold, or -1.
func FindDuplicate(text string, candidates []string, threshold float64) int {
	nt := Normalize(text)
	for i, c := range candidates {
		nc := Normalize(c)
		if nt == nc || ratioNormalized(nt, nc) >= threshold {
			return i
		}
	}
	return -1
}

// levenshtein computes the edit distance between a and b using two rows.
func levenshtein(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
