package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ashita-ai/manabi/internal/service/embedding"
)

// ErrDimensionMismatch is returned when two vectors have different lengths.
var ErrDimensionMismatch = errors.New("similarity: vector dimension mismatch")

// Cosine returns the cosine similarity of a and b. Zero vectors have
// similarity 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		da, db := float64(a[i]), float64(b[i])
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Matcher compares texts semantically through an embedding provider.
// Wrap the provider in embedding.CachedProvider keyed by Normalize so repeated
// comparisons against the same recent events do not re-embed them.
type Matcher struct {
	embedder  embedding.Provider
	threshold float64
}

// NewMatcher creates a Matcher. threshold <= 0 uses DefaultSemanticThreshold.
func NewMatcher(embedder embedding.Provider, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultSemanticThreshold
	}
	return &Matcher{embedder: embedder, threshold: threshold}
}

// Threshold returns the configured semantic threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Similarity embeds a and b in one batched call and returns their cosine
// similarity. Identical normalized text returns 1 without embedding.
func (m *Matcher) Similarity(ctx context.Context, a, b string) (float64, error) {
	if Normalize(a) == Normalize(b) {
		return 1, nil
	}
	vecs, err := m.embedder.EmbedBatch(ctx, []string{a, b})
	if err != nil {
		return 0, fmt.Errorf("similarity: embed: %w", err)
	}
	return Cosine(vecs[0].Slice(), vecs[1].Slice())
}

// IsSimilar reports whether a and b are semantic near-duplicates.
func (m *Matcher) IsSimilar(ctx context.Context, a, b string) (bool, error) {
	s, err := m.Similarity(ctx, a, b)
	if err != nil {
		return false, err
	}
	return s >= m.threshold, nil
}

// FindDuplicate embeds text and all candidates in one batch and returns the
// index of the most similar candidate at or above the threshold, or -1.
func (m *Matcher) FindDuplicate(ctx context.Context, text string, candidates []string) (int, float64, error) {
	if len(candidates) == 0 {
		return -1, 0, nil
	}
	nt := Normalize(text)
	for i, c := range candidates {
		if Normalize(c) == nt {
			return i, 1, nil
		}
	}

	vecs, err := m.embedder.EmbedBatch(ctx, append([]string{text}, candidates...))
	if err != nil {
		return -1, 0, fmt.Errorf("similarity: embed: %w", err)
	}
	best, bestScore := -1, 0.0
	target := vecs[0].Slice()
	for i, v := range vecs[1:] {
		s, err := Cosine(target, v.Slice())
		if err != nil {
			return -1, 0, err
		}
		if s >= m.threshold && s > bestScore {
			best, bestScore = i, s
		}
	}
	return best, bestScore, nil
}
