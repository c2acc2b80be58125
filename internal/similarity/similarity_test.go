package similarity

import (
	"context"
	"strings"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "we use slack daily", Normalize("  We use   Slack, daily!! "))
	assert.Equal(t, "", Normalize("...!!"))
	assert.Equal(t, "tabs and newlines", Normalize("tabs\tand\nnewlines"))
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 1.0, Ratio("", ""))
	assert.Equal(t, 0.0, Ratio("abc", ""))
	assert.InDelta(t, 1-1.0/6.0, Ratio("kitten", "sitten"), 1e-9)
	assert.InDelta(t, 1-3.0/7.0, Ratio("kitten", "sitting"), 1e-9)
}

func TestIsSimilarShortCircuitsOnNormalizedEquality(t *testing.T) {
	assert.True(t, IsSimilar("Manual invoicing is slow.", "manual   invoicing is slow", 1.0))
}

func TestIsSimilarThreshold(t *testing.T) {
	a := "The team spends hours every week on manual invoicing"
	b := "The team spends hours every week on manual invoices"
	assert.True(t, IsSimilar(a, b, DefaultTextThreshold))
	assert.False(t, IsSimilar(a, "Hiring two senior engineers next quarter", DefaultTextThreshold))
}

func TestFindDuplicate(t *testing.T) {
	candidates := []string{
		"Customers churn after onboarding",
		"The company uses Slack for all communication",
	}
	assert.Equal(t, 1, FindDuplicate("the company uses slack for all communication.", candidates, DefaultTextThreshold))
	assert.Equal(t, -1, FindDuplicate("Payroll runs on the first of the month", candidates, DefaultTextThreshold))
}

func TestPropertyRatioBoundedAndSymmetric(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.StringMatching(`[a-zA-Z ,.]{0,40}`).Draw(rt, "a")
		b := rapid.StringMatching(`[a-zA-Z ,.]{0,40}`).Draw(rt, "b")
		r := Ratio(a, b)
		if r < 0 || r > 1 {
			rt.Fatalf("Ratio(%q,%q) = %f out of range", a, b, r)
		}
		if r != Ratio(b, a) {
			rt.Fatalf("Ratio not symmetric for %q,%q", a, b)
		}
		if !IsSimilar(a, a, 1.0) {
			rt.Fatalf("string not similar to itself: %q", a)
		}
	})
}

func TestCosine(t *testing.T) {
	s, err := Cosine([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-9)

	s, err = Cosine([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, s, 1e-9)

	s, err = Cosine([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, s)

	_, err = Cosine([]float32{1, 0, 0}, []float32{1, 0})
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

// keywordEmbedder maps text to a 2-d vector: [mentions invoicing, mentions hiring].
type keywordEmbedder struct{ calls int }

func (k *keywordEmbedder) Dimensions() int { return 2 }

func (k *keywordEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := k.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return v[0], nil
}

func (k *keywordEmbedder) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	k.calls++
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		l := strings.ToLower(t)
		var v [2]float32
		if strings.Contains(l, "invoic") || strings.Contains(l, "billing") {
			v[0] = 1
		}
		if strings.Contains(l, "hir") {
			v[1] = 1
		}
		out[i] = pgvector.NewVector(v[:])
	}
	return out, nil
}

func TestMatcherSemanticSimilarity(t *testing.T) {
	emb := &keywordEmbedder{}
	m := NewMatcher(emb, 0)
	ctx := context.Background()

	ok, err := m.IsSimilar(ctx, "Invoicing is done by hand", "Billing takes the whole Friday")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.IsSimilar(ctx, "Invoicing is done by hand", "Hiring is slow")
	require.NoError(t, err)
	assert.False(t, ok)

	calls := emb.calls
	s, err := m.Similarity(ctx, "Same text.", "same text")
	require.NoError(t, err)
	assert.Equal(t, 1.0, s)
	assert.Equal(t, calls, emb.calls, "identical normalized text skips embedding")
}

func TestMatcherFindDuplicate(t *testing.T) {
	m := NewMatcher(&keywordEmbedder{}, 0.9)
	idx, score, err := m.FindDuplicate(context.Background(), "Billing is manual", []string{"We are hiring", "Invoices are typed by hand"})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.InDelta(t, 1.0, score, 1e-9)

	idx, _, err = m.FindDuplicate(context.Background(), "Billing is manual", nil)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}
