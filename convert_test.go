package manabi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/manabi/internal/audit"
	"github.com/ashita-ai/manabi/internal/config"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/service/learning"
	"github.com/ashita-ai/manabi/internal/storage"
)

func TestToCreateInput(t *testing.T) {
	conf := 85
	by := "analyst"
	kbID := uuid.New()
	in := toCreateInput(CreateRequest{
		KnowledgeBaseID: kbID,
		SourceType:      "conversation",
		SourceID:        "call-42",
		TriggeredBy:     &by,
		Insights: []Insight{{
			Text:       "They invoice clients through QuickBooks",
			Category:   "workflow_patterns",
			EventType:  "INSIGHT_GENERATED",
			Confidence: &conf,
			Metadata:   map[string]any{"tools": []any{"QuickBooks"}},
		}},
	})

	assert.Equal(t, kbID, in.KnowledgeBaseID)
	assert.Equal(t, model.SourceConversation, in.SourceType)
	assert.Equal(t, "call-42", in.SourceID)
	assert.Equal(t, &by, in.TriggeredBy)
	require.Len(t, in.Insights, 1)
	assert.Equal(t, model.CategoryWorkflowPatterns, in.Insights[0].Category)
	assert.Equal(t, model.EventInsightGenerated, in.Insights[0].EventType)
	assert.Equal(t, 85, *in.Insights[0].Confidence)
}

func TestToPublicStatusFlattensCounts(t *testing.T) {
	now := time.Now()
	st := toPublicStatus(learning.Status{
		KnowledgeBaseID:   uuid.New(),
		Version:           4,
		EnrichmentVersion: 2,
		LastEnrichedAt:    &now,
		Events:            storage.EventCounts{Total: 10, Applied: 7, Pending: 3},
		AuditEntries:      12,
		Snapshots:         2,
	})
	assert.Equal(t, int64(10), st.EventsTotal)
	assert.Equal(t, int64(7), st.EventsApplied)
	assert.Equal(t, int64(3), st.EventsPending)
	assert.Equal(t, 2, st.EnrichmentVersion)
	assert.Equal(t, &now, st.LastEnrichedAt)
}

func TestToPublicReconstructionCopies(t *testing.T) {
	id := uuid.New()
	kb := model.KnowledgeBase{
		ID:        id,
		Fields:    map[string]string{model.FieldIndustry: "Accounting"},
		ToolStack: []string{"Slack"},
	}
	r := toPublicReconstruction(id, audit.Result{KnowledgeBase: kb, EventsReplayed: 3, Approximate: true})

	r.Fields[model.FieldIndustry] = "Legal"
	r.ToolStack[0] = "Teams"
	assert.Equal(t, "Accounting", kb.Fields[model.FieldIndustry])
	assert.Equal(t, "Slack", kb.ToolStack[0])
	assert.Equal(t, 3, r.EventsReplayed)
	assert.True(t, r.Approximate)
}

func TestEngineConfigMapsDecay(t *testing.T) {
	cfg := config.Config{
		MinConfidence:      75,
		BatchSize:          50,
		DecayHalfLife:      30 * 24 * time.Hour,
		DecayGrace:         time.Hour,
		DecayFloor:         5,
		DedupWindow:        time.Hour,
		TextSimilarity:     0.8,
		SemanticDedup:      true,
		SemanticSimilarity: 0.95,
		ApplyConcurrency:   2,
	}
	got := engineConfig(cfg)
	assert.Equal(t, 75, got.MinConfidence)
	assert.Equal(t, 50, got.BatchSize)
	assert.Equal(t, 30*24*time.Hour, got.Decay.HalfLife)
	assert.Equal(t, time.Hour, got.Decay.GracePeriod)
	assert.Equal(t, 5, got.Decay.Floor)
	assert.True(t, got.SemanticDedup)
	assert.InDelta(t, 0.95, got.SemanticThreshold, 1e-9)
	assert.Equal(t, 2, got.ApplyConcurrency)
}

type fakePublicEmbedder struct {
	err error
}

func (f fakePublicEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (f fakePublicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, s := range texts {
		v, err := f.Embed(ctx, s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (fakePublicEmbedder) Dimensions() int { return 2 }

func TestEmbeddingAdapter(t *testing.T) {
	ctx := context.Background()
	a := &embeddingAdapter{p: fakePublicEmbedder{}}
	assert.Equal(t, 2, a.Dimensions())

	v, err := a.Embed(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 1}, v.Slice())

	vs, err := a.EmbedBatch(ctx, []string{"a", "abcd"})
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, []float32{4, 1}, vs[1].Slice())

	failing := &embeddingAdapter{p: fakePublicEmbedder{err: errors.New("boom")}}
	_, err = failing.Embed(ctx, "x")
	assert.Error(t, err)
	_, err = failing.EmbedBatch(ctx, []string{"x"})
	assert.Error(t, err)
}

type fakePublicExtractor struct{}

func (fakePublicExtractor) Extract(_ context.Context, sourceType, data string, _ *string) ([]Insight, error) {
	return []Insight{{Text: data, Category: "business_context", EventType: "INSIGHT_GENERATED", Metadata: map[string]any{"source": sourceType}}}, nil
}

func TestExtractorAdapter(t *testing.T) {
	a := &extractorAdapter{e: fakePublicExtractor{}}
	got, err := a.Extract(context.Background(), model.SourceReport, "Acme is a bookkeeping firm", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.CategoryBusinessContext, got[0].Category)
	assert.Equal(t, "report", got[0].Metadata["source"])
}

func TestNormalizeEmbeddingKey(t *testing.T) {
	assert.Equal(t, "uses slack daily", normalizeEmbeddingKey("  Uses\tSLACK   daily\n"))
}
