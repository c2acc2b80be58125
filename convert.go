package manabi

import (
	"context"
	"slices"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/manabi/internal/audit"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/service/learning"
)

func toInternalInsight(in Insight) model.Insight {
	return model.Insight{
		Text:       in.Text,
		Category:   model.Category(in.Category),
		EventType:  model.EventType(in.EventType),
		Confidence: in.Confidence,
		Metadata:   in.Metadata,
	}
}

func toCreateInput(req CreateRequest) learning.CreateInput {
	insights := make([]model.Insight, len(req.Insights))
	for i, in := range req.Insights {
		insights[i] = toInternalInsight(in)
	}
	return learning.CreateInput{
		KnowledgeBaseID: req.KnowledgeBaseID,
		SourceType:      model.SourceType(req.SourceType),
		SourceID:        req.SourceID,
		Insights:        insights,
		TriggeredBy:     req.TriggeredBy,
	}
}

func toPublicApplyResult(r learning.ApplyResult) ApplyResult {
	return ApplyResult{
		Success:           r.Success,
		EventsApplied:     r.EventsApplied,
		EventsSkipped:     r.EventsSkipped,
		FieldsUpdated:     r.FieldsUpdated,
		EnrichmentVersion: r.EnrichmentVersion,
		Errors:            r.Errors,
	}
}

func toPublicStatus(st learning.Status) Status {
	return Status{
		KnowledgeBaseID:   st.KnowledgeBaseID,
		Version:           st.Version,
		EnrichmentVersion: st.EnrichmentVersion,
		LastEnrichedAt:    st.LastEnrichedAt,
		EventsTotal:       st.Events.Total,
		EventsApplied:     st.Events.Applied,
		EventsPending:     st.Events.Pending,
		AuditEntries:      st.AuditEntries,
		Snapshots:         st.Snapshots,
	}
}

func toPublicReconstruction(id uuid.UUID, r audit.Result) Reconstruction {
	return Reconstruction{
		KnowledgeBaseID: id,
		Fields:          r.KnowledgeBase.CloneFields(),
		ToolStack:       slices.Clone(r.KnowledgeBase.ToolStack),
		EventsReplayed:  r.EventsReplayed,
		SkippedEvents:   r.SkippedEvents,
		Approximate:     r.Approximate,
		GeneratedAt:     r.GeneratedAt,
	}
}

func toPublicKnowledgeBase(kb model.KnowledgeBase) KnowledgeBase {
	return KnowledgeBase{
		ID:                kb.ID,
		Name:              kb.Name,
		Fields:            kb.CloneFields(),
		ToolStack:         slices.Clone(kb.ToolStack),
		Version:           kb.Version,
		EnrichmentVersion: kb.EnrichmentVersion,
		LastEnrichedAt:    kb.LastEnrichedAt,
	}
}

// embeddingAdapter lets a public EmbeddingProvider stand in for the internal
// pgvector-based one.
type embeddingAdapter struct {
	p EmbeddingProvider
}

func (a *embeddingAdapter) Dimensions() int { return a.p.Dimensions() }

func (a *embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

type extractorAdapter struct {
	e Extractor
}

func (a *extractorAdapter) Extract(ctx context.Context, sourceType model.SourceType, data string, triggeredBy *string) ([]model.Insight, error) {
	insights, err := a.e.Extract(ctx, string(sourceType), data, triggeredBy)
	if err != nil {
		return nil, err
	}
	out := make([]model.Insight, len(insights))
	for i, in := range insights {
		out[i] = toInternalInsight(in)
	}
	return out, nil
}
