// Package search finds learning events that are semantically close to a new
// insight. Qdrant serves as an optional external index with transparent
// fallback to pgvector search in Postgres.
package search

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/telemetry"
)

// ErrNoIndex is returned when neither index is available.
var ErrNoIndex = errors.New("search: no index available")

// Finder returns events of one category whose embeddings are closest to the
// given one. Scores are cosine similarities, highest first.
type Finder interface {
	FindSimilarEvents(ctx context.Context, kbID uuid.UUID, category model.Category, embedding []float32, limit int) ([]model.SimilarEvent, error)
}

// Index is an external vector index of learning events.
// Implementations must be safe for concurrent use.
type Index interface {
	Finder

	// IndexEvents upserts events that carry an embedding; others are ignored.
	IndexEvents(ctx context.Context, events []model.LearningEvent) error

	// Healthy returns nil if the index is reachable, or an error describing the problem.
	Healthy(ctx context.Context) error
}

// Point is the data needed to upsert a single learning event.
type Point struct {
	ID              uuid.UUID
	KnowledgeBaseID uuid.UUID
	Category        model.Category
	EventType       model.EventType
	Confidence      int
	CreatedAt       time.Time
	Embedding       []float32
}

// PointFromEvent converts e, reporting false when it has no embedding.
func PointFromEvent(e model.LearningEvent) (Point, bool) {
	if e.Embedding == nil || len(e.Embedding.Slice()) == 0 {
		return Point{}, false
	}
	return Point{
		ID:              e.ID,
		KnowledgeBaseID: e.KnowledgeBaseID,
		Category:        e.Category,
		EventType:       e.EventType,
		Confidence:      e.Confidence,
		CreatedAt:       e.CreatedAt,
		Embedding:       e.Embedding.Slice(),
	}, true
}

// Rank sorts results by descending score, keeps the best score per event and
// truncates to limit.
func Rank(results []model.SimilarEvent, limit int) []model.SimilarEvent {
	out := slices.Clone(results)
	slices.SortStableFunc(out, func(a, b model.SimilarEvent) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	seen := make(map[uuid.UUID]bool, len(out))
	ranked := out[:0]
	for _, r := range out {
		if seen[r.EventID] {
			continue
		}
		seen[r.EventID] = true
		ranked = append(ranked, r)
	}
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// Fallback queries the primary index while it is healthy and the secondary
// finder otherwise. Either may be nil.
type Fallback struct {
	primary   Index
	secondary Finder
	logger    *slog.Logger

	fallbacks metric.Int64Counter
}

// NewFallback creates a Fallback.
func NewFallback(primary Index, secondary Finder, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fallback{primary: primary, secondary: secondary, logger: logger}
	f.fallbacks, _ = telemetry.Meter("manabi/search").Int64Counter("manabi.search.fallbacks",
		metric.WithDescription("Similarity lookups served by Postgres because the external index failed"))
	return f
}

// FindSimilarEvents implements Finder.
func (f *Fallback) FindSimilarEvents(ctx context.Context, kbID uuid.UUID, category model.Category, embedding []float32, limit int) ([]model.SimilarEvent, error) {
	if f.primary != nil {
		if err := f.primary.Healthy(ctx); err != nil {
			f.logger.Debug("search: index unhealthy, using postgres", "error", err)
		} else {
			res, err := f.primary.FindSimilarEvents(ctx, kbID, category, embedding, limit)
			if err == nil {
				return Rank(res, limit), nil
			}
			f.logger.Warn("search: index query failed, using postgres", "knowledge_base_id", kbID, "error", err)
		}
		if f.secondary != nil {
			f.fallbacks.Add(ctx, 1)
		}
	}
	if f.secondary == nil {
		return nil, ErrNoIndex
	}
	return f.secondary.FindSimilarEvents(ctx, kbID, category, embedding, limit)
}

// IndexEvents forwards to the primary index, if any. Postgres already holds
// the embeddings.
func (f *Fallback) IndexEvents(ctx context.Context, events []model.LearningEvent) error {
	if f.primary == nil {
		return nil
	}
	return f.primary.IndexEvents(ctx, events)
}

// Healthy reports the primary index's health; without one it is always healthy.
func (f *Fallback) Healthy(ctx context.Context) error {
	if f.primary == nil {
		return nil
	}
	return f.primary.Healthy(ctx)
}
