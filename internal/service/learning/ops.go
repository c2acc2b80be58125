package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/manabi/internal/audit"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/storage"
)

// BatchApplyResult is the outcome for one knowledge base of ApplyAll.
type BatchApplyResult struct {
	KnowledgeBaseID uuid.UUID   `json:"knowledge_base_id"`
	Result          ApplyResult `json:"result"`
	Error           string      `json:"error,omitempty"`
}

// ApplyAll applies pending events to several knowledge bases concurrently,
// at most Config.ApplyConcurrency at a time. Each knowledge base is
// independent: one failure does not stop the others. Results keep the order
// of ids.
func (s *Service) ApplyAll(ctx context.Context, ids []uuid.UUID, in ApplyInput) []BatchApplyResult {
	results := make([]BatchApplyResult, len(ids))
	var g errgroup.Group
	g.SetLimit(s.cfg.ApplyConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			one := in
			one.KnowledgeBaseID = id
			res, err := s.ApplyLearningEvents(ctx, one)
			results[i] = BatchApplyResult{KnowledgeBaseID: id, Result: res}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Reconstruct replays every applied event of a knowledge base onto an empty
// seed. The result is approximate; see audit.Replayer.
func (s *Service) Reconstruct(ctx context.Context, kbID uuid.UUID) (audit.Result, error) {
	ctx, span := s.tracer.Start(ctx, "learning.reconstruct")
	defer span.End()

	if kbID == uuid.Nil {
		return audit.Result{}, ErrMissingKnowledgeBaseID
	}
	if _, err := s.knowledge.GetKnowledgeBase(ctx, kbID); err != nil {
		return audit.Result{}, fmt.Errorf("learning: reconstruct: %w", err)
	}

	r := audit.NewReplayer(kbID, s.mapper)
	var cursor model.EventCursor
	for {
		page, err := s.events.AppliedEventsPage(ctx, kbID, cursor, s.cfg.BatchSize)
		if err != nil {
			return audit.Result{}, fmt.Errorf("learning: reconstruct: %w", err)
		}
		for _, e := range page {
			r.Apply(e)
		}
		if len(page) < s.cfg.BatchSize {
			break
		}
		cursor = model.CursorAfter(page[len(page)-1])
	}
	return r.Result(s.now().UTC()), nil
}

// Status describes a knowledge base's enrichment state.
type Status struct {
	KnowledgeBaseID   uuid.UUID           `json:"knowledge_base_id"`
	Version           int                 `json:"version"`
	EnrichmentVersion int                 `json:"enrichment_version"`
	LastEnrichedAt    *time.Time          `json:"last_enriched_at,omitempty"`
	Events            storage.EventCounts `json:"events"`
	AuditEntries      int                 `json:"audit_entries"`
	Snapshots         int                 `json:"snapshots"`
	FieldsWithHistory []string            `json:"fields_with_history,omitempty"`
}

// Status reports version counters, event counts and provenance sizes.
func (s *Service) Status(ctx context.Context, kbID uuid.UUID) (Status, error) {
	if kbID == uuid.Nil {
		return Status{}, ErrMissingKnowledgeBaseID
	}

	var (
		kb     model.KnowledgeBase
		counts storage.EventCounts
		mu     sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		k, err := s.knowledge.GetKnowledgeBase(gctx, kbID)
		mu.Lock()
		kb = k
		mu.Unlock()
		return err
	})
	g.Go(func() error {
		c, err := s.events.CountEvents(gctx, kbID)
		mu.Lock()
		counts = c
		mu.Unlock()
		return err
	})
	if err := g.Wait(); err != nil {
		return Status{}, fmt.Errorf("learning: status: %w", err)
	}

	st := Status{
		KnowledgeBaseID:   kb.ID,
		Version:           kb.Version,
		EnrichmentVersion: kb.EnrichmentVersion,
		LastEnrichedAt:    kb.LastEnrichedAt,
		Events:            counts,
		AuditEntries:      len(kb.Bag.AuditLog),
		Snapshots:         len(kb.Bag.Snapshots),
	}
	for _, f := range model.ScalarFields {
		if len(kb.Bag.FieldHistory[f]) > 0 {
			st.FieldsWithHistory = append(st.FieldsWithHistory, f)
		}
	}
	return st, nil
}

// IngestInput is raw source data to run through the extractor.
type IngestInput struct {
	KnowledgeBaseID uuid.UUID
	SourceType      model.SourceType
	SourceID        string
	Data            string
	TriggeredBy     *string
}

// Ingest extracts insights from raw data and creates events from them.
func (s *Service) Ingest(ctx context.Context, in IngestInput) (CreateResult, error) {
	if s.extractor == nil {
		return CreateResult{}, ErrNoExtractor
	}
	if in.KnowledgeBaseID == uuid.Nil {
		return CreateResult{}, ErrMissingKnowledgeBaseID
	}
	if !in.SourceType.Valid() {
		return CreateResult{}, fmt.Errorf("%w: %q", ErrInvalidSourceType, in.SourceType)
	}
	insights, err := s.extractor.Extract(ctx, in.SourceType, in.Data, in.TriggeredBy)
	if err != nil {
		return CreateResult{}, fmt.Errorf("learning: extract: %w", err)
	}
	return s.CreateLearningEvents(ctx, CreateInput{
		KnowledgeBaseID: in.KnowledgeBaseID,
		SourceType:      in.SourceType,
		SourceID:        in.SourceID,
		Insights:        insights,
		TriggeredBy:     in.TriggeredBy,
	})
}
