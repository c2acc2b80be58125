package learning

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashita-ai/manabi/internal/audit"
	"github.com/ashita-ai/manabi/internal/confidence"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/service/embedding"
	"github.com/ashita-ai/manabi/internal/similarity"
	"github.com/ashita-ai/manabi/internal/storage"
)

// CreateInput is a batch of insights extracted from one source.
type CreateInput struct {
	KnowledgeBaseID uuid.UUID
	SourceType      model.SourceType
	SourceID        string
	Insights        []model.Insight
	TriggeredBy     *string
}

// CreateResult reports what happened to each insight of a batch.
type CreateResult struct {
	Success            bool        `json:"success"`
	EventsCreated      int         `json:"events_created"`
	EventIDs           []uuid.UUID `json:"event_ids"`
	DuplicatesFiltered int         `json:"duplicates_filtered"`
	Duplicates         []string    `json:"duplicates,omitempty"`
	Errors             []string    `json:"errors,omitempty"`
}

// candidate is an insight that survived validation.
type candidate struct {
	index     int
	event     model.LearningEvent
	embedding *pgvector.Vector
}

// CreateLearningEvents validates, deduplicates and persists a batch of
// insights. Invalid insights are reported in Errors and do not fail the
// batch; the call fails only on missing parameters, an unknown knowledge
// base, or a storage error while persisting.
func (s *Service) CreateLearningEvents(ctx context.Context, in CreateInput) (CreateResult, error) {
	ctx, span := s.tracer.Start(ctx, "learning.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("knowledge_base_id", in.KnowledgeBaseID.String()),
		attribute.String("source_type", string(in.SourceType)),
		attribute.Int("insights", len(in.Insights)),
	)

	// 1. Parameters.
	if in.KnowledgeBaseID == uuid.Nil {
		return CreateResult{}, ErrMissingKnowledgeBaseID
	}
	if !in.SourceType.Valid() {
		return CreateResult{}, fmt.Errorf("%w: %q", ErrInvalidSourceType, in.SourceType)
	}
	if _, err := s.knowledge.GetKnowledgeBase(ctx, in.KnowledgeBaseID); err != nil {
		return CreateResult{}, fmt.Errorf("learning: create: %w", err)
	}

	result := CreateResult{EventIDs: []uuid.UUID{}}
	if len(in.Insights) == 0 {
		result.Success = true
		return result, nil
	}

	// 2. Validate each insight independently.
	now := s.now().UTC()
	var sourceIDs []string
	if id := strings.TrimSpace(in.SourceID); id != "" {
		sourceIDs = []string{id}
	}
	valid := make([]candidate, 0, len(in.Insights))
	for i, ins := range in.Insights {
		e, err := s.buildEvent(in, ins, sourceIDs, now.Add(time.Duration(i)*time.Microsecond))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("insight %d: %v", i, err))
			continue
		}
		valid = append(valid, candidate{index: i, event: e})
	}

	// 3. Deduplicate against recent events and earlier insights of this batch.
	unique := s.dedupText(ctx, in.KnowledgeBaseID, valid, &result)
	if s.cfg.SemanticDedup && !embedding.IsNoop(s.embedder) {
		unique = s.dedupSemantic(ctx, in.KnowledgeBaseID, unique, &result)
	}
	if result.DuplicatesFiltered > 0 {
		s.eventsDuplicate.Add(ctx, int64(result.DuplicatesFiltered))
	}

	// 4. Persist survivors in one batch.
	events := make([]model.LearningEvent, len(unique))
	for i, c := range unique {
		c.event.Embedding = c.embedding
		events[i] = c.event
	}
	if len(events) > 0 {
		ids, err := s.events.InsertLearningEvents(ctx, events)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "insert failed")
			return result, fmt.Errorf("learning: create: %w", err)
		}
		result.EventIDs = ids
		result.EventsCreated = len(ids)
		s.eventsCreated.Add(ctx, int64(len(ids)))
	}
	result.Success = len(in.Insights) > len(result.Errors)

	if result.EventsCreated == 0 {
		return result, nil
	}

	// 5. Side effects. None of these can fail the call.
	s.indexEvents(ctx, events)
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, storage.ChannelEvents, in.KnowledgeBaseID.String()); err != nil {
			s.logger.Warn("learning: notify failed", "knowledge_base_id", in.KnowledgeBaseID, "error", err)
		}
	}
	entries := make([]model.AuditEntry, 0, len(result.EventIDs))
	for _, id := range result.EventIDs {
		entries = append(entries, model.AuditEntry{EventID: id, Action: model.AuditCreated, Timestamp: now})
	}
	s.record(audit.Job{KnowledgeBaseID: in.KnowledgeBaseID, Entries: entries})

	span.SetAttributes(
		attribute.Int("events_created", result.EventsCreated),
		attribute.Int("duplicates_filtered", result.DuplicatesFiltered),
	)
	return result, nil
}

// buildEvent validates one insight and turns it into an unsaved event.
func (s *Service) buildEvent(in CreateInput, ins model.Insight, sourceIDs []string, createdAt time.Time) (model.LearningEvent, error) {
	text := strings.TrimSpace(ins.Text)
	switch n := utf8.RuneCountInString(text); {
	case n < model.MinInsightLength:
		return model.LearningEvent{}, fmt.Errorf("insight text must be at least %d characters", model.MinInsightLength)
	case n > model.MaxInsightLength:
		return model.LearningEvent{}, fmt.Errorf("insight text must be at most %d characters", model.MaxInsightLength)
	}
	if !ins.Category.Valid() {
		return model.LearningEvent{}, fmt.Errorf("unknown category %q", ins.Category)
	}
	eventType := ins.EventType
	if eventType == "" {
		eventType = model.EventInsightGenerated
	}
	if !eventType.Valid() {
		return model.LearningEvent{}, fmt.Errorf("unknown event type %q", ins.EventType)
	}
	metadata := ins.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return model.LearningEvent{
		ID:              uuid.New(),
		KnowledgeBaseID: in.KnowledgeBaseID,
		Category:        ins.Category,
		EventType:       eventType,
		Insight:         text,
		Confidence:      confidence.Normalize(ins.Confidence),
		SourceType:      in.SourceType,
		SourceIDs:       append([]string{}, sourceIDs...),
		TriggeredBy:     in.TriggeredBy,
		Metadata:        metadata,
		CreatedAt:       createdAt,
		AppliedToFields: []string{},
	}, nil
}

// dedupText drops candidates textually similar to a recent event of the same
// category or to an earlier candidate of this batch. A failed lookup is
// logged and the category is checked against the batch only.
func (s *Service) dedupText(ctx context.Context, kbID uuid.UUID, cs []candidate, result *CreateResult) []candidate {
	since := s.now().Add(-s.cfg.DedupWindow)
	seen := make(map[model.Category][]string)
	loaded := make(map[model.Category]bool)

	out := cs[:0:0]
	for _, c := range cs {
		cat := c.event.Category
		if !loaded[cat] {
			loaded[cat] = true
			recent, err := s.events.RecentEventsByCategory(ctx, kbID, cat, since)
			if err != nil {
				s.logger.Warn("learning: duplicate lookup failed",
					"knowledge_base_id", kbID, "category", cat, "error", err)
			}
			for _, e := range recent {
				seen[cat] = append(seen[cat], e.Insight)
			}
		}
		if i := similarity.FindDuplicate(c.event.Insight, seen[cat], s.cfg.TextThreshold); i >= 0 {
			result.DuplicatesFiltered++
			result.Duplicates = append(result.Duplicates,
				fmt.Sprintf("insight %d: similar to existing insight %q", c.index, seen[cat][i]))
			continue
		}
		seen[cat] = append(seen[cat], c.event.Insight)
		out = append(out, c)
	}
	return out
}

// dedupSemantic embeds the surviving candidates and drops those close in
// meaning to an existing event or an earlier candidate. Embedding failures
// disable the stage for this call; the events are stored without vectors.
func (s *Service) dedupSemantic(ctx context.Context, kbID uuid.UUID, cs []candidate, result *CreateResult) []candidate {
	if len(cs) == 0 {
		return cs
	}
	texts := make([]string, len(cs))
	for i, c := range cs {
		texts[i] = c.event.Insight
	}
	start := time.Now()
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	s.embeddingDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil || len(vecs) != len(cs) {
		s.logger.Warn("learning: semantic dedup disabled for this batch",
			"knowledge_base_id", kbID, "error", err, "vectors", len(vecs), "insights", len(cs))
		return cs
	}

	type accepted struct {
		category model.Category
		vec      []float32
	}
	var kept []accepted
	out := cs[:0:0]

outer:
	for i, c := range cs {
		vec := vecs[i].Slice()
		for _, k := range kept {
			if k.category != c.event.Category {
				continue
			}
			if score, err := similarity.Cosine(vec, k.vec); err == nil && score >= s.cfg.SemanticThreshold {
				result.DuplicatesFiltered++
				result.Duplicates = append(result.Duplicates,
					fmt.Sprintf("insight %d: semantically similar to an earlier insight (%.2f)", c.index, score))
				continue outer
			}
		}
		if dup, reason := s.semanticMatch(ctx, kbID, c.event, vec); dup {
			result.DuplicatesFiltered++
			result.Duplicates = append(result.Duplicates, fmt.Sprintf("insight %d: %s", c.index, reason))
			continue
		}
		v := vecs[i]
		c.embedding = &v
		kept = append(kept, accepted{category: c.event.Category, vec: vec})
		out = append(out, c)
	}
	return out
}

// semanticMatch compares one embedded candidate with stored events, through
// the candidate index when one is wired and pairwise otherwise.
func (s *Service) semanticMatch(ctx context.Context, kbID uuid.UUID, e model.LearningEvent, vec []float32) (bool, string) {
	if s.candidates != nil {
		hits, err := s.candidates.FindSimilarEvents(ctx, kbID, e.Category, vec, semanticCandidateLimit)
		if err != nil {
			s.logger.Warn("learning: similar event search failed", "knowledge_base_id", kbID, "error", err)
			return false, ""
		}
		for _, h := range hits {
			if float64(h.Score) >= s.cfg.SemanticThreshold {
				return true, fmt.Sprintf("semantically similar to event %s (%.2f)", h.EventID, h.Score)
			}
		}
		return false, ""
	}

	recent, err := s.events.RecentEventsByCategory(ctx, kbID, e.Category, s.now().Add(-s.cfg.DedupWindow))
	if err != nil || len(recent) == 0 {
		return false, ""
	}
	texts := make([]string, len(recent))
	for i, r := range recent {
		texts[i] = r.Insight
	}
	i, score, err := s.matcher.FindDuplicate(ctx, e.Insight, texts)
	if err != nil {
		s.logger.Warn("learning: semantic comparison failed", "knowledge_base_id", kbID, "error", err)
		return false, ""
	}
	if i < 0 {
		return false, ""
	}
	return true, fmt.Sprintf("semantically similar to event %s (%.2f)", recent[i].ID, score)
}

func (s *Service) indexEvents(ctx context.Context, events []model.LearningEvent) {
	if s.index == nil {
		return
	}
	var withVec []model.LearningEvent
	for _, e := range events {
		if e.Embedding != nil {
			withVec = append(withVec, e)
		}
	}
	if len(withVec) == 0 {
		return
	}
	if err := s.index.IndexEvents(ctx, withVec); err != nil {
		s.logger.Warn("learning: index events failed", "events", len(withVec), "error", err)
	}
}
