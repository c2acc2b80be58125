package learning_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/manabi/internal/audit"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/storage"
)

// memStore is an in-memory EventStore and KnowledgeStore with the same
// ordering and idempotence rules as the Postgres store.
type memStore struct {
	mu     sync.Mutex
	kbs    map[uuid.UUID]model.KnowledgeBase
	events []model.LearningEvent

	pageCalls atomic.Int64
	updates   atomic.Int64
	updateErr error
	recentErr error
}

func newMemStore() *memStore {
	return &memStore{kbs: map[uuid.UUID]model.KnowledgeBase{}}
}

func (s *memStore) addKB(kb model.KnowledgeBase) model.KnowledgeBase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kb.ID == uuid.Nil {
		kb.ID = uuid.New()
	}
	if kb.Fields == nil {
		kb.Fields = map[string]string{}
	}
	if kb.ToolStack == nil {
		kb.ToolStack = []string{}
	}
	if kb.Version == 0 {
		kb.Version = 1
	}
	s.kbs[kb.ID] = cloneKB(kb)
	return cloneKB(kb)
}

func (s *memStore) addEvent(e model.LearningEvent) model.LearningEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.EventType == "" {
		e.EventType = model.EventInsightGenerated
	}
	if e.SourceType == "" {
		e.SourceType = model.SourceManual
	}
	s.events = append(s.events, e)
	return e
}

func (s *memStore) event(id uuid.UUID) model.LearningEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == id {
			return e
		}
	}
	return model.LearningEvent{}
}

func (s *memStore) eventsFor(kbID uuid.UUID) []model.LearningEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LearningEvent
	for _, e := range s.events {
		if e.KnowledgeBaseID == kbID {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) InsertLearningEvents(_ context.Context, events []model.LearningEvent) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, e := range events {
		if slices.ContainsFunc(s.events, func(x model.LearningEvent) bool { return x.ID == e.ID }) {
			continue
		}
		s.events = append(s.events, e)
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (s *memStore) RecentEventsByCategory(_ context.Context, kbID uuid.UUID, category model.Category, since time.Time) ([]model.LearningEvent, error) {
	if s.recentErr != nil {
		return nil, s.recentErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LearningEvent
	for _, e := range s.events {
		if e.KnowledgeBaseID == kbID && e.Category == category && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b model.LearningEvent) int { return -compareEvents(a, b) })
	return out, nil
}

func (s *memStore) UnappliedEventsPage(_ context.Context, kbID uuid.UUID, minConfidence int, cursor model.EventCursor, limit int) ([]model.LearningEvent, error) {
	s.pageCalls.Add(1)
	return s.page(kbID, cursor, limit, func(e model.LearningEvent) bool {
		return !e.Applied && e.Confidence >= minConfidence
	}), nil
}

func (s *memStore) AppliedEventsPage(_ context.Context, kbID uuid.UUID, cursor model.EventCursor, limit int) ([]model.LearningEvent, error) {
	return s.page(kbID, cursor, limit, func(e model.LearningEvent) bool { return e.Applied }), nil
}

func (s *memStore) page(kbID uuid.UUID, cursor model.EventCursor, limit int, keep func(model.LearningEvent) bool) []model.LearningEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LearningEvent
	for _, e := range s.events {
		if e.KnowledgeBaseID != kbID || !keep(e) {
			continue
		}
		if !cursor.IsZero() && compareEvents(e, model.LearningEvent{CreatedAt: cursor.CreatedAt, ID: cursor.ID}) <= 0 {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, compareEvents)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func compareEvents(a, b model.LearningEvent) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

func (s *memStore) MarkEventsApplied(_ context.Context, marks []model.AppliedMark) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, m := range marks {
		for i := range s.events {
			if s.events[i].ID == m.EventID && !s.events[i].Applied {
				s.events[i].Applied = true
				s.events[i].AppliedAt = &now
				s.events[i].AppliedToFields = m.Fields
				n++
			}
		}
	}
	return n, nil
}

func (s *memStore) CountEvents(_ context.Context, kbID uuid.UUID) (storage.EventCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c storage.EventCounts
	for _, e := range s.events {
		if e.KnowledgeBaseID != kbID {
			continue
		}
		c.Total++
		if e.Applied {
			c.Applied++
		} else {
			c.Pending++
		}
	}
	return c, nil
}

func (s *memStore) GetKnowledgeBase(_ context.Context, id uuid.UUID) (model.KnowledgeBase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kb, ok := s.kbs[id]
	if !ok {
		return model.KnowledgeBase{}, storage.ErrNotFound
	}
	return cloneKB(kb), nil
}

func (s *memStore) UpdateKnowledgeBase(_ context.Context, id uuid.UUID, u model.KnowledgeUpdate) (model.KnowledgeBase, error) {
	if s.updateErr != nil {
		return model.KnowledgeBase{}, s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kb, ok := s.kbs[id]
	if !ok {
		return model.KnowledgeBase{}, storage.ErrNotFound
	}
	u.ApplyTo(&kb, time.Now().UTC())
	s.kbs[id] = cloneKB(kb)
	s.updates.Add(1)
	return cloneKB(kb), nil
}

func cloneKB(kb model.KnowledgeBase) model.KnowledgeBase {
	b, err := json.Marshal(kb)
	if err != nil {
		panic(err)
	}
	var out model.KnowledgeBase
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return out
}

// jobLog captures provenance jobs synchronously.
type jobLog struct {
	mu   sync.Mutex
	jobs []audit.Job
}

func (l *jobLog) Record(job audit.Job) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append(l.jobs, job)
	return true
}

func (l *jobLog) entries(action model.AuditAction) []model.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.AuditEntry
	for _, j := range l.jobs {
		for _, e := range j.Entries {
			if e.Action == action {
				out = append(out, e)
			}
		}
	}
	return out
}

func (l *jobLog) snapshots() []model.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Snapshot
	for _, j := range l.jobs {
		if j.Snapshot != nil {
			out = append(out, *j.Snapshot)
		}
	}
	return out
}

// keywordEmbedder maps texts mentioning "invoice" to one direction and
// everything else to an orthogonal one.
type keywordEmbedder struct {
	err   error
	calls atomic.Int64
}

func (k *keywordEmbedder) Dimensions() int { return 2 }

func (k *keywordEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := k.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

func (k *keywordEmbedder) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	k.calls.Add(1)
	if k.err != nil {
		return nil, k.err
	}
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		if strings.Contains(strings.ToLower(t), "invoice") {
			out[i] = pgvector.NewVector([]float32{1, 0})
		} else {
			out[i] = pgvector.NewVector([]float32{0, 1})
		}
	}
	return out, nil
}

// fixedFinder returns canned neighbours.
type fixedFinder struct {
	hits []model.SimilarEvent
	err  error
}

func (f fixedFinder) FindSimilarEvents(context.Context, uuid.UUID, model.Category, []float32, int) ([]model.SimilarEvent, error) {
	return f.hits, f.err
}

// panickingTools fails every tool extraction.
type panickingTools struct{}

func (panickingTools) Extract(string, map[string]any, []string) []string {
	panic("tool extractor exploded")
}

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
