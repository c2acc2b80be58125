package learning

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashita-ai/manabi/internal/audit"
	"github.com/ashita-ai/manabi/internal/confidence"
	"github.com/ashita-ai/manabi/internal/conflicts"
	"github.com/ashita-ai/manabi/internal/fieldmap"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/scheduler"
)

// ApplyInput selects the pending events to merge. Zero values take the
// service configuration.
type ApplyInput struct {
	KnowledgeBaseID uuid.UUID
	MinConfidence   int
	BatchSize       int
	Decay           *confidence.DecayConfig
}

// ApplyResult summarizes one apply call.
type ApplyResult struct {
	Success           bool     `json:"success"`
	EventsApplied     int      `json:"events_applied"`
	EventsSkipped     int      `json:"events_skipped"`
	FieldsUpdated     []string `json:"fields_updated"`
	EnrichmentVersion int      `json:"enrichment_version"`
	Pages             int      `json:"pages"`
	Errors            []string `json:"errors,omitempty"`
}

// applyRun is the state of one apply call.
type applyRun struct {
	kb      model.KnowledgeBase
	scorer  *confidence.Scorer
	minConf int
	now     time.Time

	marks   []model.AppliedMark
	entries []model.AuditEntry
	fields  []string
	applied int
	skipped int
	errs    []string
}

func (r *applyRun) skip(e model.LearningEvent, reason string) {
	r.skipped++
	r.entries = append(r.entries, model.AuditEntry{
		EventID:          e.ID,
		Action:           model.AuditSkipped,
		Reason:           reason,
		Timestamp:        r.now,
		ResultingVersion: r.kb.Version,
	})
}

func (r *applyRun) touch(field string) {
	if !slices.Contains(r.fields, field) {
		r.fields = append(r.fields, field)
	}
}

// fieldChange is the outcome of resolving one target group.
type fieldChange struct {
	target  fieldmap.Target
	value   model.Value
	history []model.HistoryEntry
	applied []appliedEvent
	skipped []skippedEvent
}

type appliedEvent struct {
	event    model.LearningEvent
	previous *model.Value
	next     *model.Value
}

type skippedEvent struct {
	event  model.LearningEvent
	reason string
}

// ApplyLearningEvents merges pending events into a knowledge base.
//
// Events are read page by page in creation order. Each page is filtered by
// decayed confidence, ordered by the scheduler and grouped by target field.
// Each group resolves against the current value in one step and every
// changed field of the page is written in one update. A failure in one field
// skips that field's events without affecting the others.
//
// Calls for the same knowledge base are serialized. Events end up applied at
// most once; skipped events stay pending.
func (s *Service) ApplyLearningEvents(ctx context.Context, in ApplyInput) (ApplyResult, error) {
	ctx, span := s.tracer.Start(ctx, "learning.apply")
	defer span.End()
	span.SetAttributes(attribute.String("knowledge_base_id", in.KnowledgeBaseID.String()))
	start := time.Now()
	defer func() {
		s.applyDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	if in.KnowledgeBaseID == uuid.Nil {
		return ApplyResult{}, ErrMissingKnowledgeBaseID
	}
	minConf := in.MinConfidence
	if minConf <= 0 {
		minConf = s.cfg.MinConfidence
	}
	minConf = confidence.Clamp(minConf)
	batch := in.BatchSize
	if batch <= 0 {
		batch = s.cfg.BatchSize
	}
	decay := s.cfg.Decay
	if in.Decay != nil {
		decay = *in.Decay
	}

	// 1. Exclusive access to the knowledge base.
	unlock, err := s.locker.LockKnowledgeBase(ctx, in.KnowledgeBaseID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("learning: apply: lock: %w", err)
	}
	defer unlock()

	// 2. Load the knowledge base.
	kb, err := s.knowledge.GetKnowledgeBase(ctx, in.KnowledgeBaseID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("learning: apply: %w", err)
	}

	run := &applyRun{
		kb:      kb,
		scorer:  confidence.NewScorer(decay, s.now),
		minConf: minConf,
		now:     s.now().UTC(),
	}

	// 3. Page through pending events.
	var cursor model.EventCursor
	var pageErr error
	pages := 0
	for {
		page, err := s.events.UnappliedEventsPage(ctx, in.KnowledgeBaseID, minConf, cursor, batch)
		pages++
		if err != nil {
			pageErr = fmt.Errorf("learning: apply: fetch events: %w", err)
			break
		}
		if len(page) == 0 {
			break
		}
		if err := s.applyPage(ctx, run, page); err != nil {
			pageErr = err
			break
		}
		cursor = model.CursorAfter(page[len(page)-1])
		if len(page) < batch {
			break
		}
	}

	// 4. Mark what was merged, even when a later page failed, so the next
	// call does not merge it twice.
	if len(run.marks) > 0 {
		if _, err := s.events.MarkEventsApplied(ctx, run.marks); err != nil {
			s.logger.Error("learning: mark events applied failed",
				"knowledge_base_id", in.KnowledgeBaseID, "events", len(run.marks), "error", err)
			run.errs = append(run.errs, fmt.Sprintf("mark applied: %v", err))
			if pageErr == nil {
				pageErr = fmt.Errorf("learning: apply: mark applied: %w", err)
			}
		}
	}

	// 5. Provenance.
	job := audit.Job{KnowledgeBaseID: in.KnowledgeBaseID, Entries: run.entries}
	if run.applied > 0 {
		ids := make([]uuid.UUID, len(run.marks))
		for i, m := range run.marks {
			ids[i] = m.EventID
		}
		snap, deep := audit.BuildSnapshot(run.kb, ids, run.now)
		if !deep {
			s.logger.Warn("learning: snapshot fell back to a shallow copy", "knowledge_base_id", in.KnowledgeBaseID)
		}
		job.Snapshot = &snap
	}
	s.record(job)

	s.eventsApplied.Add(ctx, int64(run.applied))
	s.eventsSkipped.Add(ctx, int64(run.skipped))
	span.SetAttributes(
		attribute.Int("events_applied", run.applied),
		attribute.Int("events_skipped", run.skipped),
		attribute.Int("enrichment_version", run.kb.EnrichmentVersion),
	)

	result := ApplyResult{
		Success:           pageErr == nil,
		EventsApplied:     run.applied,
		EventsSkipped:     run.skipped,
		FieldsUpdated:     run.fields,
		EnrichmentVersion: run.kb.EnrichmentVersion,
		Pages:             pages,
		Errors:            run.errs,
	}
	if result.FieldsUpdated == nil {
		result.FieldsUpdated = []string{}
	}
	if pageErr != nil {
		span.RecordError(pageErr)
		span.SetStatus(codes.Error, "apply incomplete")
		return result, pageErr
	}
	return result, nil
}

// applyPage filters, schedules, resolves and writes one page of events.
func (s *Service) applyPage(ctx context.Context, run *applyRun, page []model.LearningEvent) error {
	// Decay and threshold.
	items := make([]scheduler.Item, 0, len(page))
	for _, e := range page {
		adj, ok := run.scorer.Passes(e.Confidence, e.CreatedAt, run.minConf)
		if !ok {
			run.skip(e, confidence.SkipReasonBelowThreshold)
			continue
		}
		items = append(items, scheduler.Item{Event: e, Confidence: adj})
	}

	// Schedule and group by target.
	mappings := make(map[uuid.UUID]*fieldmap.Mapping, len(items))
	mapErrs := make(map[uuid.UUID]error)
	groups, unmapped := scheduler.GroupBy(scheduler.Order(items), func(it scheduler.Item) (string, fieldmap.Target, bool) {
		e := it.Event
		e.Confidence = it.Confidence
		m, err := s.mapEvent(e, &run.kb)
		if err != nil {
			run.errs = append(run.errs, fmt.Sprintf("event %s: %v", e.ID, err))
			mapErrs[e.ID] = err
			return "", fieldmap.Target{}, false
		}
		if m == nil {
			return "", fieldmap.Target{}, false
		}
		mappings[e.ID] = m
		return m.Target.Key(), m.Target, true
	})
	for _, it := range unmapped {
		if err, ok := mapErrs[it.Event.ID]; ok {
			run.skip(it.Event, err.Error())
			continue
		}
		run.skip(it.Event, fieldmap.UnmappedReason(it.Event.Category))
	}

	// Resolve each group; a failing group only affects itself.
	var changes []fieldChange
	update := model.KnowledgeUpdate{}
	for _, g := range groups {
		ch, err := s.resolveGroup(run, g, mappings)
		if err != nil {
			run.errs = append(run.errs, fmt.Sprintf("field %s: %v", g.Key, err))
			s.logger.Warn("learning: field resolution failed",
				"knowledge_base_id", run.kb.ID, "field", g.Key, "error", err)
			for _, it := range g.Items {
				run.skip(it.Event, "field error: "+err.Error())
			}
			continue
		}
		for _, sk := range ch.skipped {
			run.skip(sk.event, sk.reason)
		}
		if len(ch.applied) == 0 {
			continue
		}
		addToUpdate(&update, ch)
		changes = append(changes, ch)
	}
	if update.IsEmpty() {
		return nil
	}

	// Write and carry the new state into the next page.
	kb, err := s.knowledge.UpdateKnowledgeBase(ctx, run.kb.ID, update)
	if err != nil {
		for _, ch := range changes {
			for _, a := range ch.applied {
				run.skip(a.event, "knowledge base write failed")
			}
		}
		return fmt.Errorf("learning: apply: update knowledge base: %w", err)
	}
	run.kb = kb

	for _, ch := range changes {
		key := ch.target.Key()
		run.touch(key)
		for _, a := range ch.applied {
			run.applied++
			run.marks = append(run.marks, model.AppliedMark{EventID: a.event.ID, Fields: []string{key}})
			run.entries = append(run.entries, model.AuditEntry{
				EventID:          a.event.ID,
				Action:           model.AuditApplied,
				Timestamp:        run.now,
				ResultingVersion: kb.Version,
				FieldsAffected:   []string{key},
				PreviousValue:    a.previous,
				NewValue:         a.next,
			})
		}
	}
	return nil
}

// mapEvent maps one event, turning a panic in a tool extractor into an error.
func (s *Service) mapEvent(e model.LearningEvent, kb *model.KnowledgeBase) (m *fieldmap.Mapping, err error) {
	defer func() {
		if p := recover(); p != nil {
			m, err = nil, fmt.Errorf("mapping panicked: %v", p)
		}
	}()
	return s.mapper.Map(e, kb)
}

// SkipReasonSuperseded marks a string event that lost to an earlier event
// for the same field in the same page.
const SkipReasonSuperseded = "superseded by higher-priority event in batch"

// resolveGroup resolves a group's events against the target's value before
// the page, in scheduler order. List and object values merge event by event.
// A string value is decided once: the first applicable event wins and later
// differing events are skipped. Panics are returned as errors.
func (s *Service) resolveGroup(run *applyRun, g *scheduler.Group[fieldmap.Target], mappings map[uuid.UUID]*fieldmap.Mapping) (ch fieldChange, err error) {
	defer func() {
		if p := recover(); p != nil {
			ch, err = fieldChange{}, fmt.Errorf("resolve panicked: %v", p)
		}
	}()

	t := g.Target
	ch.target = t
	current := t.Current(&run.kb)
	value := current
	var history map[string][]model.HistoryEntry
	decided := false

	for _, it := range g.Items {
		m := mappings[it.Event.ID]
		if m == nil {
			return fieldChange{}, errors.New("missing mapping")
		}
		if decided && m.Value.Kind() == model.KindString {
			ch.skipped = append(ch.skipped, skippedEvent{event: it.Event, reason: supersededReason(current, value, m.Value, it.Confidence)})
			continue
		}
		res := conflicts.Resolve(value, m.Value, it.Confidence)
		if !res.ShouldApply {
			ch.skipped = append(ch.skipped, skippedEvent{event: it.Event, reason: res.Reason})
			continue
		}
		next := conflicts.Apply(value, m.Value, res)
		if err := checkShape(t, next); err != nil {
			return fieldChange{}, err
		}

		a := appliedEvent{event: it.Event}
		if t.Kind == fieldmap.TargetScalar {
			prev, nv := value.Clone(), next.Clone()
			a.previous, a.next = &prev, &nv
		}
		if res.TrackHistory {
			if history == nil {
				history = map[string][]model.HistoryEntry{
					t.Name: append([]model.HistoryEntry(nil), run.kb.Bag.FieldHistory[t.Name]...),
				}
			}
			ch.history = conflicts.RecordHistory(history, t.Name, value, next, it.Event.ID, run.now)
		}
		ch.applied = append(ch.applied, a)
		value = next
		if next.Kind() == model.KindString {
			decided = true
		}
	}
	ch.value = value
	return ch, nil
}

// supersededReason explains why a string event is dropped once another event
// has already decided the field. An event that would not have applied against
// the stored value keeps its own reason.
func supersededReason(stored, winner, next model.Value, conf int) string {
	if res := conflicts.Resolve(stored, next, conf); !res.ShouldApply {
		return res.Reason
	}
	if strings.EqualFold(strings.TrimSpace(winner.Str()), strings.TrimSpace(next.Str())) {
		return "value unchanged"
	}
	return SkipReasonSuperseded
}

// checkShape guards the typed columns against values they cannot hold.
func checkShape(t fieldmap.Target, v model.Value) error {
	switch t.Kind {
	case fieldmap.TargetScalar:
		if v.Kind() != model.KindString {
			return fmt.Errorf("scalar field needs a string, got %s", v.Kind())
		}
	case fieldmap.TargetTools:
		if v.Kind() != model.KindList {
			return fmt.Errorf("tool stack needs a list, got %s", v.Kind())
		}
	}
	return nil
}

func addToUpdate(u *model.KnowledgeUpdate, ch fieldChange) {
	switch ch.target.Kind {
	case fieldmap.TargetScalar:
		if u.Fields == nil {
			u.Fields = make(map[string]string)
		}
		u.Fields[ch.target.Name] = ch.value.Str()
		if ch.history != nil {
			if u.FieldHistory == nil {
				u.FieldHistory = make(map[string][]model.HistoryEntry)
			}
			u.FieldHistory[ch.target.Name] = ch.history
		}
	case fieldmap.TargetTools:
		u.ToolStack = append([]string{}, ch.value.List()...)
	case fieldmap.TargetBag:
		if u.BagEntries == nil {
			u.BagEntries = make(map[string]model.Value)
		}
		u.BagEntries[ch.target.Name] = ch.value
	}
}
