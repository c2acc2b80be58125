package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/manabi/internal/conflicts"
	"github.com/ashita-ai/manabi/internal/fieldmap"
	"github.com/ashita-ai/manabi/internal/model"
)

// Replayer rebuilds knowledge base state by re-applying applied events, in
// creation order, to an empty seed.
//
// The result is approximate and meant for diagnostics: events are replayed
// one by one at their stored confidence with no decay, batching or
// scheduling, and fields set outside the event log are absent.
type Replayer struct {
	mapper *fieldmap.Mapper
	kb     model.KnowledgeBase

	replayed int
	skipped  []uuid.UUID
}

// NewReplayer starts a replay for knowledge base id.
func NewReplayer(id uuid.UUID, mapper *fieldmap.Mapper) *Replayer {
	if mapper == nil {
		mapper = fieldmap.New(nil)
	}
	return &Replayer{
		mapper: mapper,
		kb: model.KnowledgeBase{
			ID:     id,
			Fields: map[string]string{},
		},
	}
}

// Apply replays one event.
func (r *Replayer) Apply(e model.LearningEvent) {
	m, err := r.mapper.Map(e, &r.kb)
	if err != nil || m == nil || !m.ShouldApply {
		r.skipped = append(r.skipped, e.ID)
		return
	}

	current := m.Target.Current(&r.kb)
	res := conflicts.Resolve(current, m.Value, e.Confidence)
	if !res.ShouldApply {
		r.skipped = append(r.skipped, e.ID)
		return
	}
	next := conflicts.Apply(current, m.Value, res)

	u := model.KnowledgeUpdate{}
	switch m.Target.Kind {
	case fieldmap.TargetScalar:
		u.Fields = map[string]string{m.Target.Name: next.Str()}
		if res.TrackHistory {
			if r.kb.Bag.FieldHistory == nil {
				r.kb.Bag.FieldHistory = map[string][]model.HistoryEntry{}
			}
			conflicts.RecordHistory(r.kb.Bag.FieldHistory, m.Target.Name, current, next, e.ID, e.CreatedAt)
		}
	case fieldmap.TargetTools:
		u.ToolStack = next.List()
	case fieldmap.TargetBag:
		u.BagEntries = map[string]model.Value{m.Target.Name: next}
	}
	u.ApplyTo(&r.kb, e.CreatedAt)
	r.replayed++
}

// Result is the outcome of a replay.
type Result struct {
	KnowledgeBase  model.KnowledgeBase `json:"knowledge_base"`
	EventsReplayed int                 `json:"events_replayed"`
	SkippedEvents  []uuid.UUID         `json:"skipped_events"`
	Approximate    bool                `json:"approximate"`
	GeneratedAt    time.Time           `json:"generated_at"`
}

// Result returns the reconstructed state.
func (r *Replayer) Result(now time.Time) Result {
	return Result{
		KnowledgeBase:  r.kb,
		EventsReplayed: r.replayed,
		SkippedEvents:  r.skipped,
		Approximate:    true,
		GeneratedAt:    now,
	}
}

// Replay runs a Replayer over events, which must be in creation order.
func Replay(id uuid.UUID, events []model.LearningEvent, now time.Time) Result {
	r := NewReplayer(id, nil)
	for _, e := range events {
		r.Apply(e)
	}
	return r.Result(now)
}
