package audit

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/manabi/internal/model"
)

// snapshotState is the part of a knowledge base captured by a snapshot.
type snapshotState struct {
	Fields       map[string]string               `json:"fields"`
	ToolStack    []string                        `json:"toolStack"`
	Entries      map[string]model.Value          `json:"entries"`
	FieldHistory map[string][]model.HistoryEntry `json:"fieldHistory"`
}

// BuildSnapshot captures kb after an apply pass. The copy is deep (a JSON
// round trip); if that fails, a shallow copy is used and deep is false.
// The audit log and earlier snapshots are never included.
func BuildSnapshot(kb model.KnowledgeBase, eventIDs []uuid.UUID, now time.Time) (snap model.Snapshot, deep bool) {
	snap = model.Snapshot{
		ID:                uuid.New(),
		KnowledgeBaseID:   kb.ID,
		Version:           kb.Version,
		EnrichmentVersion: kb.EnrichmentVersion,
		CreatedAt:         now,
		EventIDs:          append([]uuid.UUID(nil), eventIDs...),
	}

	state := snapshotState{
		Fields:       kb.Fields,
		ToolStack:    kb.ToolStack,
		Entries:      kb.Bag.Entries,
		FieldHistory: kb.Bag.FieldHistory,
	}
	if cloned, err := deepCopy(state); err == nil {
		snap.Fields, snap.ToolStack, snap.Entries, snap.FieldHistory = cloned.Fields, cloned.ToolStack, cloned.Entries, cloned.FieldHistory
		return snap, true
	}

	snap.Fields = maps.Clone(kb.Fields)
	snap.ToolStack = append([]string(nil), kb.ToolStack...)
	snap.Entries = maps.Clone(kb.Bag.Entries)
	snap.FieldHistory = maps.Clone(kb.Bag.FieldHistory)
	return snap, false
}

func deepCopy(s snapshotState) (snapshotState, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return snapshotState{}, err
	}
	var out snapshotState
	if err := json.Unmarshal(b, &out); err != nil {
		return snapshotState{}, err
	}
	return out, nil
}
