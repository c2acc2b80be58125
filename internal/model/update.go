package model

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// KnowledgeUpdate is a partial write to a knowledge base computed by one
// apply pass. Nil or empty members leave the stored value untouched.
// Every update bumps Version and EnrichmentVersion by one and stamps
// LastEnrichedAt.
type KnowledgeUpdate struct {
	Fields       map[string]string
	ToolStack    []string
	BagEntries   map[string]Value
	FieldHistory map[string][]HistoryEntry
}

// IsEmpty reports whether u writes nothing.
func (u KnowledgeUpdate) IsEmpty() bool {
	return len(u.Fields) == 0 && u.ToolStack == nil && len(u.BagEntries) == 0 && len(u.FieldHistory) == 0
}

// ApplyTo merges u into kb in memory the same way storage merges it.
func (u KnowledgeUpdate) ApplyTo(kb *KnowledgeBase, now time.Time) {
	if len(u.Fields) > 0 {
		if kb.Fields == nil {
			kb.Fields = make(map[string]string, len(u.Fields))
		}
		maps.Copy(kb.Fields, u.Fields)
	}
	if u.ToolStack != nil {
		kb.ToolStack = append([]string(nil), u.ToolStack...)
	}
	for k, v := range u.BagEntries {
		kb.Bag.Set(k, v.Clone())
	}
	if len(u.FieldHistory) > 0 {
		if kb.Bag.FieldHistory == nil {
			kb.Bag.FieldHistory = make(map[string][]HistoryEntry, len(u.FieldHistory))
		}
		for k, h := range u.FieldHistory {
			kb.Bag.FieldHistory[k] = append([]HistoryEntry(nil), h...)
		}
	}
	kb.Version++
	kb.EnrichmentVersion++
	kb.LastEnrichedAt = &now
	kb.UpdatedAt = now
}

// SimilarEvent is a semantic neighbour returned by a candidate index.
type SimilarEvent struct {
	EventID uuid.UUID
	Score   float32
}
