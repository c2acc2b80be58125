package conflicts

import (
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/manabi/internal/model"
)

// RecordHistory appends a replacement record for field, keeping only the
// most recent model.MaxFieldHistoryEntries. It returns the updated list.
func RecordHistory(history map[string][]model.HistoryEntry, field string, previous, next model.Value, eventID uuid.UUID, at time.Time) []model.HistoryEntry {
	entries := append(history[field], model.HistoryEntry{
		PreviousValue: previous.Clone(),
		NewValue:      next.Clone(),
		ChangedAt:     at,
		EventID:       eventID,
	})
	if over := len(entries) - model.MaxFieldHistoryEntries; over > 0 {
		entries = append([]model.HistoryEntry(nil), entries[over:]...)
	}
	history[field] = entries
	return entries
}
