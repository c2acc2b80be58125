package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// applyTracker records recent manabi_apply_events calls so
// manabi_create_events can remind callers that new events stay pending until
// applied. In-memory and per-process; the reminder is advisory.
type applyTracker struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]time.Time
	window time.Duration
	now    func() time.Time
}

func newApplyTracker(window time.Duration) *applyTracker {
	return &applyTracker{
		runs:   make(map[uuid.UUID]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Record notes an apply run for the knowledge base.
func (t *applyTracker) Record(kbID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[kbID] = t.now()

	if len(t.runs) > 1000 {
		t.purgeStale()
	}
}

// WasApplied reports whether the knowledge base had an apply run within the window.
func (t *applyTracker) WasApplied(kbID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.runs[kbID]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.runs, kbID)
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *applyTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.runs {
		if now.Sub(ts) > t.window {
			delete(t.runs, k)
		}
	}
}
