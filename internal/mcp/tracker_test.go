package mcp

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestApplyTracker_RecordAndCheck(t *testing.T) {
	tracker := newApplyTracker(time.Hour)
	kb := uuid.New()

	if tracker.WasApplied(kb) {
		t.Fatal("expected WasApplied to return false before any Record")
	}

	tracker.Record(kb)

	if !tracker.WasApplied(kb) {
		t.Fatal("expected WasApplied to return true after Record")
	}
	if tracker.WasApplied(uuid.New()) {
		t.Fatal("expected WasApplied to return false for a different knowledge base")
	}
}

func TestApplyTracker_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tracker := newApplyTracker(time.Minute)
	tracker.now = func() time.Time { return now }
	kb := uuid.New()

	tracker.Record(kb)
	now = now.Add(2 * time.Minute)

	if tracker.WasApplied(kb) {
		t.Fatal("expected WasApplied to return false after window expired")
	}
	if _, ok := tracker.runs[kb]; ok {
		t.Fatal("expected expired entry to be removed")
	}
}

func TestApplyTracker_PurgeStale(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tracker := newApplyTracker(time.Minute)
	tracker.now = func() time.Time { return now }

	for range 1000 {
		tracker.Record(uuid.New())
	}
	now = now.Add(2 * time.Minute)
	fresh := uuid.New()
	tracker.Record(fresh)

	if len(tracker.runs) != 1 {
		t.Fatalf("expected stale entries to be purged, got %d", len(tracker.runs))
	}
	if !tracker.WasApplied(fresh) {
		t.Fatal("expected the fresh entry to survive the purge")
	}
}
