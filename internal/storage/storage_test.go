package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/storage"
	"github.com/ashita-ai/manabi/internal/testutil"
	"github.com/ashita-ai/manabi/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func newKB(t *testing.T) model.KnowledgeBase {
	t.Helper()
	kb, err := testDB.CreateKnowledgeBase(context.Background(), model.KnowledgeBase{
		Name:      "Acme Bookkeeping",
		Fields:    map[string]string{model.FieldIndustry: "Accounting"},
		ToolStack: []string{"Slack"},
	})
	require.NoError(t, err)
	return kb
}

func newEvent(kbID uuid.UUID, category model.Category, insight string, confidence int, createdAt time.Time) model.LearningEvent {
	return model.LearningEvent{
		ID:              uuid.New(),
		KnowledgeBaseID: kbID,
		Category:        category,
		EventType:       model.EventInsightGenerated,
		Insight:         insight,
		Confidence:      confidence,
		SourceType:      model.SourceDocument,
		SourceIDs:       []string{"doc-1"},
		Metadata:        map[string]any{"bottleneck": "invoicing"},
		CreatedAt:       createdAt,
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.RunMigrations(ctx, migrations.FS))

	applied, err := testDB.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_knowledge_bases.sql", "002_learning_events.sql"}, applied)
}

func TestCreateAndGetKnowledgeBase(t *testing.T) {
	ctx := context.Background()
	kb := newKB(t)
	assert.Equal(t, 1, kb.Version)
	assert.Equal(t, 0, kb.EnrichmentVersion)
	assert.Nil(t, kb.LastEnrichedAt)

	got, err := testDB.GetKnowledgeBase(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Bookkeeping", got.Name)
	assert.Equal(t, "Accounting", got.Fields[model.FieldIndustry])
	assert.Equal(t, []string{"Slack"}, got.ToolStack)
}

func TestGetKnowledgeBaseNotFound(t *testing.T) {
	_, err := testDB.GetKnowledgeBase(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertLearningEventsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	kb := newKB(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	events := []model.LearningEvent{
		newEvent(kb.ID, model.CategoryBusinessContext, "Invoicing is done by hand every Friday", 85, now),
		newEvent(kb.ID, model.CategoryWorkflowPatterns, "The team uses Slack for all communication", 70, now.Add(time.Second)),
	}
	vec := pgvector.NewVector([]float32{1, 0, 0})
	events[0].Embedding = &vec

	ids, err := testDB.InsertLearningEvents(ctx, events)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{events[0].ID, events[1].ID}, ids)

	ids, err = testDB.InsertLearningEvents(ctx, events)
	require.NoError(t, err)
	assert.Empty(t, ids, "re-inserting the same ids is a no-op")

	got, err := testDB.GetLearningEvent(ctx, events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Invoicing is done by hand every Friday", got.Insight)
	assert.Equal(t, model.SourceDocument, got.SourceType)
	assert.Equal(t, []string{"doc-1"}, got.SourceIDs)
	assert.Equal(t, "invoicing", got.Metadata["bottleneck"])
	assert.False(t, got.Applied)
	require.NotNil(t, got.Embedding)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding.Slice())

	counts, err := testDB.CountEvents(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.EventCounts{Total: 2, Applied: 0, Pending: 2}, counts)
}

func TestRecentEventsByCategory(t *testing.T) {
	ctx := context.Background()
	kb := newKB(t)
	now := time.Now().UTC()

	_, err := testDB.InsertLearningEvents(ctx, []model.LearningEvent{
		newEvent(kb.ID, model.CategoryHiringPatterns, "Hiring a part-time bookkeeper this spring", 80, now.Add(-40*24*time.Hour)),
		newEvent(kb.ID, model.CategoryHiringPatterns, "Looking for a senior accountant in Q3", 80, now.Add(-time.Hour)),
		newEvent(kb.ID, model.CategoryRiskManagement, "Key client makes up half of revenue", 80, now),
	})
	require.NoError(t, err)

	got, err := testDB.RecentEventsByCategory(ctx, kb.ID, model.CategoryHiringPatterns, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Looking for a senior accountant in Q3", got[0].Insight)
}

func TestUnappliedEventsPagination(t *testing.T) {
	ctx := context.Background()
	kb := newKB(t)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

	var events []model.LearningEvent
	for i := range 7 {
		conf := 90
		if i == 3 {
			conf = 40
		}
		events = append(events, newEvent(kb.ID, model.CategoryServicePatterns,
			fmt.Sprintf("Service pattern number %d observed", i), conf, base.Add(time.Duration(i)*time.Minute)))
	}
	_, err := testDB.InsertLearningEvents(ctx, events)
	require.NoError(t, err)

	var (
		cursor model.EventCursor
		seen   []string
		pages  int
	)
	for {
		page, err := testDB.UnappliedEventsPage(ctx, kb.ID, 80, cursor, 2)
		require.NoError(t, err)
		pages++
		for _, e := range page {
			seen = append(seen, e.Insight)
		}
		if len(page) < 2 {
			break
		}
		cursor = model.CursorAfter(page[len(page)-1])
	}
	assert.Equal(t, 4, pages, "six qualifying events in pages of two, plus the empty tail page")
	assert.Len(t, seen, 6)
	assert.NotContains(t, seen, "Service pattern number 3 observed")
	assert.Equal(t, "Service pattern number 0 observed", seen[0])
	assert.Equal(t, "Service pattern number 6 observed", seen[5])
}

func TestMarkEventsAppliedAtMostOnce(t *testing.T) {
	ctx := context.Background()
	kb := newKB(t)
	e := newEvent(kb.ID, model.CategoryWorkflowPatterns, "The team switched to Notion last year", 90, time.Now().UTC())
	_, err := testDB.InsertLearningEvents(ctx, []model.LearningEvent{e})
	require.NoError(t, err)

	n, err := testDB.MarkEventsApplied(ctx, []model.AppliedMark{{EventID: e.ID, Fields: []string{"toolStack"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = testDB.MarkEventsApplied(ctx, []model.AppliedMark{{EventID: e.ID, Fields: []string{"industry"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "already applied rows never transition again")

	got, err := testDB.GetLearningEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Applied)
	assert.NotNil(t, got.AppliedAt)
	assert.Equal(t, []string{"toolStack"}, got.AppliedToFields)

	page, err := testDB.AppliedEventsPage(ctx, kb.ID, model.EventCursor{}, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, e.ID, page[0].ID)
}

func TestUpdateKnowledgeBaseMergesAndBumpsVersions(t *testing.T) {
	ctx := context.Background()
	kb := newKB(t)

	require.NoError(t, testDB.AppendAudit(ctx, kb.ID, []model.AuditEntry{{
		EventID: uuid.New(), Action: model.AuditCreated, Timestamp: time.Now().UTC(),
	}}))

	eventID := uuid.New()
	updated, err := testDB.UpdateKnowledgeBase(ctx, kb.ID, model.KnowledgeUpdate{
		Fields:     map[string]string{model.FieldBiggestBottleneck: "manual invoicing"},
		ToolStack:  []string{"Slack", "Notion"},
		BagEntries: map[string]model.Value{"riskFactors": model.ListValue("Key client concentration")},
		FieldHistory: map[string][]model.HistoryEntry{
			model.FieldIndustry: {{PreviousValue: model.StringValue("Retail"), NewValue: model.StringValue("Accounting"), EventID: eventID}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, kb.Version+1, updated.Version)
	assert.Equal(t, kb.EnrichmentVersion+1, updated.EnrichmentVersion)
	assert.NotNil(t, updated.LastEnrichedAt)
	assert.Equal(t, "Accounting", updated.Fields[model.FieldIndustry], "untouched fields survive")
	assert.Equal(t, "manual invoicing", updated.Fields[model.FieldBiggestBottleneck])
	assert.Equal(t, []string{"Slack", "Notion"}, updated.ToolStack)
	assert.Equal(t, []string{"Key client concentration"}, updated.Bag.Get("riskFactors").List())
	assert.Len(t, updated.Bag.AuditLog, 1, "audit log is not clobbered by field writes")
	require.Len(t, updated.Bag.FieldHistory[model.FieldIndustry], 1)
	assert.Equal(t, eventID, updated.Bag.FieldHistory[model.FieldIndustry][0].EventID)

	// A second update without tool stack leaves it unchanged.
	again, err := testDB.UpdateKnowledgeBase(ctx, kb.ID, model.KnowledgeUpdate{
		BagEntries: map[string]model.Value{"workflowNeeds": model.ListValue("Automated reminders")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Slack", "Notion"}, again.ToolStack)
	assert.Equal(t, []string{"Key client concentration"}, again.Bag.Get("riskFactors").List())
	assert.Len(t, again.Bag.FieldHistory[model.FieldIndustry], 1)
}

func TestUpdateKnowledgeBaseNotFound(t *testing.T) {
	_, err := testDB.UpdateKnowledgeBase(context.Background(), uuid.New(), model.KnowledgeUpdate{
		Fields: map[string]string{model.FieldIndustry: "x"},
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAppendAuditCapsAtLimit(t *testing.T) {
	ctx := context.Background()
	kb := newKB(t)

	batch := func(n int, action model.AuditAction) []model.AuditEntry {
		out := make([]model.AuditEntry, n)
		for i := range out {
			out[i] = model.AuditEntry{EventID: uuid.New(), Action: action, Timestamp: time.Now().UTC()}
		}
		return out
	}
	require.NoError(t, testDB.AppendAudit(ctx, kb.ID, batch(model.MaxAuditEntries-2, model.AuditCreated)))
	last := batch(5, model.AuditApplied)
	require.NoError(t, testDB.AppendAudit(ctx, kb.ID, last))

	got, err := testDB.GetKnowledgeBase(ctx, kb.ID)
	require.NoError(t, err)
	require.Len(t, got.Bag.AuditLog, model.MaxAuditEntries)
	assert.Equal(t, last[4].EventID, got.Bag.AuditLog[model.MaxAuditEntries-1].EventID)
	assert.Equal(t, kb.Version, got.Version, "provenance writes do not bump the version")
}

func TestAppendSnapshotCapsAtLimit(t *testing.T) {
	ctx := context.Background()
	kb := newKB(t)

	var lastID uuid.UUID
	for i := range model.MaxSnapshots + 3 {
		lastID = uuid.New()
		require.NoError(t, testDB.AppendSnapshot(ctx, kb.ID, model.Snapshot{
			ID: lastID, KnowledgeBaseID: kb.ID, Version: i + 1, CreatedAt: time.Now().UTC(),
		}))
	}

	got, err := testDB.GetKnowledgeBase(ctx, kb.ID)
	require.NoError(t, err)
	require.Len(t, got.Bag.Snapshots, model.MaxSnapshots)
	assert.Equal(t, 4, got.Bag.Snapshots[0].Version, "oldest three evicted")
	assert.Equal(t, lastID, got.Bag.Snapshots[model.MaxSnapshots-1].ID)
}

func TestAppendAuditUnknownKnowledgeBase(t *testing.T) {
	err := testDB.AppendAudit(context.Background(), uuid.New(), []model.AuditEntry{{EventID: uuid.New()}})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindSimilarEvents(t *testing.T) {
	ctx := context.Background()
	kb := newKB(t)
	now := time.Now().UTC()

	withVec := func(e model.LearningEvent, v ...float32) model.LearningEvent {
		vec := pgvector.NewVector(v)
		e.Embedding = &vec
		return e
	}
	near := withVec(newEvent(kb.ID, model.CategoryProcessOptimization, "Automate invoice reminders", 80, now), 1, 0.1, 0)
	far := withVec(newEvent(kb.ID, model.CategoryProcessOptimization, "Outsource payroll processing", 80, now), 0, 0, 1)
	other := withVec(newEvent(kb.ID, model.CategoryRiskManagement, "Automate invoice reminders too", 80, now), 1, 0, 0)
	_, err := testDB.InsertLearningEvents(ctx, []model.LearningEvent{near, far, other})
	require.NoError(t, err)

	got, err := testDB.FindSimilarEvents(ctx, kb.ID, model.CategoryProcessOptimization, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 2, "filtered by category")
	assert.Equal(t, near.ID, got[0].EventID)
	assert.Greater(t, got[0].Score, float32(0.9))
	assert.Less(t, got[1].Score, float32(0.1))
}

func TestLockKnowledgeBaseSerializes(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	unlock, err := testDB.LockKnowledgeBase(ctx, id)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		unlock2, err := testDB.LockKnowledgeBase(ctx, id)
		if err == nil {
			close(acquired)
			unlock2()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(200 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second lock not acquired after release")
	}
}

func TestLockKnowledgeBaseHonoursContext(t *testing.T) {
	id := uuid.New()
	unlock, err := testDB.LockKnowledgeBase(context.Background(), id)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = testDB.LockKnowledgeBase(ctx, id)
	require.Error(t, err)
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelEvents))
	kbID := uuid.New().String()
	require.NoError(t, testDB.Notify(ctx, storage.ChannelEvents, kbID))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelEvents, channel)
	assert.Equal(t, kbID, payload)
}

func TestPendingKnowledgeBases(t *testing.T) {
	ctx := context.Background()
	strong := newKB(t)
	weak := newKB(t)
	done := newKB(t)
	now := time.Now().UTC()

	applied := newEvent(done.ID, model.CategoryWorkflowPatterns, "They rely on QuickBooks for invoicing", 95, now)
	_, err := testDB.InsertLearningEvents(ctx, []model.LearningEvent{
		newEvent(strong.ID, model.CategoryProcessOptimization, "Month end close takes two weeks", 90, now),
		newEvent(weak.ID, model.CategoryServicePreferences, "Maybe they dislike spreadsheets", 30, now),
		applied,
	})
	require.NoError(t, err)
	_, err = testDB.MarkEventsApplied(ctx, []model.AppliedMark{{EventID: applied.ID}})
	require.NoError(t, err)

	ids, err := testDB.PendingKnowledgeBases(ctx, 80)
	require.NoError(t, err)
	assert.Contains(t, ids, strong.ID)
	assert.NotContains(t, ids, weak.ID, "below the confidence threshold")
	assert.NotContains(t, ids, done.ID, "nothing left to apply")
}
