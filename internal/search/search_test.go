package search

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/manabi/internal/model"
)

type fakeIndex struct {
	healthErr error
	findErr   error
	hits      []model.SimilarEvent
	indexed   atomic.Int64
}

func (f *fakeIndex) FindSimilarEvents(context.Context, uuid.UUID, model.Category, []float32, int) ([]model.SimilarEvent, error) {
	return f.hits, f.findErr
}

func (f *fakeIndex) IndexEvents(_ context.Context, events []model.LearningEvent) error {
	f.indexed.Add(int64(len(events)))
	return nil
}

func (f *fakeIndex) Healthy(context.Context) error { return f.healthErr }

type fakeFinder struct {
	hits  []model.SimilarEvent
	calls atomic.Int64
}

func (f *fakeFinder) FindSimilarEvents(context.Context, uuid.UUID, model.Category, []float32, int) ([]model.SimilarEvent, error) {
	f.calls.Add(1)
	return f.hits, nil
}

func TestRank(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	in := []model.SimilarEvent{
		{EventID: a, Score: 0.5},
		{EventID: b, Score: 0.9},
		{EventID: a, Score: 0.95},
		{EventID: c, Score: 0.7},
	}

	got := Rank(in, 2)
	require.Len(t, got, 2)
	assert.Equal(t, model.SimilarEvent{EventID: a, Score: 0.95}, got[0])
	assert.Equal(t, b, got[1].EventID)
	assert.Equal(t, a, in[0].EventID, "input is not reordered")

	assert.Len(t, Rank(in, 0), 3, "no limit keeps every distinct event")
	assert.Empty(t, Rank(nil, 5))
}

func TestFallback(t *testing.T) {
	primaryHit := []model.SimilarEvent{{EventID: uuid.New(), Score: 0.97}}
	secondaryHit := []model.SimilarEvent{{EventID: uuid.New(), Score: 0.91}}
	ctx := context.Background()

	t.Run("healthy primary serves the query", func(t *testing.T) {
		secondary := &fakeFinder{hits: secondaryHit}
		f := NewFallback(&fakeIndex{hits: primaryHit}, secondary, testLogger())
		got, err := f.FindSimilarEvents(ctx, uuid.New(), model.CategoryWorkflowPatterns, []float32{1}, 3)
		require.NoError(t, err)
		assert.Equal(t, primaryHit, got)
		assert.Zero(t, secondary.calls.Load())
	})

	t.Run("unhealthy primary falls back", func(t *testing.T) {
		secondary := &fakeFinder{hits: secondaryHit}
		f := NewFallback(&fakeIndex{healthErr: errors.New("down"), hits: primaryHit}, secondary, testLogger())
		got, err := f.FindSimilarEvents(ctx, uuid.New(), model.CategoryWorkflowPatterns, []float32{1}, 3)
		require.NoError(t, err)
		assert.Equal(t, secondaryHit, got)
		assert.Equal(t, int64(1), secondary.calls.Load())
	})

	t.Run("query error falls back", func(t *testing.T) {
		secondary := &fakeFinder{hits: secondaryHit}
		f := NewFallback(&fakeIndex{findErr: errors.New("timeout")}, secondary, testLogger())
		got, err := f.FindSimilarEvents(ctx, uuid.New(), model.CategoryWorkflowPatterns, []float32{1}, 3)
		require.NoError(t, err)
		assert.Equal(t, secondaryHit, got)
	})

	t.Run("no primary uses postgres", func(t *testing.T) {
		secondary := &fakeFinder{hits: secondaryHit}
		f := NewFallback(nil, secondary, nil)
		got, err := f.FindSimilarEvents(ctx, uuid.New(), model.CategoryWorkflowPatterns, []float32{1}, 3)
		require.NoError(t, err)
		assert.Equal(t, secondaryHit, got)
		require.NoError(t, f.Healthy(ctx))
		require.NoError(t, f.IndexEvents(ctx, []model.LearningEvent{{ID: uuid.New()}}))
	})

	t.Run("nothing available", func(t *testing.T) {
		f := NewFallback(&fakeIndex{healthErr: errors.New("down")}, nil, testLogger())
		_, err := f.FindSimilarEvents(ctx, uuid.New(), model.CategoryWorkflowPatterns, []float32{1}, 3)
		require.ErrorIs(t, err, ErrNoIndex)
	})

	t.Run("indexing goes to the primary", func(t *testing.T) {
		primary := &fakeIndex{}
		f := NewFallback(primary, &fakeFinder{}, testLogger())
		require.NoError(t, f.IndexEvents(ctx, make([]model.LearningEvent, 3)))
		assert.Equal(t, int64(3), primary.indexed.Load())
	})
}
