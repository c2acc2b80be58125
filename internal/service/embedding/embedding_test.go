package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingProvider returns a vector whose first component is the text length
// and fails the first failures calls.
type countingProvider struct {
	mu       sync.Mutex
	calls    int
	inputs   [][]string
	failures int
	err      error
}

func (p *countingProvider) Dimensions() int { return 2 }

func (p *countingProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return v[0], nil
}

func (p *countingProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.inputs = append(p.inputs, append([]string(nil), texts...))
	if p.calls <= p.failures {
		if p.err != nil {
			return nil, p.err
		}
		return nil, errors.New("transient")
	}
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		out[i] = pgvector.NewVector([]float32{float32(len(t)), 1})
	}
	return out, nil
}

func TestCachedProviderEmbedsOnlyMisses(t *testing.T) {
	inner := &countingProvider{}
	c, err := NewCachedProvider(inner, 10, nil, WithKeyFunc(strings.ToLower))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(ctx, []string{"ALPHA", "gamma", "Gamma"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(5), vecs[0].Slice()[0])
	assert.Equal(t, vecs[1].Slice(), vecs[2].Slice())

	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, []string{"gamma"}, inner.inputs[1], "second call embeds each missing key once")
	assert.Equal(t, 3, c.Len())
}

func TestCachedProviderEvictsOldest(t *testing.T) {
	inner := &countingProvider{}
	c, err := NewCachedProvider(inner, 2, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for _, s := range []string{"one", "two", "three"} {
		_, err := c.Embed(ctx, s)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	_, err = c.Embed(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, 4, inner.calls, "evicted entry is embedded again")
}

func TestCachedProviderRetriesTransientFailures(t *testing.T) {
	inner := &countingProvider{failures: 2}
	c, err := NewCachedProvider(inner, 10, nil, WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestCachedProviderGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &countingProvider{failures: 10}
	c, err := NewCachedProvider(inner, 10, nil, WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "never")
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestCachedProviderDoesNotRetryPermanent(t *testing.T) {
	inner := &countingProvider{failures: 10, err: ErrPermanent}
	c, err := NewCachedProvider(inner, 10, nil, WithRetry(5, time.Millisecond))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "bad key")
	require.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, 1, inner.calls)
}

func TestOpenAIProviderOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.Dimensions)
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1,0]},{"index":0,"embedding":[1,0,0]}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", "text-embedding-3-small", 3).WithURL(srv.URL)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vecs[0].Slice())
	assert.Equal(t, []float32{0, 1, 0}, vecs[1].Slice())
}

func TestOpenAIProviderUnauthorizedIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("nope", "m", 3).WithURL(srv.URL)
	_, err := p.Embed(context.Background(), "x")
	require.ErrorIs(t, err, ErrPermanent)
}

func TestOllamaProviderBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := ollamaEmbedResponse{}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{0.5, 0.5})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 2)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
}

func TestOllamaProviderEmptyBatch(t *testing.T) {
	vecs, err := NewOllamaProvider("http://127.0.0.1:1", "m", 2).EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestOllamaProviderErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom"},
		{name: "unknown model", status: http.StatusNotFound, body: `{"error":"model not found"}`, permanent: true},
		{name: "invalid json", status: http.StatusOK, body: "not json"},
		{name: "count mismatch", status: http.StatusOK, body: `{"embeddings":[[1,2],[3,4]]}`},
		{name: "empty embedding", status: http.StatusOK, body: `{"embeddings":[[]]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOllamaProvider(srv.URL, "m", 2).Embed(context.Background(), "x")
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, ErrPermanent))
		})
	}
}

func TestIsNoop(t *testing.T) {
	c, err := NewCachedProvider(NewNoopProvider(4), 0, nil)
	require.NoError(t, err)
	assert.True(t, IsNoop(c))
	assert.False(t, IsNoop(&countingProvider{}))
}
