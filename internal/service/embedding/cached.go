package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pgvector/pgvector-go"
	"github.com/sethvargo/go-retry"
)

// Cache and retry defaults.
const (
	DefaultCacheSize   = 1000
	DefaultMaxAttempts = 3
	DefaultRetryBase   = 200 * time.Millisecond
)

// CachedProvider wraps a Provider with a bounded LRU cache and retries.
//
// Cache keys are produced by the key function (normalized text in practice),
// so trivially different spellings of the same insight share one vector.
// The cache is process-local.
type CachedProvider struct {
	inner       Provider
	cache       *lru.Cache[string, pgvector.Vector]
	key         func(string) string
	maxAttempts uint64
	retryBase   time.Duration
	logger      *slog.Logger
}

// CachedOption configures a CachedProvider.
type CachedOption func(*CachedProvider)

// WithKeyFunc sets the cache key function. The default is the identity.
func WithKeyFunc(fn func(string) string) CachedOption {
	return func(c *CachedProvider) { c.key = fn }
}

// WithRetry sets the attempt count and base delay of the exponential backoff.
func WithRetry(attempts int, base time.Duration) CachedOption {
	return func(c *CachedProvider) {
		if attempts > 0 {
			c.maxAttempts = uint64(attempts) //nolint:gosec // checked positive
		}
		if base > 0 {
			c.retryBase = base
		}
	}
}

// NewCachedProvider wraps inner. size <= 0 uses DefaultCacheSize.
func NewCachedProvider(inner Provider, size int, logger *slog.Logger, opts ...CachedOption) (*CachedProvider, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, pgvector.Vector](size)
	if err != nil {
		return nil, fmt.Errorf("embedding: create cache: %w", err)
	}
	c := &CachedProvider{
		inner:       inner,
		cache:       cache,
		key:         func(s string) string { return s },
		maxAttempts: DefaultMaxAttempts,
		retryBase:   DefaultRetryBase,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dimensions returns the wrapped provider's vector size.
func (c *CachedProvider) Dimensions() int { return c.inner.Dimensions() }

// Len returns the number of cached vectors.
func (c *CachedProvider) Len() int { return c.cache.Len() }

// Embed returns a cached vector or embeds text.
func (c *CachedProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds only cache misses, in a single batched call to the
// wrapped provider, and fills the result in input order.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([]pgvector.Vector, len(texts))
	missIdx := make(map[string][]int)
	var missTexts []string
	for i, t := range texts {
		k := c.key(t)
		if v, ok := c.cache.Get(k); ok {
			out[i] = v
			continue
		}
		if _, seen := missIdx[k]; !seen {
			missTexts = append(missTexts, t)
		}
		missIdx[k] = append(missIdx[k], i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.embedWithRetry(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedding: provider returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for i, t := range missTexts {
		k := c.key(t)
		c.cache.Add(k, vecs[i])
		for _, idx := range missIdx[k] {
			out[idx] = vecs[i]
		}
	}
	return out, nil
}

func (c *CachedProvider) embedWithRetry(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	var vecs []pgvector.Vector
	b := retry.WithMaxRetries(c.maxAttempts-1, retry.NewExponential(c.retryBase))
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		v, err := c.inner.EmbedBatch(ctx, texts)
		if err == nil {
			vecs = v
			return nil
		}
		if errors.Is(err, ErrPermanent) || ctx.Err() != nil {
			return err
		}
		if c.logger != nil {
			c.logger.Debug("embedding: batch failed, retrying", "attempt", attempt, "texts", len(texts), "error", err)
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: after %d attempts: %w", attempt, err)
	}
	return vecs, nil
}
