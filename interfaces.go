package manabi

import "context"

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// Ollama/OpenAI/noop provider. Uses []float32 so callers need not depend on
// pgvector; New wraps it in an adapter.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Extractor turns raw source data into insights. When provided via
// WithExtractor, replaces the built-in JSON extractor used by Ingest.
type Extractor interface {
	Extract(ctx context.Context, sourceType, data string, triggeredBy *string) ([]Insight, error)
}
