// Package manabi is the public API for embedding the manabi learning event
// engine.
//
// Callers construct an App and either serve it over MCP stdio or call the
// engine operations directly:
//
//	app, err := manabi.New(ctx,
//	    manabi.WithVersion(version),
//	    manabi.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer app.Shutdown(context.Background())
//	res, err := app.ApplyLearningEvents(ctx, manabi.ApplyRequest{KnowledgeBaseID: id})
//
// The root package imports internal/*, but internal/* never imports the root.
// Public types are standalone structs; the conversion helpers in convert.go
// are the only code that sees both sides of the boundary.
package manabi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/manabi/internal/audit"
	"github.com/ashita-ai/manabi/internal/config"
	"github.com/ashita-ai/manabi/internal/confidence"
	"github.com/ashita-ai/manabi/internal/mcp"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/search"
	"github.com/ashita-ai/manabi/internal/service/embedding"
	"github.com/ashita-ai/manabi/internal/service/learning"
	"github.com/ashita-ai/manabi/internal/storage"
	"github.com/ashita-ai/manabi/internal/telemetry"
	"github.com/ashita-ai/manabi/migrations"
)

// App is the learning engine lifecycle. Construct with New.
type App struct {
	cfg          config.Config
	db           *storage.DB
	svc          *learning.Service
	mcp          *mcp.Server
	recorder     *audit.Recorder
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New connects to the database, runs migrations and wires every subsystem.
// It does not start any goroutines; call Start, Run or Watch.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	if !o.skipEnvFile {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("manabi starting", "version", version)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	closeAll := func() {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
	}

	if cfg.SkipMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		closeAll()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			closeAll()
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// External provider override takes priority over auto-detect.
	var inner embedding.Provider
	if o.embeddingProvider != nil {
		inner = &embeddingAdapter{p: o.embeddingProvider}
	} else {
		inner = newEmbeddingProvider(cfg, logger)
	}
	embedder, err := embedding.NewCachedProvider(inner, cfg.EmbeddingCacheSize, logger,
		embedding.WithRetry(3, 200*time.Millisecond),
		embedding.WithKeyFunc(normalizeEmbeddingKey))
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("embedding: %w", err)
	}

	// Qdrant is optional; pgvector in Postgres answers when it is absent or down.
	var (
		candidates  learning.CandidateFinder = db
		indexer     learning.EventIndexer
		qdrantIndex *search.QdrantIndex
	)
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			_ = qdrantIndex.Close()
			closeAll()
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		fallback := search.NewFallback(qdrantIndex, db, logger)
		candidates, indexer = fallback, fallback
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	var extractor learning.Extractor = learning.JSONExtractor{}
	if o.extractor != nil {
		extractor = &extractorAdapter{e: o.extractor}
	}

	recorder := audit.NewRecorder(db, logger, cfg.AuditBufferSize)

	svc := learning.New(learning.Deps{
		Events:     db,
		Knowledge:  db,
		Locker:     db,
		Embedder:   embedder,
		Candidates: candidates,
		Index:      indexer,
		Notifier:   db,
		Provenance: recorder,
		Extractor:  extractor,
		Logger:     logger,
	}, engineConfig(cfg))

	if embedding.IsNoop(embedder) && cfg.SemanticDedup {
		logger.Warn("semantic dedup enabled but no embedding provider is available; using text similarity only")
	}

	return &App{
		cfg:          cfg,
		db:           db,
		svc:          svc,
		mcp:          mcp.New(svc, logger, version),
		recorder:     recorder,
		qdrantIndex:  qdrantIndex,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// engineConfig maps environment configuration onto the engine's tunables.
func engineConfig(cfg config.Config) learning.Config {
	return learning.Config{
		MinConfidence: cfg.MinConfidence,
		BatchSize:     cfg.BatchSize,
		Decay: confidence.DecayConfig{
			HalfLife:    cfg.DecayHalfLife,
			GracePeriod: cfg.DecayGrace,
			Floor:       cfg.DecayFloor,
			Disabled:    cfg.DecayDisabled,
		},
		DedupWindow:       cfg.DedupWindow,
		TextThreshold:     cfg.TextSimilarity,
		SemanticDedup:     cfg.SemanticDedup,
		SemanticThreshold: cfg.SemanticSimilarity,
		ApplyConcurrency:  cfg.ApplyConcurrency,
	}
}

// Start begins the background provenance writer. Run and Watch call it.
func (a *App) Start(ctx context.Context) {
	a.recorder.Start(ctx)
}

// Run serves the MCP protocol over in/out until ctx is cancelled or the
// client disconnects, then shuts the App down.
func (a *App) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	a.Start(ctx)
	a.logger.Info("mcp: serving over stdio", "version", a.version)
	err := a.mcp.ServeStdio(ctx, in, out)
	if shutdownErr := a.Shutdown(context.Background()); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Shutdown drains queued provenance writes, then closes Qdrant, telemetry
// and the database.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("manabi shutting down")

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a.recorder.Drain(drainCtx)
	cancel()
	if n := a.recorder.Dropped(); n > 0 {
		a.logger.Warn("audit: provenance jobs dropped", "count", n)
	}

	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("manabi stopped")
	return nil
}

// Migrate runs the embedded migrations and returns every applied migration.
func (a *App) Migrate(ctx context.Context) ([]string, error) {
	if err := a.db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, err
	}
	return a.db.AppliedMigrations(ctx)
}

// CreateKnowledgeBase creates an empty knowledge base with optional seed fields.
func (a *App) CreateKnowledgeBase(ctx context.Context, name string, fields map[string]string, tools []string) (KnowledgeBase, error) {
	kb, err := a.db.CreateKnowledgeBase(ctx, model.KnowledgeBase{
		Name:      strings.TrimSpace(name),
		Fields:    fields,
		ToolStack: tools,
	})
	if err != nil {
		return KnowledgeBase{}, err
	}
	return toPublicKnowledgeBase(kb), nil
}

// GetKnowledgeBase returns the current state of a knowledge base.
func (a *App) GetKnowledgeBase(ctx context.Context, id uuid.UUID) (KnowledgeBase, error) {
	kb, err := a.db.GetKnowledgeBase(ctx, id)
	if err != nil {
		return KnowledgeBase{}, err
	}
	return toPublicKnowledgeBase(kb), nil
}

// CreateLearningEvents records insights as pending learning events.
func (a *App) CreateLearningEvents(ctx context.Context, req CreateRequest) (CreateResult, error) {
	res, err := a.svc.CreateLearningEvents(ctx, toCreateInput(req))
	return CreateResult(res), err
}

// Ingest runs raw source data through the extractor and records the insights.
func (a *App) Ingest(ctx context.Context, kbID uuid.UUID, sourceType, sourceID, data string, triggeredBy *string) (CreateResult, error) {
	res, err := a.svc.Ingest(ctx, learning.IngestInput{
		KnowledgeBaseID: kbID,
		SourceType:      model.SourceType(sourceType),
		SourceID:        sourceID,
		Data:            data,
		TriggeredBy:     triggeredBy,
	})
	return CreateResult(res), err
}

// ApplyLearningEvents merges pending events into one knowledge base.
func (a *App) ApplyLearningEvents(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	res, err := a.svc.ApplyLearningEvents(ctx, learning.ApplyInput{
		KnowledgeBaseID: req.KnowledgeBaseID,
		MinConfidence:   req.MinConfidence,
		BatchSize:       req.BatchSize,
	})
	return toPublicApplyResult(res), err
}

// ApplyAll applies pending events to every knowledge base that has some.
// Failures are reported per knowledge base.
func (a *App) ApplyAll(ctx context.Context, req ApplyRequest) (map[uuid.UUID]ApplyResult, error) {
	minConf := req.MinConfidence
	if minConf <= 0 {
		minConf = a.svc.Config().MinConfidence
	}
	ids, err := a.db.PendingKnowledgeBases(ctx, minConf)
	if err != nil {
		return nil, err
	}
	return a.applyMany(ctx, ids, req), nil
}

func (a *App) applyMany(ctx context.Context, ids []uuid.UUID, req ApplyRequest) map[uuid.UUID]ApplyResult {
	out := make(map[uuid.UUID]ApplyResult, len(ids))
	for _, r := range a.svc.ApplyAll(ctx, ids, learning.ApplyInput{
		MinConfidence: req.MinConfidence,
		BatchSize:     req.BatchSize,
	}) {
		res := toPublicApplyResult(r.Result)
		if r.Error != "" {
			res.Success = false
			res.Errors = append(res.Errors, r.Error)
			a.logger.Warn("apply failed", "knowledge_base_id", r.KnowledgeBaseID, "error", r.Error)
		}
		out[r.KnowledgeBaseID] = res
	}
	return out
}

// Reconstruct rebuilds a knowledge base's enrichable state from its applied events.
func (a *App) Reconstruct(ctx context.Context, id uuid.UUID) (Reconstruction, error) {
	res, err := a.svc.Reconstruct(ctx, id)
	if err != nil {
		return Reconstruction{}, err
	}
	return toPublicReconstruction(id, res), nil
}

// Status reports a knowledge base's version and event counters.
func (a *App) Status(ctx context.Context, id uuid.UUID) (Status, error) {
	st, err := a.svc.Status(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return toPublicStatus(st), nil
}

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch strings.ToLower(cfg.EmbeddingProvider) {
	case "openai":
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (semantic dedup disabled)")
		return embedding.NewNoopProvider(dims)
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic dedup disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// normalizeEmbeddingKey folds case and whitespace so trivially different
// spellings of an insight share a cache entry.
func normalizeEmbeddingKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
