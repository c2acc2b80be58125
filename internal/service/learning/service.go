// Package learning is the learning event engine: it turns extracted insights
// into persisted learning events and merges pending events into knowledge
// bases.
//
// Both the MCP server and the CLI delegate to this service, so validation,
// deduplication, conflict resolution and provenance behave the same across
// every entry point.
package learning

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/manabi/internal/audit"
	"github.com/ashita-ai/manabi/internal/confidence"
	"github.com/ashita-ai/manabi/internal/fieldmap"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/service/embedding"
	"github.com/ashita-ai/manabi/internal/similarity"
	"github.com/ashita-ai/manabi/internal/storage"
	"github.com/ashita-ai/manabi/internal/telemetry"
)

// Sentinel errors. Storage's ErrNotFound is passed through wrapped for
// unknown knowledge bases.
var (
	ErrMissingKnowledgeBaseID = errors.New("learning: knowledge base id is required")
	ErrInvalidSourceType      = errors.New("learning: invalid source type")
	ErrNoExtractor            = errors.New("learning: no extractor configured")
)

// EventStore is the learning event log.
type EventStore interface {
	InsertLearningEvents(ctx context.Context, events []model.LearningEvent) ([]uuid.UUID, error)
	RecentEventsByCategory(ctx context.Context, kbID uuid.UUID, category model.Category, since time.Time) ([]model.LearningEvent, error)
	UnappliedEventsPage(ctx context.Context, kbID uuid.UUID, minConfidence int, cursor model.EventCursor, limit int) ([]model.LearningEvent, error)
	AppliedEventsPage(ctx context.Context, kbID uuid.UUID, cursor model.EventCursor, limit int) ([]model.LearningEvent, error)
	MarkEventsApplied(ctx context.Context, marks []model.AppliedMark) (int64, error)
	CountEvents(ctx context.Context, kbID uuid.UUID) (storage.EventCounts, error)
}

// KnowledgeStore reads and writes knowledge bases.
type KnowledgeStore interface {
	GetKnowledgeBase(ctx context.Context, id uuid.UUID) (model.KnowledgeBase, error)
	UpdateKnowledgeBase(ctx context.Context, id uuid.UUID, u model.KnowledgeUpdate) (model.KnowledgeBase, error)
}

// Locker grants exclusive access to one knowledge base for the duration of
// an apply call. The returned function releases it.
type Locker interface {
	LockKnowledgeBase(ctx context.Context, id uuid.UUID) (func(), error)
}

// CandidateFinder returns semantically close events of one category.
// Implemented by storage (pgvector) and search (Qdrant).
type CandidateFinder interface {
	FindSimilarEvents(ctx context.Context, kbID uuid.UUID, category model.Category, embedding []float32, limit int) ([]model.SimilarEvent, error)
}

// EventIndexer receives newly created events with embeddings.
type EventIndexer interface {
	IndexEvents(ctx context.Context, events []model.LearningEvent) error
}

// Notifier announces new events for a knowledge base.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Provenance queues audit entries and snapshots. *audit.Recorder implements it.
type Provenance interface {
	Record(job audit.Job) bool
}

// Extractor turns raw source data into insights. Prompting and parsing live
// behind this interface.
type Extractor interface {
	Extract(ctx context.Context, sourceType model.SourceType, data string, triggeredBy *string) ([]model.Insight, error)
}

// Config tunes the engine. Zero values take the defaults below.
type Config struct {
	MinConfidence     int
	BatchSize         int
	Decay             confidence.DecayConfig
	DedupWindow       time.Duration
	TextThreshold     float64
	SemanticDedup     bool
	SemanticThreshold float64
	ApplyConcurrency  int
}

// Engine defaults.
const (
	DefaultBatchSize        = 100
	DefaultDedupWindow      = 30 * 24 * time.Hour
	DefaultApplyConcurrency = 4
	semanticCandidateLimit  = 3
)

func (c Config) withDefaults() Config {
	if c.MinConfidence <= 0 {
		c.MinConfidence = confidence.DefaultMinConfidence
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Decay == (confidence.DecayConfig{}) {
		c.Decay = confidence.DefaultDecay()
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.TextThreshold <= 0 {
		c.TextThreshold = similarity.DefaultTextThreshold
	}
	if c.SemanticThreshold <= 0 {
		c.SemanticThreshold = similarity.DefaultSemanticThreshold
	}
	if c.ApplyConcurrency <= 0 {
		c.ApplyConcurrency = DefaultApplyConcurrency
	}
	return c
}

// Deps are the collaborators of a Service. Events and Knowledge are
// required; everything else is optional.
type Deps struct {
	Events     EventStore
	Knowledge  KnowledgeStore
	Locker     Locker
	Embedder   embedding.Provider
	Candidates CandidateFinder
	Index      EventIndexer
	Notifier   Notifier
	Provenance Provenance
	Extractor  Extractor
	Mapper     *fieldmap.Mapper
	Logger     *slog.Logger
	Now        func() time.Time
}

// Service encapsulates the learning event engine.
type Service struct {
	events     EventStore
	knowledge  KnowledgeStore
	locker     Locker
	embedder   embedding.Provider
	matcher    *similarity.Matcher
	candidates CandidateFinder
	index      EventIndexer
	notifier   Notifier
	provenance Provenance
	extractor  Extractor
	mapper     *fieldmap.Mapper
	logger     *slog.Logger
	now        func() time.Time
	cfg        Config

	tracer            trace.Tracer
	eventsCreated     metric.Int64Counter
	eventsDuplicate   metric.Int64Counter
	eventsApplied     metric.Int64Counter
	eventsSkipped     metric.Int64Counter
	applyDuration     metric.Float64Histogram
	embeddingDuration metric.Float64Histogram
}

// New creates a learning Service.
func New(deps Deps, cfg Config) *Service {
	cfg = cfg.withDefaults()
	if deps.Locker == nil {
		deps.Locker = NewMutexLocker()
	}
	if deps.Embedder == nil {
		deps.Embedder = embedding.NewNoopProvider(0)
	}
	if deps.Mapper == nil {
		deps.Mapper = fieldmap.New(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	meter := telemetry.Meter("manabi/learning")
	created, _ := meter.Int64Counter("manabi.events.created",
		metric.WithDescription("Learning events persisted"))
	duplicate, _ := meter.Int64Counter("manabi.events.duplicate",
		metric.WithDescription("Insights rejected as duplicates of existing events"))
	applied, _ := meter.Int64Counter("manabi.events.applied",
		metric.WithDescription("Learning events merged into a knowledge base"))
	skipped, _ := meter.Int64Counter("manabi.events.skipped",
		metric.WithDescription("Learning events evaluated but not merged"))
	applyDur, _ := meter.Float64Histogram("manabi.apply.duration",
		metric.WithDescription("Time to apply pending events to one knowledge base (ms)"),
		metric.WithUnit("ms"),
	)
	embDur, _ := meter.Float64Histogram("manabi.embedding.duration",
		metric.WithDescription("Time to generate embeddings for new insights (ms)"),
		metric.WithUnit("ms"),
	)

	return &Service{
		events:            deps.Events,
		knowledge:         deps.Knowledge,
		locker:            deps.Locker,
		embedder:          deps.Embedder,
		matcher:           similarity.NewMatcher(deps.Embedder, cfg.SemanticThreshold),
		candidates:        deps.Candidates,
		index:             deps.Index,
		notifier:          deps.Notifier,
		provenance:        deps.Provenance,
		extractor:         deps.Extractor,
		mapper:            deps.Mapper,
		logger:            deps.Logger,
		now:               deps.Now,
		cfg:               cfg,
		tracer:            telemetry.Tracer("manabi/learning"),
		eventsCreated:     created,
		eventsDuplicate:   duplicate,
		eventsApplied:     applied,
		eventsSkipped:     skipped,
		applyDuration:     applyDur,
		embeddingDuration: embDur,
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// record hands a provenance job to the recorder, if any.
func (s *Service) record(job audit.Job) {
	if s.provenance == nil {
		return
	}
	s.provenance.Record(job)
}
