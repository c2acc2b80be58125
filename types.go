package manabi

import (
	"time"

	"github.com/google/uuid"
)

// Insight is one candidate fact about a client, as produced by an extractor
// or an agent.
type Insight struct {
	Text       string         `json:"insight"`
	Category   string         `json:"category"`
	EventType  string         `json:"event_type,omitempty"`
	Confidence *int           `json:"confidence,omitempty"` // 1-100; nil means the default
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CreateRequest asks for a batch of insights to be recorded as learning events.
type CreateRequest struct {
	KnowledgeBaseID uuid.UUID
	SourceType      string // document, conversation, report, website or manual
	SourceID        string
	Insights        []Insight
	TriggeredBy     *string
}

// CreateResult reports what happened to each insight of a batch.
type CreateResult struct {
	Success            bool        `json:"success"`
	EventsCreated      int         `json:"events_created"`
	EventIDs           []uuid.UUID `json:"event_ids"`
	DuplicatesFiltered int         `json:"duplicates_filtered"`
	Duplicates         []string    `json:"duplicates,omitempty"`
	Errors             []string    `json:"errors,omitempty"`
}

// ApplyRequest asks for pending events to be applied. Zero values use the
// configured defaults.
type ApplyRequest struct {
	KnowledgeBaseID uuid.UUID
	MinConfidence   int
	BatchSize       int
}

// ApplyResult summarizes one apply call.
type ApplyResult struct {
	Success           bool     `json:"success"`
	EventsApplied     int      `json:"events_applied"`
	EventsSkipped     int      `json:"events_skipped"`
	FieldsUpdated     []string `json:"fields_updated"`
	EnrichmentVersion int      `json:"enrichment_version"`
	Errors            []string `json:"errors,omitempty"`
}

// Status is a knowledge base's counters.
type Status struct {
	KnowledgeBaseID   uuid.UUID  `json:"knowledge_base_id"`
	Version           int        `json:"version"`
	EnrichmentVersion int        `json:"enrichment_version"`
	LastEnrichedAt    *time.Time `json:"last_enriched_at,omitempty"`
	EventsTotal       int64      `json:"events_total"`
	EventsApplied     int64      `json:"events_applied"`
	EventsPending     int64      `json:"events_pending"`
	AuditEntries      int        `json:"audit_entries"`
	Snapshots         int        `json:"snapshots"`
}

// Reconstruction is a knowledge base's enrichable state rebuilt from its
// applied events.
type Reconstruction struct {
	KnowledgeBaseID uuid.UUID         `json:"knowledge_base_id"`
	Fields          map[string]string `json:"fields"`
	ToolStack       []string          `json:"tool_stack"`
	EventsReplayed  int               `json:"events_replayed"`
	SkippedEvents   []uuid.UUID       `json:"skipped_events,omitempty"`
	Approximate     bool              `json:"approximate"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// KnowledgeBase is the public view of a client knowledge base.
type KnowledgeBase struct {
	ID                uuid.UUID         `json:"id"`
	Name              string            `json:"name"`
	Fields            map[string]string `json:"fields"`
	ToolStack         []string          `json:"tool_stack"`
	Version           int               `json:"version"`
	EnrichmentVersion int               `json:"enrichment_version"`
	LastEnrichedAt    *time.Time        `json:"last_enriched_at,omitempty"`
}
