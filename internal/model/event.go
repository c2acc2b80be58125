package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// EventType classifies what kind of learning an insight represents.
type EventType string

const (
	EventInsightGenerated   EventType = "INSIGHT_GENERATED"
	EventPatternDetected    EventType = "PATTERN_DETECTED"
	EventOptimizationFound  EventType = "OPTIMIZATION_FOUND"
	EventInconsistencyFixed EventType = "INCONSISTENCY_FIXED"
	EventKnowledgeExpanded  EventType = "KNOWLEDGE_EXPANDED"
)

var validEventTypes = map[EventType]bool{
	EventInsightGenerated:   true,
	EventPatternDetected:    true,
	EventOptimizationFound:  true,
	EventInconsistencyFixed: true,
	EventKnowledgeExpanded:  true,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool { return validEventTypes[t] }

// Category is the business area an insight belongs to. It drives field mapping.
type Category string

const (
	CategoryBusinessContext     Category = "business_context"
	CategoryWorkflowPatterns    Category = "workflow_patterns"
	CategoryProcessOptimization Category = "process_optimization"
	CategoryServicePatterns     Category = "service_patterns"
	CategoryRiskManagement      Category = "risk_management"
	CategoryHiringPatterns      Category = "hiring_patterns"
	CategoryServicePreferences  Category = "service_preferences"
	CategorySkillRequirements   Category = "skill_requirements"
	CategoryWorkflowNeeds       Category = "workflow_needs"
)

var validCategories = map[Category]bool{
	CategoryBusinessContext:     true,
	CategoryWorkflowPatterns:    true,
	CategoryProcessOptimization: true,
	CategoryServicePatterns:     true,
	CategoryRiskManagement:      true,
	CategoryHiringPatterns:      true,
	CategoryServicePreferences:  true,
	CategorySkillRequirements:   true,
	CategoryWorkflowNeeds:       true,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool { return validCategories[c] }

// SourceType identifies the kind of artifact an insight was extracted from.
type SourceType string

const (
	SourceDocument     SourceType = "document"
	SourceConversation SourceType = "conversation"
	SourceReport       SourceType = "report"
	SourceWebsite      SourceType = "website"
	SourceManual       SourceType = "manual"
)

// Valid reports whether s is one of the known source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourceDocument, SourceConversation, SourceReport, SourceWebsite, SourceManual:
		return true
	}
	return false
}

// Insight length bounds, in characters.
const (
	MinInsightLength = 10
	MaxInsightLength = 1000
)

// Insight is a candidate fact produced by an extractor. It is transient:
// it becomes a LearningEvent only after validation and deduplication.
type Insight struct {
	Text       string         `json:"insight"`
	Category   Category       `json:"category"`
	EventType  EventType      `json:"event_type"`
	Confidence *int           `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// LearningEvent is a persisted, confidence-scored candidate fact.
// Append-only: only Applied, AppliedAt and AppliedToFields ever change,
// and only once (false to true).
type LearningEvent struct {
	ID              uuid.UUID        `json:"id"`
	KnowledgeBaseID uuid.UUID        `json:"knowledge_base_id"`
	Category        Category         `json:"category"`
	EventType       EventType        `json:"event_type"`
	Insight         string           `json:"insight"`
	Confidence      int              `json:"confidence"`
	SourceType      SourceType       `json:"source_type"`
	SourceIDs       []string         `json:"source_ids"`
	TriggeredBy     *string          `json:"triggered_by,omitempty"`
	Metadata        map[string]any   `json:"metadata"`
	Embedding       *pgvector.Vector `json:"-"`
	CreatedAt       time.Time        `json:"created_at"`

	Applied         bool       `json:"applied"`
	AppliedAt       *time.Time `json:"applied_at,omitempty"`
	AppliedToFields []string   `json:"applied_to_fields"`
}

// EventCursor is a keyset pagination position over (created_at, id).
// The zero value starts from the beginning.
type EventCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// IsZero reports whether the cursor is at the beginning.
func (c EventCursor) IsZero() bool { return c.CreatedAt.IsZero() && c.ID == uuid.Nil }

// CursorAfter returns the cursor positioned after e.
func CursorAfter(e LearningEvent) EventCursor {
	return EventCursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

// AppliedMark records which fields absorbed an event.
type AppliedMark struct {
	EventID uuid.UUID
	Fields  []string
}
