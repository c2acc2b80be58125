// Package model defines the core domain types for manabi.
//
// Types correspond to database rows (knowledge_bases, learning_events) and to
// the JSON documents stored inside the knowledge bag. Types use strong typing
// (UUIDs, time.Time, enums, the Value union) and avoid interface{} except for
// open-ended metadata.
package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Named scalar fields the engine knows how to enrich.
const (
	FieldBiggestBottleneck = "biggestBottleNeck"
	FieldIndustry          = "industry"
	FieldBusinessModel     = "businessModel"
	FieldTargetCustomer    = "targetCustomer"
	FieldCompanySize       = "companySize"
)

// FieldToolStack is the knowledge base's tool list.
const FieldToolStack = "toolStack"

// ScalarFields lists every named scalar field in a stable order.
var ScalarFields = []string{
	FieldBiggestBottleneck,
	FieldIndustry,
	FieldBusinessModel,
	FieldTargetCustomer,
	FieldCompanySize,
}

// IsScalarField reports whether name is a known scalar field.
func IsScalarField(name string) bool { return slices.Contains(ScalarFields, name) }

// Bag sections with a typed representation. They share the bag's JSON object
// with dynamic entries and cannot be used as dynamic keys.
const (
	BagKeyAuditLog     = "auditLog"
	BagKeySnapshots    = "stateSnapshots"
	BagKeyFieldHistory = "fieldHistory"
)

// IsReservedBagKey reports whether key names a typed bag section.
func IsReservedBagKey(key string) bool {
	return key == BagKeyAuditLog || key == BagKeySnapshots || key == BagKeyFieldHistory
}

// Retention caps for bag sections. Oldest entries are evicted first.
const (
	MaxAuditEntries        = 1000
	MaxSnapshots           = 50
	MaxFieldHistoryEntries = 10
)

// KnowledgeBase is the long-lived business profile being enriched.
// The engine reads the whole record and writes a computed partial update.
type KnowledgeBase struct {
	ID                uuid.UUID         `json:"id"`
	Name              string            `json:"name"`
	Fields            map[string]string `json:"fields"`
	ToolStack         []string          `json:"tool_stack"`
	Bag               KnowledgeBag      `json:"knowledge_bag"`
	Version           int               `json:"version"`
	EnrichmentVersion int               `json:"enrichment_version"`
	LastEnrichedAt    *time.Time        `json:"last_enriched_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Field returns the current value of a named scalar field as a Value.
func (kb *KnowledgeBase) Field(name string) Value {
	if s, ok := kb.Fields[name]; ok && s != "" {
		return StringValue(s)
	}
	return Null()
}

// Tools returns the tool stack as a list Value.
func (kb *KnowledgeBase) Tools() Value {
	return ListValue(append([]string(nil), kb.ToolStack...)...)
}

// KnowledgeBag is the open-ended extension storage of a knowledge base.
// Entries hold dynamic facts; AuditLog, Snapshots and FieldHistory are
// provenance sections persisted under reserved keys of the same object.
type KnowledgeBag struct {
	Entries      map[string]Value
	AuditLog     []AuditEntry
	Snapshots    []Snapshot
	FieldHistory map[string][]HistoryEntry
}

// Get returns the entry for key, or null.
func (b KnowledgeBag) Get(key string) Value {
	if b.Entries == nil {
		return Null()
	}
	return b.Entries[key]
}

// Set stores v under key, allocating the entry map if needed.
func (b *KnowledgeBag) Set(key string, v Value) {
	if b.Entries == nil {
		b.Entries = make(map[string]Value)
	}
	b.Entries[key] = v
}

// CloneEntries returns a deep copy of the dynamic entries.
func (b KnowledgeBag) CloneEntries() map[string]Value {
	out := make(map[string]Value, len(b.Entries))
	for k, v := range b.Entries {
		out[k] = v.Clone()
	}
	return out
}

// MarshalJSON flattens the bag into one JSON object.
func (b KnowledgeBag) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Entries)+3)
	for k, v := range b.Entries {
		if IsReservedBagKey(k) {
			continue
		}
		out[k] = v
	}
	if len(b.AuditLog) > 0 {
		out[BagKeyAuditLog] = b.AuditLog
	}
	if len(b.Snapshots) > 0 {
		out[BagKeySnapshots] = b.Snapshots
	}
	if len(b.FieldHistory) > 0 {
		out[BagKeyFieldHistory] = b.FieldHistory
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a bag object into typed sections and dynamic entries.
func (b *KnowledgeBag) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("model: decode knowledge bag: %w", err)
	}
	*b = KnowledgeBag{Entries: make(map[string]Value, len(raw))}
	for k, msg := range raw {
		switch k {
		case BagKeyAuditLog:
			if err := json.Unmarshal(msg, &b.AuditLog); err != nil {
				return fmt.Errorf("model: decode %s: %w", k, err)
			}
		case BagKeySnapshots:
			if err := json.Unmarshal(msg, &b.Snapshots); err != nil {
				return fmt.Errorf("model: decode %s: %w", k, err)
			}
		case BagKeyFieldHistory:
			if err := json.Unmarshal(msg, &b.FieldHistory); err != nil {
				return fmt.Errorf("model: decode %s: %w", k, err)
			}
		default:
			var v Value
			if err := json.Unmarshal(msg, &v); err != nil {
				return fmt.Errorf("model: decode bag key %q: %w", k, err)
			}
			b.Entries[k] = v
		}
	}
	return nil
}

// AuditAction is what happened to an event.
type AuditAction string

const (
	AuditCreated  AuditAction = "created"
	AuditApplied  AuditAction = "applied"
	AuditSkipped  AuditAction = "skipped"
	AuditReverted AuditAction = "reverted"
)

// AuditEntry is one provenance record in the knowledge bag's audit log.
type AuditEntry struct {
	EventID          uuid.UUID   `json:"eventId"`
	Action           AuditAction `json:"action"`
	Reason           string      `json:"reason,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
	ResultingVersion int         `json:"resultingVersion"`
	FieldsAffected   []string    `json:"fieldsAffected,omitempty"`
	PreviousValue    *Value      `json:"previousValue,omitempty"`
	NewValue         *Value      `json:"newValue,omitempty"`
}

// HistoryEntry records one high-confidence replacement of a field value.
type HistoryEntry struct {
	PreviousValue Value     `json:"previousValue"`
	NewValue      Value     `json:"newValue"`
	ChangedAt     time.Time `json:"changedAt"`
	EventID       uuid.UUID `json:"eventId"`
}

// Snapshot is a point-in-time copy of knowledge base state tied to the
// events that produced it. Audit log and snapshots are never included.
type Snapshot struct {
	ID                uuid.UUID                 `json:"id"`
	KnowledgeBaseID   uuid.UUID                 `json:"knowledgeBaseId"`
	Version           int                       `json:"version"`
	EnrichmentVersion int                       `json:"enrichmentVersion"`
	Fields            map[string]string         `json:"fields"`
	ToolStack         []string                  `json:"toolStack"`
	Entries           map[string]Value          `json:"entries"`
	FieldHistory      map[string][]HistoryEntry `json:"fieldHistory,omitempty"`
	CreatedAt         time.Time                 `json:"createdAt"`
	EventIDs          []uuid.UUID               `json:"eventIds"`
}

// CloneFields returns a copy of the scalar field map.
func (kb *KnowledgeBase) CloneFields() map[string]string {
	if kb.Fields == nil {
		return map[string]string{}
	}
	return maps.Clone(kb.Fields)
}
