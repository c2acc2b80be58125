package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/manabi/internal/model"
)

const knowledgeColumns = `id, name, fields, tool_stack, knowledge_bag, version,
	enrichment_version, last_enriched_at, created_at, updated_at`

// CreateKnowledgeBase inserts a new knowledge base with the given initial
// state. A zero kb.ID is assigned.
func (db *DB) CreateKnowledgeBase(ctx context.Context, kb model.KnowledgeBase) (model.KnowledgeBase, error) {
	if kb.ID == uuid.Nil {
		kb.ID = uuid.New()
	}
	fields := kb.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return model.KnowledgeBase{}, fmt.Errorf("storage: marshal fields: %w", err)
	}
	bagJSON, err := json.Marshal(kb.Bag)
	if err != nil {
		return model.KnowledgeBase{}, fmt.Errorf("storage: marshal knowledge bag: %w", err)
	}
	tools := kb.ToolStack
	if tools == nil {
		tools = []string{}
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO knowledge_bases (id, name, fields, tool_stack, knowledge_bag)
		 VALUES ($1, $2, $3::jsonb, $4, $5::jsonb)
		 RETURNING `+knowledgeColumns,
		kb.ID, kb.Name, fieldsJSON, tools, bagJSON,
	)
	created, err := scanKnowledgeBase(row)
	if err != nil {
		return model.KnowledgeBase{}, fmt.Errorf("storage: create knowledge base: %w", err)
	}
	return created, nil
}

// GetKnowledgeBase returns the knowledge base with the given id.
func (db *DB) GetKnowledgeBase(ctx context.Context, id uuid.UUID) (model.KnowledgeBase, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge_bases WHERE id = $1`, id)
	kb, err := scanKnowledgeBase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KnowledgeBase{}, notFound("knowledge base", id)
		}
		return model.KnowledgeBase{}, fmt.Errorf("storage: get knowledge base: %w", err)
	}
	return kb, nil
}

// UpdateKnowledgeBase writes u in one statement and returns the new state.
// Scalar fields and bag entries are merged key by key at the top level, so
// provenance sections written concurrently by the audit recorder survive.
// Field history is merged per field. Version and enrichment version are
// incremented and last_enriched_at is stamped.
func (db *DB) UpdateKnowledgeBase(ctx context.Context, id uuid.UUID, u model.KnowledgeUpdate) (model.KnowledgeBase, error) {
	fields := u.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return model.KnowledgeBase{}, fmt.Errorf("storage: marshal fields: %w", err)
	}
	entries := make(map[string]model.Value, len(u.BagEntries))
	for k, v := range u.BagEntries {
		if model.IsReservedBagKey(k) {
			continue
		}
		entries[k] = v
	}
	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return model.KnowledgeBase{}, fmt.Errorf("storage: marshal bag entries: %w", err)
	}
	history := u.FieldHistory
	if history == nil {
		history = map[string][]model.HistoryEntry{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return model.KnowledgeBase{}, fmt.Errorf("storage: marshal field history: %w", err)
	}
	var tools any
	if u.ToolStack != nil {
		tools = u.ToolStack
	}

	var kb model.KnowledgeBase
	err = WithRetry(ctx, defaultTxRetries, defaultTxBaseDelay, func() error {
		row := db.pool.QueryRow(ctx,
			`UPDATE knowledge_bases SET
			     fields = fields || $2::jsonb,
			     tool_stack = COALESCE($3::text[], tool_stack),
			     knowledge_bag = CASE WHEN $5::jsonb = '{}'::jsonb
			         THEN knowledge_bag || $4::jsonb
			         ELSE jsonb_set(knowledge_bag || $4::jsonb, '{fieldHistory}',
			              COALESCE(knowledge_bag->'fieldHistory', '{}'::jsonb) || $5::jsonb)
			         END,
			     version = version + 1,
			     enrichment_version = enrichment_version + 1,
			     last_enriched_at = now(),
			     updated_at = now()
			 WHERE id = $1
			 RETURNING `+knowledgeColumns,
			id, fieldsJSON, tools, entriesJSON, historyJSON,
		)
		var scanErr error
		kb, scanErr = scanKnowledgeBase(row)
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KnowledgeBase{}, notFound("knowledge base", id)
		}
		return model.KnowledgeBase{}, fmt.Errorf("storage: update knowledge base: %w", err)
	}
	return kb, nil
}

// AppendAudit appends entries to the knowledge bag's audit log, keeping the
// most recent model.MaxAuditEntries. The row is locked for the
// read-modify-write so concurrent appends never lose entries. It does not
// change the knowledge base version.
func (db *DB) AppendAudit(ctx context.Context, id uuid.UUID, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return db.appendBagSection(ctx, id, model.BagKeyAuditLog, func(raw []byte) (any, error) {
		var log []model.AuditEntry
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &log); err != nil {
				return nil, fmt.Errorf("decode audit log: %w", err)
			}
		}
		return capTail(append(log, entries...), model.MaxAuditEntries), nil
	})
}

// AppendSnapshot appends s to the knowledge bag's snapshots, keeping the most
// recent model.MaxSnapshots.
func (db *DB) AppendSnapshot(ctx context.Context, id uuid.UUID, s model.Snapshot) error {
	return db.appendBagSection(ctx, id, model.BagKeySnapshots, func(raw []byte) (any, error) {
		var snaps []model.Snapshot
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &snaps); err != nil {
				return nil, fmt.Errorf("decode snapshots: %w", err)
			}
		}
		return capTail(append(snaps, s), model.MaxSnapshots), nil
	})
}

// appendBagSection locks the knowledge base row, reads one bag section,
// and writes back what next returns.
func (db *DB) appendBagSection(ctx context.Context, id uuid.UUID, key string, next func(raw []byte) (any, error)) error {
	return WithRetry(ctx, defaultTxRetries, defaultTxBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin %s tx: %w", key, err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		var raw []byte
		err = tx.QueryRow(ctx,
			`SELECT knowledge_bag->$2 FROM knowledge_bases WHERE id = $1 FOR UPDATE`, id, key,
		).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("knowledge base", id)
		}
		if err != nil {
			return fmt.Errorf("storage: lock %s: %w", key, err)
		}

		section, err := next(raw)
		if err != nil {
			return fmt.Errorf("storage: %s: %w", key, err)
		}
		sectionJSON, err := json.Marshal(section)
		if err != nil {
			return fmt.Errorf("storage: marshal %s: %w", key, err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE knowledge_bases
			 SET knowledge_bag = jsonb_set(knowledge_bag, ARRAY[$2::text], $3::jsonb)
			 WHERE id = $1`,
			id, key, sectionJSON,
		); err != nil {
			return fmt.Errorf("storage: write %s: %w", key, err)
		}
		return tx.Commit(ctx)
	})
}

// capTail keeps the last n items.
func capTail[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return append([]T(nil), items[len(items)-n:]...)
}

func scanKnowledgeBase(row pgx.Row) (model.KnowledgeBase, error) {
	var (
		kb         model.KnowledgeBase
		fieldsJSON []byte
		bagJSON    []byte
	)
	if err := row.Scan(
		&kb.ID, &kb.Name, &fieldsJSON, &kb.ToolStack, &bagJSON, &kb.Version,
		&kb.EnrichmentVersion, &kb.LastEnrichedAt, &kb.CreatedAt, &kb.UpdatedAt,
	); err != nil {
		return model.KnowledgeBase{}, err
	}
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &kb.Fields); err != nil {
			return model.KnowledgeBase{}, fmt.Errorf("decode fields: %w", err)
		}
	}
	if len(bagJSON) > 0 {
		if err := json.Unmarshal(bagJSON, &kb.Bag); err != nil {
			return model.KnowledgeBase{}, fmt.Errorf("decode knowledge bag: %w", err)
		}
	}
	return kb, nil
}
