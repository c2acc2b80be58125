package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/manabi/internal/model"
)

const eventColumns = `id, knowledge_base_id, category, event_type, insight, confidence,
	source_type, source_ids, triggered_by, metadata, embedding, created_at,
	applied, applied_at, applied_to_fields`

var copyEventColumns = []string{
	"id", "knowledge_base_id", "category", "event_type", "insight", "confidence",
	"source_type", "source_ids", "triggered_by", "metadata", "embedding", "created_at",
}

// InsertLearningEvents persists new, unapplied events in one transaction.
// Events are COPYed into a temp table and moved with ON CONFLICT (id) DO
// NOTHING, so re-inserting an id is a no-op. It returns the ids actually
// inserted.
func (db *DB) InsertLearningEvents(ctx context.Context, events []model.LearningEvent) ([]uuid.UUID, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin insert events tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE _incoming_events (LIKE learning_events INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return nil, fmt.Errorf("storage: create incoming temp table: %w", err)
	}

	rows := make([][]any, len(events))
	for i, e := range events {
		meta := e.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("storage: marshal event metadata: %w", err)
		}
		sourceIDs := e.SourceIDs
		if sourceIDs == nil {
			sourceIDs = []string{}
		}
		var embedding any
		if e.Embedding != nil {
			embedding = *e.Embedding
		}
		rows[i] = []any{
			e.ID, e.KnowledgeBaseID, string(e.Category), string(e.EventType), e.Insight, e.Confidence,
			string(e.SourceType), sourceIDs, e.TriggeredBy, metaJSON, embedding, e.CreatedAt,
		}
	}

	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	_, err = tx.CopyFrom(copyCtx, pgx.Identifier{"_incoming_events"}, copyEventColumns, pgx.CopyFromRows(rows))
	copyCancel()
	if err != nil {
		return nil, fmt.Errorf("storage: copy into incoming temp table: %w", err)
	}

	idRows, err := tx.Query(ctx,
		`INSERT INTO learning_events SELECT * FROM _incoming_events
		 ON CONFLICT (id) DO NOTHING
		 RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("storage: insert from incoming temp table: %w", err)
	}
	inserted, err := pgx.CollectRows(idRows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: collect inserted ids: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit insert events: %w", err)
	}
	return inserted, nil
}

// RecentEventsByCategory returns events of one category created at or after
// since, newest first. These are the dedup candidates for new insights.
func (db *DB) RecentEventsByCategory(ctx context.Context, kbID uuid.UUID, category model.Category, since time.Time) ([]model.LearningEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM learning_events
		 WHERE knowledge_base_id = $1 AND category = $2 AND created_at >= $3
		 ORDER BY created_at DESC, id DESC`,
		kbID, string(category), since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent events by category: %w", err)
	}
	defer rows.Close()
	return scanLearningEvents(rows)
}

// UnappliedEventsPage returns up to limit unapplied events with raw
// confidence >= minConfidence, strictly after cursor in (created_at, id)
// order. A page shorter than limit is the last one.
func (db *DB) UnappliedEventsPage(ctx context.Context, kbID uuid.UUID, minConfidence int, cursor model.EventCursor, limit int) ([]model.LearningEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM learning_events
		 WHERE knowledge_base_id = $1 AND NOT applied AND confidence >= $2
		   AND ($3::timestamptz IS NULL OR (created_at, id) > ($3, $4))
		 ORDER BY created_at ASC, id ASC
		 LIMIT $5`,
		kbID, minConfidence, cursorTime(cursor), cursor.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: unapplied events page: %w", err)
	}
	defer rows.Close()
	return scanLearningEvents(rows)
}

// AppliedEventsPage returns up to limit applied events after cursor in
// creation order. Used by replay.
func (db *DB) AppliedEventsPage(ctx context.Context, kbID uuid.UUID, cursor model.EventCursor, limit int) ([]model.LearningEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM learning_events
		 WHERE knowledge_base_id = $1 AND applied
		   AND ($2::timestamptz IS NULL OR (created_at, id) > ($2, $3))
		 ORDER BY created_at ASC, id ASC
		 LIMIT $4`,
		kbID, cursorTime(cursor), cursor.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: applied events page: %w", err)
	}
	defer rows.Close()
	return scanLearningEvents(rows)
}

// MarkEventsApplied flips applied to true for every mark in a single
// statement. Rows already applied are left untouched, so an event
// transitions at most once. It returns the number of rows transitioned.
func (db *DB) MarkEventsApplied(ctx context.Context, marks []model.AppliedMark) (int64, error) {
	if len(marks) == 0 {
		return 0, nil
	}
	ids := make([]uuid.UUID, len(marks))
	fields := make([]string, len(marks))
	for i, m := range marks {
		ids[i] = m.EventID
		f := m.Fields
		if f == nil {
			f = []string{}
		}
		b, err := json.Marshal(f)
		if err != nil {
			return 0, fmt.Errorf("storage: marshal applied fields: %w", err)
		}
		fields[i] = string(b)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE learning_events AS e
		 SET applied = true,
		     applied_at = now(),
		     applied_to_fields = ARRAY(SELECT jsonb_array_elements_text(m.fields::jsonb))
		 FROM unnest($1::uuid[], $2::text[]) AS m(id, fields)
		 WHERE e.id = m.id AND NOT e.applied`,
		ids, fields,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: mark events applied: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetLearningEvent returns one event by id.
func (db *DB) GetLearningEvent(ctx context.Context, id uuid.UUID) (model.LearningEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM learning_events WHERE id = $1`, id)
	if err != nil {
		return model.LearningEvent{}, fmt.Errorf("storage: get learning event: %w", err)
	}
	defer rows.Close()
	events, err := scanLearningEvents(rows)
	if err != nil {
		return model.LearningEvent{}, err
	}
	if len(events) == 0 {
		return model.LearningEvent{}, notFound("learning event", id)
	}
	return events[0], nil
}

// EventCounts summarizes a knowledge base's event log.
type EventCounts struct {
	Total   int64 `json:"total"`
	Applied int64 `json:"applied"`
	Pending int64 `json:"pending"`
}

// CountEvents returns total, applied and pending event counts.
func (db *DB) CountEvents(ctx context.Context, kbID uuid.UUID) (EventCounts, error) {
	var c EventCounts
	err := db.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE applied), count(*) FILTER (WHERE NOT applied)
		 FROM learning_events WHERE knowledge_base_id = $1`, kbID,
	).Scan(&c.Total, &c.Applied, &c.Pending)
	if err != nil {
		return EventCounts{}, fmt.Errorf("storage: count events: %w", err)
	}
	return c, nil
}

// PendingKnowledgeBases returns the ids of knowledge bases that have
// unapplied events at or above minConfidence, oldest pending event first.
func (db *DB) PendingKnowledgeBases(ctx context.Context, minConfidence int) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT knowledge_base_id
		 FROM learning_events
		 WHERE NOT applied AND confidence >= $1
		 GROUP BY knowledge_base_id
		 ORDER BY min(created_at), knowledge_base_id`, minConfidence,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pending knowledge bases: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan pending knowledge bases: %w", err)
	}
	return ids, nil
}

// FindSimilarEvents returns events of kbID and category whose embedding is
// closest to the given vector by cosine distance. Score is cosine similarity.
func (db *DB) FindSimilarEvents(ctx context.Context, kbID uuid.UUID, category model.Category, embedding []float32, limit int) ([]model.SimilarEvent, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, 1 - (embedding <=> $3) AS score
		 FROM learning_events
		 WHERE knowledge_base_id = $1 AND category = $2 AND embedding IS NOT NULL
		   AND vector_dims(embedding) = vector_dims($3)
		 ORDER BY embedding <=> $3
		 LIMIT $4`,
		kbID, string(category), pgvector.NewVector(embedding), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find similar events: %w", err)
	}
	defer rows.Close()

	var out []model.SimilarEvent
	for rows.Next() {
		var (
			s     model.SimilarEvent
			score float64
		)
		if err := rows.Scan(&s.EventID, &score); err != nil {
			return nil, fmt.Errorf("storage: scan similar event: %w", err)
		}
		s.Score = float32(score)
		out = append(out, s)
	}
	return out, rows.Err()
}

// cursorTime returns nil for the zero cursor so the SQL predicate matches
// every row.
func cursorTime(c model.EventCursor) *time.Time {
	if c.IsZero() {
		return nil
	}
	t := c.CreatedAt
	return &t
}

func scanLearningEvents(rows pgx.Rows) ([]model.LearningEvent, error) {
	var events []model.LearningEvent
	for rows.Next() {
		var (
			e         model.LearningEvent
			category  string
			eventType string
			source    string
			metaJSON  []byte
			embedding *pgvector.Vector
		)
		if err := rows.Scan(
			&e.ID, &e.KnowledgeBaseID, &category, &eventType, &e.Insight, &e.Confidence,
			&source, &e.SourceIDs, &e.TriggeredBy, &metaJSON, &embedding, &e.CreatedAt,
			&e.Applied, &e.AppliedAt, &e.AppliedToFields,
		); err != nil {
			return nil, fmt.Errorf("storage: scan learning event: %w", err)
		}
		e.Category = model.Category(category)
		e.EventType = model.EventType(eventType)
		e.SourceType = model.SourceType(source)
		e.Embedding = embedding
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("storage: decode event metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate learning events: %w", err)
	}
	return events, nil
}
