package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// advisoryKey folds a knowledge base id into the int64 key space of
// pg_advisory_lock. Collisions only serialize unrelated knowledge bases.
func advisoryKey(id uuid.UUID) int64 {
	h := fnv.New64a()
	_, _ = h.Write(id[:])
	return int64(binary.BigEndian.Uint64(h.Sum(nil))) //nolint:gosec // wraparound is intended
}

// LockKnowledgeBase takes a session-level advisory lock for id, blocking
// until it is granted or ctx ends. The returned function releases the lock
// and the connection holding it. Locks are visible across processes, so two
// workers never apply events to the same knowledge base at once.
func (db *DB) LockKnowledgeBase(ctx context.Context, id uuid.UUID) (func(), error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: acquire lock connection: %w", err)
	}
	key := advisoryKey(id)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("storage: advisory lock %s: %w", id, err)
	}
	return func() {
		// The caller's context may already be done; unlock must still run.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			db.logger.Warn("storage: advisory unlock failed, dropping connection", "knowledge_base_id", id, "error", err)
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}
