package learning

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MutexLocker serializes apply calls per knowledge base within one process.
// Use storage's advisory lock when several processes share a database.
type MutexLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// NewMutexLocker creates an in-process Locker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{locks: make(map[uuid.UUID]*lockEntry)}
}

// LockKnowledgeBase blocks until id is free or ctx ends.
func (l *MutexLocker) LockKnowledgeBase(ctx context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	e := l.locks[id]
	if e == nil {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(id, e)
		})
	}, nil
}

func (l *MutexLocker) release(id uuid.UUID, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
}
