package manabi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/manabi/internal/storage"
)

// DefaultSettle is how long Watch waits after the last notification for a
// knowledge base before applying its events.
const DefaultSettle = 2 * time.Second

// Watch applies pending events as they arrive. It first catches up on every
// knowledge base with pending events, then listens for create notifications
// and applies each notified knowledge base once its notifications have been
// quiet for settle. It blocks until ctx is cancelled.
//
// Watch needs a direct Postgres connection (NOTIFY_URL).
func (a *App) Watch(ctx context.Context, settle time.Duration) error {
	if settle <= 0 {
		settle = DefaultSettle
	}
	a.Start(ctx)

	if err := a.db.Listen(ctx, storage.ChannelEvents); err != nil {
		return fmt.Errorf("manabi: watch: %w", err)
	}
	a.logger.Info("watch: listening", "channel", storage.ChannelEvents, "settle", settle)

	if _, err := a.ApplyAll(ctx, ApplyRequest{}); err != nil {
		a.logger.Warn("watch: catch-up apply failed", "error", err)
	}

	ids := make(chan uuid.UUID, 64)
	errCh := make(chan error, 1)
	go func() {
		for {
			_, payload, err := a.db.WaitForNotification(ctx)
			if err != nil {
				errCh <- err
				return
			}
			id, err := uuid.Parse(payload)
			if err != nil {
				a.logger.Warn("watch: ignoring malformed payload", "payload", payload)
				continue
			}
			select {
			case ids <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	b := newBatcher(settle)
	timer := time.NewTimer(settle)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("manabi: watch: %w", err)
		case id := <-ids:
			b.add(id, time.Now())
			timer.Reset(settle)
		case now := <-timer.C:
			ready := b.ready(now)
			if len(ready) > 0 {
				a.logger.Info("watch: applying", "knowledge_bases", len(ready))
				a.applyMany(ctx, ready, ApplyRequest{})
			}
			if b.len() > 0 {
				timer.Reset(settle)
			}
		}
	}
}

// batcher collects notified knowledge bases and releases each once it has
// been quiet for settle.
type batcher struct {
	settle time.Duration
	last   map[uuid.UUID]time.Time
}

func newBatcher(settle time.Duration) *batcher {
	return &batcher{settle: settle, last: make(map[uuid.UUID]time.Time)}
}

func (b *batcher) add(id uuid.UUID, at time.Time) { b.last[id] = at }

func (b *batcher) len() int { return len(b.last) }

// ready removes and returns the ids quiet since now-settle, in a stable order.
func (b *batcher) ready(now time.Time) []uuid.UUID {
	var out []uuid.UUID
	for id, at := range b.last {
		if now.Sub(at) >= b.settle {
			out = append(out, id)
			delete(b.last, id)
		}
	}
	slices.SortFunc(out, func(x, y uuid.UUID) int { return slices.Compare(x[:], y[:]) })
	return out
}
