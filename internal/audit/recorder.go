// Package audit records provenance for learning events: audit log entries,
// state snapshots, and an approximate replay of applied events.
//
// Writes happen on a background worker. Recording never blocks the engine
// and never fails it; lost records are logged and counted.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/telemetry"
)

// DefaultBufferSize is the default job queue capacity.
const DefaultBufferSize = 1024

// jobTimeout bounds one storage write.
const jobTimeout = 10 * time.Second

// Store persists provenance. Implementations serialize appends per knowledge
// base and enforce retention caps.
type Store interface {
	AppendAudit(ctx context.Context, kbID uuid.UUID, entries []model.AuditEntry) error
	AppendSnapshot(ctx context.Context, kbID uuid.UUID, s model.Snapshot) error
}

// Job is one unit of provenance for a knowledge base. Entries and Snapshot
// may both be set.
type Job struct {
	KnowledgeBaseID uuid.UUID
	Entries         []model.AuditEntry
	Snapshot        *model.Snapshot

	flushed chan struct{}
}

// Recorder writes jobs on a single background goroutine, in submission order.
type Recorder struct {
	store  Store
	logger *slog.Logger
	jobs   chan Job

	started    atomic.Bool
	stopped    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context

	dropped atomic.Int64
	failed  atomic.Int64

	droppedCounter metric.Int64Counter
	failedCounter  metric.Int64Counter
}

// NewRecorder creates a Recorder with a queue of bufferSize jobs.
func NewRecorder(store Store, logger *slog.Logger, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	r := &Recorder{
		store:   store,
		logger:  logger,
		jobs:    make(chan Job, bufferSize),
		done:    make(chan struct{}),
		drainCh: make(chan context.Context, 1),
	}
	meter := telemetry.Meter("manabi/audit")
	r.droppedCounter, _ = meter.Int64Counter("manabi.audit.dropped",
		metric.WithDescription("Provenance jobs dropped because the queue was full or closed"))
	r.failedCounter, _ = meter.Int64Counter("manabi.audit.failed",
		metric.WithDescription("Provenance jobs whose storage write failed"))
	return r
}

// Start begins the background loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (r *Recorder) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("audit: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.loop(loopCtx)
}

// Record queues job without blocking. It reports false when the job was
// dropped because the queue is full or the recorder is draining.
func (r *Recorder) Record(job Job) bool {
	if len(job.Entries) == 0 && job.Snapshot == nil {
		return true
	}
	if r.stopped.Load() {
		r.drop(job, "recorder stopped")
		return false
	}
	select {
	case r.jobs <- job:
		return true
	default:
		r.drop(job, "queue full")
		return false
	}
}

func (r *Recorder) drop(job Job, reason string) {
	r.dropped.Add(1)
	if r.droppedCounter != nil {
		r.droppedCounter.Add(context.Background(), 1)
	}
	r.logger.Warn("audit: dropping provenance job",
		"reason", reason,
		"knowledge_base_id", job.KnowledgeBaseID,
		"entries", len(job.Entries),
		"snapshot", job.Snapshot != nil)
}

// Flush blocks until every job queued before the call has been written, or
// ctx ends. The recorder must be started.
func (r *Recorder) Flush(ctx context.Context) error {
	marker := Job{flushed: make(chan struct{})}
	select {
	case r.jobs <- marker:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-marker.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops accepting jobs, writes those already queued, and blocks until
// done or ctx expires. The remaining writes use ctx.
func (r *Recorder) Drain(ctx context.Context) {
	r.stopped.Store(true)
	select {
	case r.drainCh <- ctx:
	default:
	}
	if r.cancelLoop != nil {
		r.cancelLoop()
	} else {
		// Never started: write what is queued inline.
		r.drainQueue(ctx)
		r.once.Do(func() { close(r.done) })
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("audit: drain timed out")
	}
}

// Dropped returns the number of jobs dropped since creation.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Failed returns the number of jobs whose write failed.
func (r *Recorder) Failed() int64 { return r.failed.Load() }

func (r *Recorder) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-r.drainCh:
			default:
			}
			if drainCtx == nil {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), jobTimeout)
				r.drainQueue(fallbackCtx)
				cancel()
			} else {
				r.drainQueue(drainCtx)
			}
			r.once.Do(func() { close(r.done) })
			return
		case job := <-r.jobs:
			jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobTimeout)
			r.process(jobCtx, job)
			cancel()
		}
	}
}

func (r *Recorder) drainQueue(ctx context.Context) {
	for {
		select {
		case job := <-r.jobs:
			r.process(ctx, job)
		default:
			return
		}
	}
}

func (r *Recorder) process(ctx context.Context, job Job) {
	if job.flushed != nil {
		close(job.flushed)
		return
	}
	if len(job.Entries) > 0 {
		if err := r.store.AppendAudit(ctx, job.KnowledgeBaseID, job.Entries); err != nil {
			r.fail(ctx, "audit: append audit entries failed", job, err)
		}
	}
	if job.Snapshot != nil {
		if err := r.store.AppendSnapshot(ctx, job.KnowledgeBaseID, *job.Snapshot); err != nil {
			r.fail(ctx, "audit: append snapshot failed", job, err)
		}
	}
}

func (r *Recorder) fail(ctx context.Context, msg string, job Job, err error) {
	r.failed.Add(1)
	if r.failedCounter != nil {
		r.failedCounter.Add(ctx, 1)
	}
	r.logger.Warn(msg, "knowledge_base_id", job.KnowledgeBaseID, "error", err)
}
