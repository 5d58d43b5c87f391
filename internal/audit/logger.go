package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fnbcost/fnbcost/internal/observability"
)

// Store persists audit entries. Implementations must be append-only.
type Store interface {
	InsertBatch(ctx context.Context, entries []Entry) error
}

// Options tunes the asynchronous writer.
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// ErrLoggerClosed is returned by Close when called twice.
var ErrLoggerClosed = errors.New("audit: logger closed")

// Logger records audit entries without blocking the caller. Entries are buffered and
// written in batches by a single goroutine. Any failure to persist is reported to the
// diagnostic channel and never surfaces to the caller.
type Logger struct {
	store   Store
	diag    *slog.Logger
	metrics *observability.Metrics
	opts    Options
	now     func() time.Time

	mu      sync.RWMutex
	closed  bool
	entries chan Entry
	done    chan struct{}
}

// NewLogger starts the background writer.
func NewLogger(store Store, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	l := &Logger{
		store:   store,
		diag:    logger.With(slog.String("channel", "audit-diagnostic")),
		metrics: metrics,
		opts:    opts,
		now:     time.Now,
		entries: make(chan Entry, opts.BufferSize),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Record builds an entry, including the before/after diff, and queues it for writing.
// The built entry is returned even when it could not be queued.
func (l *Logger) Record(ctx context.Context, rec Record) Entry {
	entry := Entry{
		ID:         uuid.New(),
		ActorID:    rec.ActorID,
		Action:     rec.Action,
		Resource:   rec.Resource,
		ResourceID: rec.ResourceID,
		Outcome:    rec.Outcome,
		Message:    rec.Message,
		Metadata:   rec.Metadata,
		Request:    rec.Request,
		At:         l.now().UTC(),
	}
	if !entry.Outcome.Valid() {
		entry.Outcome = OutcomeError
	}
	diff, err := Compare(rec.Before, rec.After)
	if err != nil {
		l.diag.Warn("audit diff skipped", slog.String("action", rec.Action), slog.Any("error", err))
	} else {
		entry.Diff = diff
	}
	l.enqueue(entry)
	return entry
}

func (l *Logger) enqueue(entry Entry) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop("closed", entry)
		return
	}
	select {
	case l.entries <- entry:
	default:
		l.drop("buffer_full", entry)
	}
}

func (l *Logger) drop(reason string, entry Entry) {
	l.metrics.AuditDropped(reason, 1)
	l.diag.Error("audit entry dropped",
		slog.String("reason", reason),
		slog.String("entry_id", entry.ID.String()),
		slog.Int64("actor_id", entry.ActorID),
		slog.String("action", entry.Action),
		slog.String("resource", entry.Resource),
		slog.String("outcome", string(entry.Outcome)))
}

func (l *Logger) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, l.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.write(batch)
		batch = make([]Entry, 0, l.opts.BatchSize)
	}
	for {
		select {
		case entry, ok := <-l.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= l.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *Logger) write(batch []Entry) {
	if l.store == nil {
		for _, entry := range batch {
			l.drop("no_store", entry)
		}
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.WriteTimeout)
	defer cancel()
	if err := l.store.InsertBatch(ctx, batch); err != nil {
		l.metrics.AuditDropped("store_error", len(batch))
		l.diag.Error("audit batch write failed", slog.Int("entries", len(batch)), slog.Any("error", err))
		return
	}
	l.metrics.AuditWritten(len(batch))
}

// Close stops accepting entries and waits for queued ones to be written or for ctx to end.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoggerClosed
	}
	l.closed = true
	close(l.entries)
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
