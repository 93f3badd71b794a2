package stream

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tickrelay/pkg/kite"
	"tickrelay/pkg/storage/postgres"
)

const storeTimeout = 5 * time.Second

// TickCache stores the latest tick per instrument.
type TickCache interface {
	SaveTicks(ctx context.Context, ticks []kite.Tick) error
}

// TickArchive appends ticks to long-term storage.
type TickArchive interface {
	InsertTicks(ctx context.Context, records []*postgres.TickRecord) error
}

type batch struct {
	ticks      []kite.Tick
	receivedAt time.Time
}

// Recorder persists decoded ticks off the feed's read goroutine. Frames are
// queued on a buffered channel and written by a single worker.
type Recorder struct {
	logger  *zap.Logger
	cache   TickCache
	archive TickArchive

	queue   chan batch
	done    chan struct{}
	dropped atomic.Uint64
}

// NewRecorder creates a recorder. Either sink may be nil.
func NewRecorder(logger *zap.Logger, buffer int, cache TickCache, archive TickArchive) *Recorder {
	if buffer <= 0 {
		buffer = 1
	}
	return &Recorder{
		logger:  logger.Named("recorder"),
		cache:   cache,
		archive: archive,
		queue:   make(chan batch, buffer),
		done:    make(chan struct{}),
	}
}

// MakeEventHandler returns the feed handler that enqueues tick frames.
func (r *Recorder) MakeEventHandler() kite.EventHandler {
	return r.Handle
}

// Handle enqueues tick frames without blocking; status events are ignored.
// A full queue drops the frame.
func (r *Recorder) Handle(ev kite.Event) {
	te, ok := ev.(kite.TicksEvent)
	if !ok || len(te.Ticks) == 0 {
		return
	}

	select {
	case r.queue <- batch{ticks: te.Ticks, receivedAt: time.Now()}:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("recorder queue full, dropping frame",
			zap.Int("ticks", len(te.Ticks)),
			zap.Uint64("dropped_total", n))
	}
}

// StartWorker drains the queue until ctx is cancelled. Frames still queued at
// cancellation are flushed before Done is closed.
func (r *Recorder) StartWorker(ctx context.Context) {
	go func() {
		defer close(r.done)
		for {
			select {
			case b := <-r.queue:
				r.store(b)
			case <-ctx.Done():
				r.flush()
				return
			}
		}
	}()
}

// Done is closed once the worker has exited.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) flush() {
	for {
		select {
		case b := <-r.queue:
			r.store(b)
		default:
			return
		}
	}
}

func (r *Recorder) store(b batch) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if r.cache != nil {
		if err := r.cache.SaveTicks(ctx, b.ticks); err != nil {
			r.logger.Warn("failed to cache ticks", zap.Error(err))
		}
	}

	if r.archive != nil {
		records := postgres.ToTickRecords(b.ticks, b.receivedAt)
		if err := r.archive.InsertTicks(ctx, records); err != nil {
			r.logger.Warn("failed to archive ticks", zap.Int("records", len(records)), zap.Error(err))
		}
	}
}
