package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"tickrelay/pkg/kite"
	"tickrelay/pkg/storage/postgres"
)

type memorySink struct {
	mu      sync.Mutex
	ticks   []kite.Tick
	records []*postgres.TickRecord
	err     error
	block   chan struct{}
}

func (m *memorySink) SaveTicks(ctx context.Context, ticks []kite.Tick) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks = append(m.ticks, ticks...)
	return m.err
}

func (m *memorySink) InsertTicks(ctx context.Context, records []*postgres.TickRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return m.err
}

func (m *memorySink) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ticks), len(m.records)
}

func frame(tokens ...int32) kite.TicksEvent {
	ev := kite.TicksEvent{}
	for _, tok := range tokens {
		ev.Ticks = append(ev.Ticks, kite.Tick{Token: tok, Symbol: "NIFTY 50", LastPrice: 100})
	}
	return ev
}

// go test -v --run TestRecorderStoresTicks
func TestRecorderStoresTicks(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(zap.NewNop(), 8, sink, sink)

	ctx, cancel := context.WithCancel(context.Background())
	r.StartWorker(ctx)

	handle := r.MakeEventHandler()
	handle(kite.StatusEvent{Connected: true})
	handle(frame(256265, 260105))
	handle(frame(259849))

	cancel()
	<-r.Done()

	ticks, records := sink.counts()
	if ticks != 3 || records != 3 {
		t.Errorf("cached %d, archived %d; want 3 and 3", ticks, records)
	}
}

// go test -v --run TestRecorderDropsWhenFull
func TestRecorderDropsWhenFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	r := NewRecorder(zap.NewNop(), 1, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.StartWorker(ctx)

	r.Handle(frame(1)) // picked up by the worker, which blocks in SaveTicks
	time.Sleep(50 * time.Millisecond)
	r.Handle(frame(2)) // fills the queue
	r.Handle(frame(3)) // dropped

	if r.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", r.Dropped())
	}

	close(sink.block)
	cancel()
	<-r.Done()

	if ticks, _ := sink.counts(); ticks != 2 {
		t.Errorf("stored %d ticks, want 2", ticks)
	}
}

// go test -v --run TestRecorderStorageErrors
func TestRecorderStorageErrors(t *testing.T) {
	sink := &memorySink{err: errors.New("connection refused")}
	r := NewRecorder(zap.NewNop(), 4, sink, sink)

	ctx, cancel := context.WithCancel(context.Background())
	r.StartWorker(ctx)
	r.Handle(frame(256265))
	cancel()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}
