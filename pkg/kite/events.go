package kite

// Event is emitted by FeedClient to its handlers. The set of kinds is
// closed: only TicksEvent and StatusEvent implement it.
type Event interface {
	isEvent()
}

// TicksEvent carries the non-empty result of decoding one binary frame.
type TicksEvent struct {
	Ticks []Tick
}

// StatusEvent reports an upstream connectivity change.
type StatusEvent struct {
	Connected bool
}

func (TicksEvent) isEvent()  {}
func (StatusEvent) isEvent() {}

// EventHandler receives events on the connection goroutine. Handlers must
// not block; slow work belongs behind a queue.
type EventHandler func(Event)
