package hub

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"tickrelay/internal/protocol"
	"tickrelay/pkg/kite"
)

// Subscriber is a downstream consumer of feed events. Send must not block.
type Subscriber interface {
	ID() string
	IsOpen() bool
	Send(b []byte) error
}

// Hub fans feed events out to every registered subscriber.
type Hub struct {
	logger *zap.Logger

	mu          sync.Mutex // held for the whole broadcast
	subscribers []Subscriber
	connected   bool // last known upstream status
}

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{logger: logger.Named("hub")}
}

// Register adds sub and immediately sends it the current upstream status.
// Registering the same subscriber twice is a no-op apart from the status push.
func (h *Hub) Register(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.indexLocked(sub) < 0 {
		h.subscribers = append(h.subscribers, sub)
		h.logger.Info("subscriber registered",
			zap.String("id", sub.ID()),
			zap.Int("subscribers", len(h.subscribers)))
	}

	b, err := protocol.Marshal(kite.StatusEvent{Connected: h.connected})
	if err != nil {
		h.logger.Error("failed to marshal status", zap.Error(err))
		return
	}
	if err := sub.Send(b); err != nil {
		h.removeLocked(sub, err)
	}
}

func (h *Hub) Unregister(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub, nil)
}

// Broadcast marshals ev once and sends the same bytes to every open
// subscriber in registration order. Closed or failing subscribers are dropped.
func (h *Hub) Broadcast(ev kite.Event) {
	b, err := protocol.Marshal(ev)
	if err != nil {
		h.logger.Error("skipping event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if st, ok := ev.(kite.StatusEvent); ok {
		h.connected = st.Connected
	}

	kept := h.subscribers[:0]
	for _, sub := range h.subscribers {
		if !sub.IsOpen() {
			h.logger.Debug("pruning closed subscriber", zap.String("id", sub.ID()))
			continue
		}
		if err := sub.Send(b); err != nil {
			h.logger.Warn("send failed, dropping subscriber", zap.String("id", sub.ID()), zap.Error(err))
			continue
		}
		kept = append(kept, sub)
	}
	clearTail(h.subscribers, len(kept))
	h.subscribers = kept
}

// Sweep removes subscribers that closed without a failed send and returns how
// many were removed.
func (h *Hub) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.subscribers[:0]
	for _, sub := range h.subscribers {
		if sub.IsOpen() {
			kept = append(kept, sub)
		}
	}
	removed := len(h.subscribers) - len(kept)
	clearTail(h.subscribers, len(kept))
	h.subscribers = kept
	if removed > 0 {
		h.logger.Info("swept stale subscribers", zap.Int("removed", removed), zap.Int("subscribers", len(kept)))
	}
	return removed
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Connected reports the last upstream status seen by Broadcast.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *Hub) indexLocked(sub Subscriber) int {
	return slices.Index(h.subscribers, sub)
}

func (h *Hub) removeLocked(sub Subscriber, cause error) {
	i := h.indexLocked(sub)
	if i < 0 {
		return
	}
	h.subscribers = slices.Delete(h.subscribers, i, i+1)
	fields := []zap.Field{zap.String("id", sub.ID()), zap.Int("subscribers", len(h.subscribers))}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	h.logger.Info("subscriber unregistered", fields...)
}

// clearTail nils out the dropped entries so filtered subscribers can be
// garbage collected.
func clearTail(subs []Subscriber, from int) {
	for i := from; i < len(subs); i++ {
		subs[i] = nil
	}
}
