package instrument

import (
	"fmt"
	"sort"
	"sync"

	"tickrelay/config"
	"tickrelay/pkg/kite"
)

var _ kite.Registry = (*Registry)(nil)

// Registry maps instrument tokens to metadata. Membership is also the
// admission filter for the feed: only registered tokens are subscribed
// upstream and forwarded downstream.
type Registry struct {
	mu    sync.RWMutex
	byTok map[int32]kite.Instrument
}

func NewRegistry(instruments ...kite.Instrument) (*Registry, error) {
	r := &Registry{byTok: make(map[int32]kite.Instrument, len(instruments))}
	for _, in := range instruments {
		if err := r.Add(in); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// FromConfig builds a registry from the configured instrument list.
func FromConfig(list []config.InstrumentConfig) (*Registry, error) {
	instruments := make([]kite.Instrument, 0, len(list))
	for _, c := range list {
		instruments = append(instruments, kite.Instrument{
			Token:  c.Token,
			Symbol: c.Symbol,
			Name:   c.Name,
			Icon:   c.Icon,
		})
	}
	return NewRegistry(instruments...)
}

func (r *Registry) Add(in kite.Instrument) error {
	if in.Token <= 0 {
		return fmt.Errorf("instrument %q: invalid token %d", in.Symbol, in.Token)
	}
	if in.Symbol == "" {
		return fmt.Errorf("instrument %d: symbol is required", in.Token)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byTok[in.Token]; ok {
		return fmt.Errorf("duplicate instrument token %d (%s, %s)", in.Token, existing.Symbol, in.Symbol)
	}
	r.byTok[in.Token] = in
	return nil
}

func (r *Registry) Lookup(token int32) (kite.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.byTok[token]
	return in, ok
}

// Tokens returns all registered tokens in ascending order.
func (r *Registry) Tokens() []int32 {
	r.mu.RLock()
	out := make([]int32, 0, len(r.byTok))
	for tok := range r.byTok {
		out = append(out, tok)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTok)
}
