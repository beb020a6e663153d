package market

import (
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// Store owns the current snapshot. Publish is a single pointer swap, so
// readers never see a partially written value.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Publish replaces the current snapshot as a whole.
func (s *Store) Publish(snap Snapshot) {
	cp := snap.clone()
	s.current.Store(&cp)
}

// Current returns the latest snapshot, or the empty sentinel before the first publish.
func (s *Store) Current() Snapshot {
	p := s.current.Load()
	if p == nil {
		return Snapshot{}
	}
	return p.clone()
}

// History is a bounded, chronological buffer of primary prices.
type History struct {
	mu     sync.RWMutex
	values []decimal.Decimal
	limit  int
}

// NewHistory builds a buffer holding at most limit points.
func NewHistory(limit int) *History {
	if limit < 2 {
		limit = 2
	}
	return &History{limit: limit, values: make([]decimal.Decimal, 0, limit)}
}

// Append adds a price, evicting the oldest on overflow.
func (h *History) Append(price decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.values) == h.limit {
		copy(h.values, h.values[1:])
		h.values = h.values[:h.limit-1]
	}
	h.values = append(h.values, price)
}

// Restore replaces the buffer, keeping only the newest points that fit.
func (h *History) Restore(values []decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(values) > h.limit {
		values = values[len(values)-h.limit:]
	}
	h.values = append(h.values[:0], values...)
}

// Values returns a copy in chronological order.
func (h *History) Values() []decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]decimal.Decimal, len(h.values))
	copy(out, h.values)
	return out
}

// Change returns the percentage move from the oldest retained price to the newest.
func (h *History) Change() (decimal.Decimal, bool) {
	return PercentChange(h.Values())
}

// PercentChange computes (last-first)/first*100 rounded to two places.
func PercentChange(values []decimal.Decimal) (decimal.Decimal, bool) {
	if len(values) < 2 {
		return decimal.Zero, false
	}
	first, last := values[0], values[len(values)-1]
	if !first.IsPositive() {
		return decimal.Zero, false
	}
	return last.Sub(first).Div(first).Mul(decimal.NewFromInt(100)).Round(2), true
}
