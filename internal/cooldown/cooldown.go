// Package cooldown throttles repeated actions per owner.
package cooldown

import (
	"context"
	"sync"
	"time"
)

// Gate admits one action per owner per window. Reserve claims the window
// for owner; Release hands it back when the action did not happen.
type Gate interface {
	Reserve(ctx context.Context, owner int64) (bool, time.Duration, error)
	Release(ctx context.Context, owner int64) error
}

// Tracker is an in-process Gate.
type Tracker struct {
	mu      sync.Mutex
	window  time.Duration
	last    map[int64]time.Time
	now     func() time.Time
	sweepAt time.Time
}

// New returns a tracker that admits one action per owner per window.
// A non-positive window admits everything.
func New(window time.Duration) *Tracker {
	return &Tracker{
		window: window,
		last:   make(map[int64]time.Time),
		now:    time.Now,
	}
}

// Reserve records an action for owner and reports whether it was admitted.
// The remaining wait is returned when it was not.
func (t *Tracker) Reserve(_ context.Context, owner int64) (bool, time.Duration, error) {
	if t == nil || t.window <= 0 {
		return true, 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.sweep(now)

	if prev, ok := t.last[owner]; ok {
		if wait := t.window - now.Sub(prev); wait > 0 {
			return false, wait, nil
		}
	}
	t.last[owner] = now
	return true, 0, nil
}

// Release forgets the owner's last action.
func (t *Tracker) Release(_ context.Context, owner int64) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, owner)
	return nil
}

func (t *Tracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

// sweep drops expired entries at most once per window.
func (t *Tracker) sweep(now time.Time) {
	if now.Before(t.sweepAt) {
		return
	}
	for owner, at := range t.last {
		if now.Sub(at) >= t.window {
			delete(t.last, owner)
		}
	}
	t.sweepAt = now.Add(t.window)
}

var _ Gate = (*Tracker)(nil)
