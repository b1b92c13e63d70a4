// Package throttle holds the rate gates applied to inbound commands.
package throttle

import (
	"sync"
	"time"
)

// Window is a sliding-window limiter keyed by connection ID.
type Window struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

// NewWindow allows at most limit events per key in any interval. A limit
// below 1 disables limiting.
func NewWindow(limit int, interval time.Duration) *Window {
	return &Window{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt for key and reports whether it is within the limit.
// Rejected attempts are not recorded.
func (w *Window) Allow(key string) bool {
	if w == nil || w.limit < 1 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	windowStart := now.Add(-w.interval)

	attempts := w.history[key]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= w.limit {
		w.history[key] = fresh
		return false
	}

	w.history[key] = append(fresh, now)
	return true
}

// Forget drops the history of key, e.g. when its connection closes.
func (w *Window) Forget(key string) {
	if w == nil {
		return
	}
	w.mu.Lock()
	delete(w.history, key)
	w.mu.Unlock()
}

// Gate passes at most one event per interval given the time of the last
// passed event. It is used for the audio-level broadcast.
type Gate struct {
	Interval time.Duration
}

// Pass reports whether an event at now may pass when the previous one passed
// at last. A zero last always passes.
func (g Gate) Pass(last, now time.Time) bool {
	if last.IsZero() || g.Interval <= 0 {
		return true
	}
	return now.Sub(last) >= g.Interval
}
