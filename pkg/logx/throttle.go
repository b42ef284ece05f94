package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits repeated log lines per key (e.g. a task id).
//
// Bursty conditions like a full dispatch queue can otherwise flood the log
// once per tick. Each key gets its own limiter; keys are never evicted, so use
// a bounded key space (task ids, not timestamps).
type Throttle struct {
	every time.Duration

	mu   sync.Mutex
	lims map[string]*rate.Limiter
}

// NewThrottle allows one line per key every d. d <= 0 disables throttling.
func NewThrottle(d time.Duration) *Throttle {
	return &Throttle{every: d, lims: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be written now.
func (t *Throttle) Allow(key string) bool {
	if t == nil || t.every <= 0 {
		return true
	}
	t.mu.Lock()
	lim := t.lims[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(t.every), 1)
		t.lims[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

// Forget drops the limiter for key.
func (t *Throttle) Forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.lims, key)
	t.mu.Unlock()
}
