// Package ratelimit implements local admission control for outbound calls.
//
// It is a fixed-window counter, not a sliding window: a burst straddling a
// window boundary can admit up to twice the limit in a short span. That is
// acceptable here — this guard exists to catch accidental client loops, the
// backend enforces the real limit.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/tably-dev/tably-go/internal/errdefs"
)

type window struct {
	count    int
	openedAt time.Time
}

// Limiter counts calls per logical endpoint key inside a fixed window.
// Endpoints sharing a key share a budget; the key is NOT the URL.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func New() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Admit records one call against key and reports whether it fits the budget.
// The first call for a key, or the first call after the window elapsed,
// opens a fresh window. Calls beyond limit inside the window return
// errdefs.ErrRateLimited so the caller can show a throttling message
// instead of a generic failure.
func (l *Limiter) Admit(key string, limit int, windowDur time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.openedAt) >= windowDur {
		w = &window{openedAt: now}
		l.windows[key] = w
	}
	w.count++
	if w.count > limit {
		return fmt.Errorf("%w: %q exceeded %d calls per %s", errdefs.ErrRateLimited, key, limit, windowDur)
	}
	return nil
}

// Remaining returns how many calls are left in the key's current window.
// A key with no open (or an elapsed) window has the full budget.
func (l *Limiter) Remaining(key string, limit int, windowDur time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || l.now().Sub(w.openedAt) >= windowDur {
		return limit
	}
	if w.count >= limit {
		return 0
	}
	return limit - w.count
}
