// Package rate implements a fixed-window in-memory limiter keyed by
// arbitrary strings (route + client IP in practice).
package rate

import (
	"sync"
	"time"
)

type window struct {
	hits    int
	started time.Time
}

type Limiter struct {
	mu      sync.Mutex
	windows map[string]window
	sweptAt time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{windows: make(map[string]window), sweptAt: time.Now().UTC()}
}

// Allow reports whether another event fits in the current window for key,
// counting it if so.
func (l *Limiter) Allow(key string, limit int, span time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	l.sweep(now, span)
	w, ok := l.windows[key]
	if !ok || now.Sub(w.started) >= span {
		l.windows[key] = window{hits: 1, started: now}
		return true
	}
	if w.hits >= limit {
		return false
	}
	w.hits++
	l.windows[key] = w
	return true
}

// sweep drops windows idle for several spans. Runs at most once a minute,
// under the caller's lock.
func (l *Limiter) sweep(now time.Time, span time.Duration) {
	if now.Sub(l.sweptAt) <= time.Minute {
		return
	}
	for k, w := range l.windows {
		if now.Sub(w.started) > 3*span {
			delete(l.windows, k)
		}
	}
	l.sweptAt = now
}
