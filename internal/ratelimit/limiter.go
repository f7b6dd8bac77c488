// Package ratelimit admits search submissions per client using a sliding
// window of request timestamps. State is in memory only.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a per-identity sliding window limiter
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	now     func() time.Time
	history map[string][]time.Time
}

// New creates a limiter admitting max requests per window for each identity.
func New(window time.Duration, max int) *Limiter {
	return &Limiter{
		window:  window,
		max:     max,
		now:     time.Now,
		history: make(map[string][]time.Time),
	}
}

// Allow records a request for identity and reports whether it is admitted.
// Rejected requests are not recorded.
func (l *Limiter) Allow(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stamps := l.evict(identity, now)
	if len(stamps) >= l.max {
		return false
	}
	l.history[identity] = append(stamps, now)
	return true
}

// Remaining returns how many more requests identity may make right now.
func (l *Limiter) Remaining(identity string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return max(0, l.max-len(l.evict(identity, l.now())))
}

// Prune drops identities with no timestamps inside the window.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id := range l.history {
		if len(l.evict(id, now)) == 0 {
			delete(l.history, id)
			removed++
		}
	}
	return removed
}

// evict must be called with l.mu held.
func (l *Limiter) evict(identity string, now time.Time) []time.Time {
	stamps := l.history[identity]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		stamps = append(stamps[:0], stamps[i:]...)
		l.history[identity] = stamps
	}
	return stamps
}
