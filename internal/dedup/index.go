// Package dedup remembers which listings each caller session has already
// been shown for a query, so repeated searches only return new places.
package dedup

import (
	"sync"
	"time"

	"github.com/placescout/backend/internal/domain"
)

type callerEntry struct {
	seen      map[string]map[string]struct{} // query key -> listing names
	lastWrite time.Time
}

// Index is the per-caller-session seen set. One lock guards everything.
type Index struct {
	mu      sync.Mutex
	callers map[string]*callerEntry
	expiry  time.Duration
	now     func() time.Time
}

// New creates an index whose caller entries expire after expiry without
// writes.
func New(expiry time.Duration) *Index {
	return &Index{
		callers: make(map[string]*callerEntry),
		expiry:  expiry,
		now:     time.Now,
	}
}

// Filter returns the listings of batch whose name has not yet been recorded
// for (callerSession, queryKey), and records them. A name repeated inside
// batch is kept once. Records without a real name (failed extractions and
// the "No name" sentinel) are never recorded and always pass.
func (x *Index) Filter(callerSession, queryKey string, batch []domain.Listing) []domain.Listing {
	x.mu.Lock()
	defer x.mu.Unlock()

	ce, ok := x.callers[callerSession]
	if !ok {
		ce = &callerEntry{seen: make(map[string]map[string]struct{})}
		x.callers[callerSession] = ce
	}
	names, ok := ce.seen[queryKey]
	if !ok {
		names = make(map[string]struct{})
		ce.seen[queryKey] = names
	}

	out := make([]domain.Listing, 0, len(batch))
	for _, l := range batch {
		if !identifiable(l) {
			out = append(out, l)
			continue
		}
		if _, dup := names[l.Name]; dup {
			continue
		}
		names[l.Name] = struct{}{}
		out = append(out, l)
	}
	ce.lastWrite = x.now()
	return out
}

func identifiable(l domain.Listing) bool {
	return !l.Failed() && l.Name != domain.NoName
}

// recorded returns how many names are kept for (callerSession, queryKey).
func (x *Index) recorded(callerSession, queryKey string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	if ce, ok := x.callers[callerSession]; ok {
		return len(ce.seen[queryKey])
	}
	return 0
}

// CleanupExpired removes caller sessions idle longer than the expiry window
// and returns how many were removed.
func (x *Index) CleanupExpired() int {
	x.mu.Lock()
	defer x.mu.Unlock()

	cutoff := x.now().Add(-x.expiry)
	removed := 0
	for id, ce := range x.callers {
		if ce.lastWrite.Before(cutoff) {
			delete(x.callers, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked caller sessions.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.callers)
}
