package scraper

import (
	"context"

	"github.com/placescout/backend/internal/domain"
)

// Session is one reusable browser automation handle. A session is used by a
// single task at a time; the pool enforces that.
type Session interface {
	// Context returns the browser context that automation actions run in
	Context() context.Context

	// Sanitize clears cookies, cache and storage before the session is reused
	Sanitize(ctx context.Context) error

	// Close tears the browser down
	Close() error
}

// SessionFactory starts new sessions. dataDir is a private scratch directory
// owned by the pool for the lifetime of the session.
type SessionFactory interface {
	NewSession(ctx context.Context, dataDir string) (Session, error)
}

// ProgressFunc reports how many candidates have been found so far.
type ProgressFunc func(found, target int)

// Enumerator finds candidate place references for a search
type Enumerator interface {
	// Enumerate returns up to target unique place references. Finding fewer
	// than requested is not an error; only unrecoverable session failures are.
	Enumerate(ctx context.Context, sess Session, req domain.SearchRequest, target int, progress ProgressFunc) ([]string, error)
}

// Extractor reads the detail fields of one place
type Extractor interface {
	// Extract loads ref and reads its fields. Missing fields carry their
	// "not available" sentinel; an error means the whole record failed.
	Extract(ctx context.Context, sess Session, ref string) (domain.Listing, error)
}
