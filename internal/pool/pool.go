// Package pool lends reusable browser sessions to task runs. Sessions are
// referenced by handle; a Lease is the exclusive right to use one until it
// is released.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placescout/backend/internal/scraper"
)

var (
	// ErrExhausted is returned when no session became available in time.
	ErrExhausted = errors.New("no browser session available")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("session pool closed")
	// ErrUnknownLease is returned when releasing a handle that is not leased.
	ErrUnknownLease = errors.New("session is not leased")
)

// SessionID identifies a session in the pool's table
type SessionID uint64

// Lease is handed out by Acquire and must be given back to Release
type Lease struct {
	ID  SessionID
	Dir string
}

// Config sizes the pool
type Config struct {
	MaxSessions  int
	Prewarm      int
	ReuseLimit   int
	PollInterval time.Duration
	BaseDir      string
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Live    int `json:"live"`
	Idle    int `json:"idle"`
	Leased  int `json:"leased"`
	Created int `json:"created"`
	Retired int `json:"retired"`
	Max     int `json:"max"`
}

type pooledSession struct {
	id     SessionID
	sess   scraper.Session
	dir    string
	uses   int
	leased bool
}

// Pool owns a bounded set of browser sessions
type Pool struct {
	mu       sync.Mutex
	sessions map[SessionID]*pooledSession
	idle     []SessionID
	creating int
	nextID   SessionID
	created  int
	retired  int
	closed   bool

	factory scraper.SessionFactory
	cfg     Config
	logger  *zap.Logger
}

// New creates an empty pool. Call Prewarm to start sessions ahead of demand.
func New(factory scraper.SessionFactory, cfg Config, logger *zap.Logger) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 300 * time.Millisecond
	}
	return &Pool{
		sessions: make(map[SessionID]*pooledSession),
		factory:  factory,
		cfg:      cfg,
		logger:   logger,
	}
}

// Prewarm starts up to cfg.Prewarm idle sessions. Failures are logged and
// skipped, so the pool may start smaller than configured.
func (p *Pool) Prewarm(ctx context.Context) int {
	n := min(p.cfg.Prewarm, p.cfg.MaxSessions)
	started := 0
	for i := 0; i < n; i++ {
		if !p.reserve() {
			break
		}
		ps, err := p.create(ctx)
		if err != nil {
			p.logger.Warn("Failed to prewarm browser session", zap.Int("slot", i), zap.Error(err))
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.retireLocked(ps)
			p.mu.Unlock()
			p.teardown(ps)
			break
		}
		p.idle = append(p.idle, ps.id)
		p.mu.Unlock()
		started++
	}
	p.logger.Info("Session pool ready", zap.Int("prewarmed", started), zap.Int("max_sessions", p.cfg.MaxSessions))
	return started
}

// Acquire returns a lease on an idle session, creating one when the pool is
// below its limit, and otherwise polls until timeout elapses.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (Lease, error) {
	deadline := time.Now().Add(timeout)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return Lease{}, ErrClosed
		}
		if len(p.idle) > 0 {
			id := p.idle[0]
			p.idle = p.idle[1:]
			ps := p.sessions[id]
			ps.leased = true
			p.mu.Unlock()
			return Lease{ID: ps.id, Dir: ps.dir}, nil
		}
		canCreate := len(p.sessions)+p.creating < p.cfg.MaxSessions
		if canCreate {
			p.creating++
		}
		p.mu.Unlock()

		if canCreate {
			ps, err := p.create(ctx)
			if err != nil {
				return Lease{}, fmt.Errorf("failed to create browser session: %w", err)
			}
			p.mu.Lock()
			if p.closed {
				p.retireLocked(ps)
				p.mu.Unlock()
				p.teardown(ps)
				return Lease{}, ErrClosed
			}
			ps.leased = true
			p.mu.Unlock()
			return Lease{ID: ps.id, Dir: ps.dir}, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return Lease{}, ErrExhausted
		}
		timer := time.NewTimer(min(wait, p.cfg.PollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Lookup resolves a leased handle to its session.
func (p *Pool) Lookup(id SessionID) (scraper.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.sessions[id]
	if !ok || !ps.leased {
		return nil, false
	}
	return ps.sess, true
}

// Release gives a session back. It is sanitized and returned to the idle
// set, or torn down when sanitizing fails or it has reached the reuse limit.
// Retired sessions are not replaced until Acquire needs one.
func (p *Pool) Release(ctx context.Context, lease Lease) error {
	p.mu.Lock()
	ps, ok := p.sessions[lease.ID]
	if !ok || !ps.leased {
		p.mu.Unlock()
		return ErrUnknownLease
	}
	ps.leased = false
	ps.uses++
	retire := ps.uses >= p.cfg.ReuseLimit || p.closed
	if retire {
		p.retireLocked(ps)
	}
	p.mu.Unlock()

	if retire {
		p.logger.Debug("Retiring browser session", zap.Uint64("session", uint64(ps.id)), zap.Int("uses", ps.uses))
		p.teardown(ps)
		return nil
	}

	if err := ps.sess.Sanitize(ctx); err != nil {
		p.logger.Warn("Session sanitize failed, retiring", zap.Uint64("session", uint64(ps.id)), zap.Error(err))
		p.mu.Lock()
		p.retireLocked(ps)
		p.mu.Unlock()
		p.teardown(ps)
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.retireLocked(ps)
		p.mu.Unlock()
		p.teardown(ps)
		return nil
	}
	p.idle = append(p.idle, ps.id)
	p.mu.Unlock()
	return nil
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	leased := 0
	for _, ps := range p.sessions {
		if ps.leased {
			leased++
		}
	}
	return Stats{
		Live:    len(p.sessions),
		Idle:    len(p.idle),
		Leased:  leased,
		Created: p.created,
		Retired: p.retired,
		Max:     p.cfg.MaxSessions,
	}
}

// Close tears down idle sessions. Leased sessions are torn down when they are
// released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	ids := append([]SessionID(nil), p.idle...)
	idle := make([]*pooledSession, 0, len(ids))
	for _, id := range ids {
		ps := p.sessions[id]
		p.retireLocked(ps)
		idle = append(idle, ps)
	}
	p.mu.Unlock()

	for _, ps := range idle {
		p.teardown(ps)
	}
}

func (p *Pool) reserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.sessions)+p.creating >= p.cfg.MaxSessions {
		return false
	}
	p.creating++
	return true
}

// create starts a session for a slot already reserved via p.creating.
func (p *Pool) create(ctx context.Context) (*pooledSession, error) {
	dir, err := os.MkdirTemp(p.cfg.BaseDir, "session-")
	if err == nil {
		var sess scraper.Session
		sess, err = p.factory.NewSession(ctx, dir)
		if err == nil {
			p.mu.Lock()
			p.creating--
			p.nextID++
			p.created++
			ps := &pooledSession{id: p.nextID, sess: sess, dir: dir}
			p.sessions[ps.id] = ps
			p.mu.Unlock()
			return ps, nil
		}
		_ = os.RemoveAll(dir)
	}

	p.mu.Lock()
	p.creating--
	p.mu.Unlock()
	return nil, err
}

// retireLocked removes ps from the table and the idle list. p.mu must be held.
func (p *Pool) retireLocked(ps *pooledSession) {
	delete(p.sessions, ps.id)
	for i, id := range p.idle {
		if id == ps.id {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.retired++
}

func (p *Pool) teardown(ps *pooledSession) {
	if err := ps.sess.Close(); err != nil {
		p.logger.Debug("Browser session close failed", zap.Uint64("session", uint64(ps.id)), zap.Error(err))
	}
	if err := os.RemoveAll(ps.dir); err != nil {
		p.logger.Warn("Failed to remove session directory", zap.String("dir", ps.dir), zap.Error(err))
	}
}
