// Package pool provides the bounded connection pool shared by every
// engine implementation.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-db/kestrel/internal/domain"
)

// Resource is one live backend session managed by the pool.
type Resource interface {
	Ping(ctx context.Context) error
	Close() error
}

// Factory opens a new backend session.
type Factory func(ctx context.Context) (Resource, error)

// Slot is a checked-out pool entry. Exactly one caller holds a slot at
// a time; a transaction keeps its slot until commit or rollback.
type Slot struct {
	pool      *Pool
	res       Resource
	createdAt time.Time
	lastUsed  time.Time
}

// Resource returns the wrapped session.
func (s *Slot) Resource() Resource { return s.res }

// Release returns the slot to the pool for reuse.
func (s *Slot) Release() { s.pool.release(s) }

// Discard removes the slot from the pool and closes the session. Used
// when the session is in an unknown state and must not be reused.
func (s *Slot) Discard() { s.pool.discard(s) }

// Pool recycles backend sessions with bounded concurrency, acquire
// timeouts and age/idle/health eviction.
type Pool struct {
	name    string
	cfg     domain.PoolConfig
	factory Factory

	mu      sync.Mutex
	idle    []*Slot
	live    int
	waiters []chan *Slot
	closed  bool

	acquires  int64
	timeouts  int64
	evictions int64

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New creates a pool and pre-warms it to MinConnections. The config
// must already be validated.
func New(name string, cfg domain.PoolConfig, factory Factory) (*Pool, error) {
	p := &Pool{
		name:       name,
		cfg:        cfg,
		factory:    factory,
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.AcquireTimeout)
	defer cancel()
	for i := 0; i < cfg.MinConnections; i++ {
		res, err := factory(ctx)
		if err != nil {
			p.closeIdleLocked()
			return nil, domain.Wrap(domain.ErrConnectionFailed, err, "pool %s: warm-up connection failed", name)
		}
		now := time.Now()
		p.idle = append(p.idle, &Slot{pool: p, res: res, createdAt: now, lastUsed: now})
		p.live++
	}

	go p.reap()
	return p, nil
}

// Acquire returns an idle slot, creates one below MaxConnections, or
// blocks up to AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, domain.E(domain.ErrPool, "pool %s is closed", p.name)
	}
	p.acquires++

	// Reuse the most recently used idle slot, skipping expired ones.
	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.expiredLocked(s) {
			p.live--
			p.evictions++
			go s.res.Close()
			continue
		}
		s.lastUsed = time.Now()
		p.mu.Unlock()
		return s, nil
	}

	if p.live < p.cfg.MaxConnections {
		p.live++
		p.mu.Unlock()
		return p.create(ctx)
	}

	// All slots checked out: wait for a release.
	ch := make(chan *Slot, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case s := <-ch:
		s.lastUsed = time.Now()
		return s, nil
	case <-ctx.Done():
		p.abandonWait(ch)
		return nil, domain.Wrap(domain.ErrPool, ctx.Err(), "pool %s: acquire cancelled", p.name)
	case <-timer.C:
		p.abandonWait(ch)
		p.mu.Lock()
		p.timeouts++
		p.mu.Unlock()
		return nil, domain.Wrap(domain.ErrPool, domain.ErrPoolExhausted, "pool %s: no connection within %s", p.name, p.cfg.AcquireTimeout)
	}
}

func (p *Pool) create(ctx context.Context) (*Slot, error) {
	res, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		return nil, domain.Wrap(domain.ErrConnectionFailed, err, "pool %s: open connection", p.name)
	}
	now := time.Now()
	return &Slot{pool: p, res: res, createdAt: now, lastUsed: now}, nil
}

// abandonWait removes a waiter; a slot raced into the channel is put
// back into circulation instead of leaking.
func (p *Pool) abandonWait(ch chan *Slot) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case s := <-ch:
		p.release(s)
	default:
	}
}

func (p *Pool) release(s *Slot) {
	p.mu.Lock()
	if p.closed || p.expiredLocked(s) {
		p.live--
		if !p.closed {
			p.evictions++
		}
		p.mu.Unlock()
		_ = s.res.Close()
		return
	}

	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- s
		return
	}

	s.lastUsed = time.Now()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

// putBack re-idles a slot after a health probe without refreshing its
// idle clock, so probing never extends a session's idle lifetime.
func (p *Pool) putBack(s *Slot) {
	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		_ = s.res.Close()
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- s
		return
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

func (p *Pool) discard(s *Slot) {
	p.mu.Lock()
	p.live--
	p.evictions++
	p.mu.Unlock()
	_ = s.res.Close()
}

func (p *Pool) expiredLocked(s *Slot) bool {
	now := time.Now()
	if p.cfg.MaxLifetime > 0 && now.Sub(s.createdAt) > p.cfg.MaxLifetime {
		return true
	}
	if p.cfg.IdleTimeout > 0 && now.Sub(s.lastUsed) > p.cfg.IdleTimeout {
		return true
	}
	return false
}

// HealthCheck probes liveness without exclusively borrowing a
// connection: an idle session is pinged and returned immediately; if
// every session is checked out the pool is considered live.
func (p *Pool) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.E(domain.ErrPool, "pool %s is closed", p.name)
	}
	var s *Slot
	if len(p.idle) > 0 {
		s = p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
	}
	busy := p.live
	p.mu.Unlock()

	if s == nil {
		if busy > 0 {
			return nil // every session is serving a caller
		}
		s2, err := p.Acquire(ctx)
		if err != nil {
			return err
		}
		defer s2.Release()
		return domain.Wrap(domain.ErrConnectionFailed, s2.res.Ping(ctx), "pool %s: probe failed", p.name)
	}

	err := s.res.Ping(ctx)
	if err != nil {
		// Failed probe: drop the slot before anything reuses it.
		p.mu.Lock()
		p.live--
		p.evictions++
		p.mu.Unlock()
		_ = s.res.Close()
		return domain.Wrap(domain.ErrConnectionFailed, err, "pool %s: probe failed", p.name)
	}
	p.putBack(s)
	return nil
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.PoolStats{
		Live:      p.live,
		Idle:      len(p.idle),
		InUse:     p.live - len(p.idle),
		Waiters:   len(p.waiters),
		Acquires:  p.acquires,
		Timeouts:  p.timeouts,
		Evictions: p.evictions,
	}
}

// reap evicts stale idle sessions and replaces probe failures,
// replenishing to MinConnections.
func (p *Pool) reap() {
	defer close(p.reaperDone)

	interval := p.cfg.IdleTimeout / 2
	if interval <= 0 || interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	// Take every idle slot out of circulation first. A probe must own
	// the slot it pings: a session visible in the idle queue could be
	// acquired by a caller while the probe is in flight.
	taken := p.idle
	p.idle = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, s := range taken {
		p.mu.Lock()
		expired := p.expiredLocked(s)
		p.mu.Unlock()
		if expired {
			p.mu.Lock()
			p.live--
			p.evictions++
			p.mu.Unlock()
			_ = s.res.Close()
			continue
		}
		if err := s.res.Ping(ctx); err != nil {
			p.mu.Lock()
			p.live--
			p.evictions++
			p.mu.Unlock()
			_ = s.res.Close()
			slog.Warn("pool evicted unhealthy connection", "pool", p.name, "error", err)
			continue
		}
		p.putBack(s)
	}

	// Replenish to the configured floor.
	for {
		p.mu.Lock()
		if p.closed || p.live >= p.cfg.MinConnections {
			p.mu.Unlock()
			return
		}
		p.live++
		p.mu.Unlock()

		res, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			slog.Warn("pool replacement connection failed", "pool", p.name, "error", err)
			return
		}
		now := time.Now()
		p.release(&Slot{pool: p, res: res, createdAt: now, lastUsed: now})
	}
}

// Close tears down the pool. Checked-out slots are closed as they are
// released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.reaperStop)
	<-p.reaperDone

	p.mu.Lock()
	p.closeIdleLocked()
	p.mu.Unlock()
	return nil
}

func (p *Pool) closeIdleLocked() {
	for _, s := range p.idle {
		_ = s.res.Close()
		p.live--
	}
	p.idle = nil
}
