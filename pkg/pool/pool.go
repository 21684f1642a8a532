// Package pool maintains a bounded set of reusable agent sessions with
// TTL eviction. Context clearing on release is mandatory: a session whose
// context cannot be cleared is destroyed rather than reused, so no caller
// ever observes another caller's conversation state.
package pool

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rollo/gantry/internal/observability"
	"github.com/rollo/gantry/internal/tracing"
	"github.com/rollo/gantry/pkg/runtime"
)

// Pool hands out exclusive agent sessions, reusing cleared ones before
// opening new ones and waiting at capacity for a bounded time.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]*PooledSession
	available chan string
	counter   int
	started   bool
	closed    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a pool. Start must be called before background eviction runs.
func New(cfg Config) (*Pool, error) {
	observability.EnsureRegistered()

	if cfg.Runtime == nil {
		return nil, fmt.Errorf("pool: runtime is required")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}

	return &Pool{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "session_pool").Logger(),
		sessions:  make(map[string]*PooledSession),
		available: make(chan string, cfg.MaxSessions),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the background eviction loop. Calling Start twice is a
// no-op.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return nil
	}
	p.started = true

	p.wg.Add(1)
	go p.evictLoop()

	p.logger.Info().
		Int("max_sessions", p.cfg.MaxSessions).
		Dur("ttl", p.cfg.TTL).
		Dur("cleanup_interval", p.cfg.CleanupInterval).
		Msg("Session pool started")
	return nil
}

// Acquire returns a session for exclusive use: reuse first, then grow,
// then wait. At capacity it blocks until a session is released, the
// acquire timeout elapses (CapacityError), or ctx is cancelled. opts only
// apply when a new underlying session has to be opened.
func (p *Pool) Acquire(ctx context.Context, opts runtime.Options) (*PooledSession, error) {
	ctx, span := tracing.StartSpan(ctx, "gantry.pool", "pool.acquire")
	defer span.End()

	start := time.Now()
	s, err := p.acquire(ctx, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	observability.RecordSessionAcquire(time.Since(start))
	span.SetAttributes(attribute.String("session.id", s.ID))
	return s, nil
}

func (p *Pool) acquire(ctx context.Context, opts runtime.Options) (*PooledSession, error) {
	timeout := time.NewTimer(p.cfg.AcquireTimeout)
	defer timeout.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if s := p.drainLocked(); s != nil {
			p.mu.Unlock()
			return s, nil
		}

		if len(p.sessions) < p.cfg.MaxSessions {
			s, err := p.openLocked(ctx, opts)
			p.mu.Unlock()
			return s, err
		}

		p.logger.Warn().Int("max_sessions", p.cfg.MaxSessions).Msg("Pool at capacity, waiting for a release")
		p.mu.Unlock()

		select {
		case id := <-p.available:
			if s := p.claim(id); s != nil {
				return s, nil
			}
			// Stale id (evicted or destroyed meanwhile); retry.
		case <-timeout.C:
			return nil, &CapacityError{MaxSessions: p.cfg.MaxSessions, Waited: p.cfg.AcquireTimeout}
		case <-p.stopCh:
			return nil, ErrPoolClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a session to the pool after clearing its conversation
// context. When clearing fails the session is destroyed instead of
// reused; the failure is logged and contained here, never surfaced to the
// releasing caller.
func (p *Pool) Release(s *PooledSession) {
	if s == nil {
		return
	}

	if err := s.Session.Clear(context.Background()); err != nil {
		p.logger.Warn().Str("session_id", s.ID).Err(err).Msg("Context clear failed, destroying session")
		observability.RecordSessionReset("destroyed")
		p.mu.Lock()
		p.destroyLocked(s, "clear_failed")
		p.mu.Unlock()
		return
	}
	observability.RecordSessionReset("cleared")

	p.mu.Lock()
	tracked, ok := p.sessions[s.ID]
	if p.closed || !ok || tracked != s {
		p.mu.Unlock()
		_ = s.Session.Close()
		return
	}
	if !s.active {
		// Already released; enqueueing the id twice would let two callers
		// claim the same session.
		p.mu.Unlock()
		return
	}

	s.active = false
	s.lastActivity = time.Now()
	select {
	case p.available <- s.ID:
		p.logger.Debug().Str("session_id", s.ID).Int("use_count", s.useCount).Msg("Released session to pool")
	default:
		// Each inactive session is enqueued at most once, so there is
		// always room; destroy rather than block if that ever breaks.
		p.destroyLocked(s, "available queue full")
	}
	p.publishGaugesLocked()
	p.mu.Unlock()
}

// publishGaugesLocked exports the active/idle split. Callers hold p.mu.
func (p *Pool) publishGaugesLocked() {
	active := 0
	for _, s := range p.sessions {
		if s.active {
			active++
		}
	}
	observability.SetPoolSessions(active, len(p.sessions)-active)
}

// Stats snapshots the pool for observability. No side effects.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	stats := Stats{
		MaxSessions:       p.cfg.MaxSessions,
		TTLSeconds:        p.cfg.TTL.Seconds(),
		TotalSessions:     len(p.sessions),
		AvailableSessions: len(p.available),
		Sessions:          make([]SessionStat, 0, len(p.sessions)),
	}
	for _, s := range p.sessions {
		if s.active {
			stats.ActiveSessions++
		}
		stats.Sessions = append(stats.Sessions, SessionStat{
			ID:          s.ID,
			AgeSeconds:  round1(now.Sub(s.createdAt).Seconds()),
			IdleSeconds: round1(now.Sub(s.lastActivity).Seconds()),
			IsActive:    s.active,
			UseCount:    s.useCount,
		})
	}
	sort.Slice(stats.Sessions, func(i, j int) bool { return stats.Sessions[i].ID < stats.Sessions[j].ID })
	return stats
}

// Shutdown stops eviction and destroys every session. Subsequent acquires
// fail with ErrPoolClosed. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	for _, s := range p.sessions {
		p.destroyLocked(s, "shutdown")
	}
	for {
		select {
		case <-p.available:
			continue
		default:
		}
		break
	}
	p.mu.Unlock()

	p.logger.Info().Msg("Session pool stopped")
}

// drainLocked consumes queued ids until it can claim a live session,
// destroying expired candidates along the way.
func (p *Pool) drainLocked() *PooledSession {
	for {
		select {
		case id := <-p.available:
			if s := p.claimLocked(id); s != nil {
				return s
			}
		default:
			return nil
		}
	}
}

// claim locks and claims one dequeued id, returning nil when the id went
// stale while the caller was waiting.
func (p *Pool) claim(id string) *PooledSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	return p.claimLocked(id)
}

func (p *Pool) claimLocked(id string) *PooledSession {
	s, ok := p.sessions[id]
	if !ok {
		return nil
	}
	if time.Since(s.lastActivity) > p.cfg.TTL {
		p.destroyLocked(s, "expired")
		return nil
	}

	s.active = true
	s.lastActivity = time.Now()
	s.useCount++
	p.publishGaugesLocked()
	p.logger.Debug().Str("session_id", s.ID).Int("use_count", s.useCount).Msg("Reusing pooled session")
	return s
}

func (p *Pool) openLocked(ctx context.Context, opts runtime.Options) (*PooledSession, error) {
	agent, err := p.cfg.Runtime.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("opening agent session: %w", err)
	}

	p.counter++
	now := time.Now()
	s := &PooledSession{
		ID:           fmt.Sprintf("pool_session_%06d", p.counter),
		Session:      agent,
		createdAt:    now,
		lastActivity: now,
		active:       true,
		useCount:     1,
	}
	p.sessions[s.ID] = s
	p.publishGaugesLocked()
	p.logger.Debug().Str("session_id", s.ID).Msg("Created pooled session")
	return s, nil
}

func (p *Pool) destroyLocked(s *PooledSession, reason string) {
	delete(p.sessions, s.ID)
	p.publishGaugesLocked()
	if err := s.Session.Close(); err != nil {
		p.logger.Warn().Str("session_id", s.ID).Err(err).Msg("Error closing session")
		return
	}
	p.logger.Debug().
		Str("session_id", s.ID).
		Str("reason", reason).
		Int("use_count", s.useCount).
		Msg("Destroyed pooled session")
}

func (p *Pool) evictLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictExpired()
		case <-p.stopCh:
			return
		}
	}
}

// evictExpired destroys idle sessions past the TTL. Their queued ids stay
// behind and are skipped lazily at claim time.
func (p *Pool) evictExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for _, s := range p.sessions {
		if s.active {
			continue
		}
		if time.Since(s.lastActivity) > p.cfg.TTL {
			p.destroyLocked(s, "expired")
			evicted++
		}
	}
	if evicted > 0 {
		p.logger.Info().Int("evicted", evicted).Int("remaining", len(p.sessions)).Msg("Evicted expired sessions")
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
