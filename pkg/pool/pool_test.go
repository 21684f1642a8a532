package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollo/gantry/pkg/runtime"
)

type fakeSession struct {
	id string

	mu       sync.Mutex
	context  []string
	clearErr error
	clears   int
	closed   bool
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Query(ctx context.Context, prompt string) (<-chan runtime.Event, error) {
	s.mu.Lock()
	s.context = append(s.context, prompt)
	s.mu.Unlock()

	ch := make(chan runtime.Event, 1)
	ch <- runtime.Result{StopReason: runtime.StopEndTurn}
	close(ch)
	return ch, nil
}

func (s *fakeSession) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearErr != nil {
		return s.clearErr
	}
	s.context = nil
	s.clears++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) residual() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.context))
	copy(out, s.context)
	return out
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeRuntime struct {
	mu       sync.Mutex
	opened   int
	openErr  error
	clearErr error
	sessions []*fakeSession
}

func (r *fakeRuntime) Name() string { return "fake" }

func (r *fakeRuntime) Open(ctx context.Context, opts runtime.Options) (runtime.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openErr != nil {
		return nil, r.openErr
	}
	r.opened++
	s := &fakeSession{id: fmt.Sprintf("fake_%03d", r.opened), clearErr: r.clearErr}
	r.sessions = append(r.sessions, s)
	return s, nil
}

func (r *fakeRuntime) openCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened
}

func newTestPool(t *testing.T, rt *fakeRuntime, cfg Config) *Pool {
	t.Helper()
	cfg.Runtime = rt
	cfg.Logger = zerolog.Nop()
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p
}

func TestPool_NewRequiresRuntime(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runtime is required")
}

func TestPool_AcquireReusesClearedSession(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{MaxSessions: 2})

	first, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	firstID := first.ID
	p.Release(first)

	second, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	assert.Equal(t, firstID, second.ID)
	assert.Equal(t, 1, rt.openCount())

	stats := p.Stats()
	require.Len(t, stats.Sessions, 1)
	assert.Equal(t, 2, stats.Sessions[0].UseCount)
	p.Release(second)
}

func TestPool_NoContextLeakage(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{MaxSessions: 1})

	first, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)

	events, err := first.Session.Query(context.Background(), "secret business")
	require.NoError(t, err)
	for range events {
	}
	p.Release(first)

	second, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	defer p.Release(second)

	assert.Equal(t, first.ID, second.ID, "expected the pooled session to be reused")
	assert.Empty(t, second.Session.(*fakeSession).residual(), "prior caller's context leaked through the pool")
}

func TestPool_ClearFailureDestroysSession(t *testing.T) {
	rt := &fakeRuntime{clearErr: errors.New("clear broke")}
	p := newTestPool(t, rt, Config{MaxSessions: 2})

	s, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	underlying := s.Session.(*fakeSession)
	p.Release(s)

	assert.True(t, underlying.isClosed(), "session with uncleared context must be destroyed")
	assert.Equal(t, 0, p.Stats().TotalSessions)

	replacement, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, replacement.ID)
	assert.Equal(t, 2, rt.openCount())
	p.Release(replacement)
}

func TestPool_CapacityTimeout(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{MaxSessions: 1, AcquireTimeout: 50 * time.Millisecond})

	held, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	defer p.Release(held)

	_, err = p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.Error(t, err)

	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 1, capErr.MaxSessions)
}

func TestPool_AcquireWaitsForRelease(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{MaxSessions: 1, AcquireTimeout: 2 * time.Second})

	held, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		p.Release(held)
	}()

	waited, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	assert.Equal(t, held.ID, waited.ID)
	assert.Equal(t, 1, rt.openCount())
	p.Release(waited)
}

func TestPool_MutualExclusion(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{MaxSessions: 3, AcquireTimeout: 5 * time.Second})

	var (
		mu         sync.Mutex
		held       = map[string]bool{}
		violations int
		failures   int
	)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				s, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
				if err != nil {
					mu.Lock()
					failures++
					mu.Unlock()
					continue
				}

				mu.Lock()
				if held[s.ID] {
					violations++
				}
				held[s.ID] = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				held[s.ID] = false
				mu.Unlock()
				p.Release(s)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, violations, "a session id was held by two callers at once")
	assert.Zero(t, failures, "acquire should not time out in this test")
	assert.LessOrEqual(t, rt.openCount(), 3)
}

func TestPool_ExpiredSessionDestroyedOnAcquire(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{MaxSessions: 2, TTL: 20 * time.Millisecond})

	s, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	underlying := s.Session.(*fakeSession)
	p.Release(s)

	time.Sleep(50 * time.Millisecond)

	fresh, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	defer p.Release(fresh)

	assert.NotEqual(t, s.ID, fresh.ID)
	assert.True(t, underlying.isClosed())
	assert.Equal(t, 2, rt.openCount())
	assert.Equal(t, 1, p.Stats().TotalSessions)
}

func TestPool_BackgroundEviction(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{MaxSessions: 2, TTL: 20 * time.Millisecond, CleanupInterval: 10 * time.Millisecond})
	require.NoError(t, p.Start())

	s, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	p.Release(s)

	assert.Eventually(t, func() bool {
		return p.Stats().TotalSessions == 0
	}, time.Second, 10*time.Millisecond, "idle session should be evicted after the TTL")
}

func TestPool_ActiveSessionsNotEvicted(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{MaxSessions: 2, TTL: 15 * time.Millisecond, CleanupInterval: 5 * time.Millisecond})
	require.NoError(t, p.Start())

	s, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, p.Stats().TotalSessions, "a held session must never be evicted")
	p.Release(s)
}

func TestPool_ShutdownRejectsAcquire(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{MaxSessions: 2})

	s, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	underlying := s.Session.(*fakeSession)
	p.Release(s)

	p.Shutdown()

	_, err = p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.ErrorIs(t, err, ErrPoolClosed)
	assert.True(t, underlying.isClosed())
	assert.Equal(t, 0, p.Stats().TotalSessions)
}

func TestPool_OpenErrorPropagates(t *testing.T) {
	rt := &fakeRuntime{openErr: errors.New("provider unreachable")}
	p := newTestPool(t, rt, Config{MaxSessions: 2})

	_, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider unreachable")
	assert.Equal(t, 0, p.Stats().TotalSessions)
}

func TestPool_DoubleReleaseIsSafe(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{MaxSessions: 2})

	s, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	p.Release(s)
	p.Release(s)

	first, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	second, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID, "double release must not hand one session to two callers")
	p.Release(first)
	p.Release(second)
}

func TestPool_StatsSnapshot(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{MaxSessions: 4, TTL: time.Hour})

	held, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	idle, err := p.Acquire(context.Background(), runtime.Options{Model: "fake-model"})
	require.NoError(t, err)
	p.Release(idle)

	stats := p.Stats()
	assert.Equal(t, 4, stats.MaxSessions)
	assert.Equal(t, time.Hour.Seconds(), stats.TTLSeconds)
	assert.Equal(t, 2, stats.TotalSessions)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.AvailableSessions)
	require.Len(t, stats.Sessions, 2)
	assert.Equal(t, held.ID, stats.Sessions[0].ID)
	assert.True(t, stats.Sessions[0].IsActive)
	assert.Equal(t, 1, stats.Sessions[0].UseCount)
	p.Release(held)
}
