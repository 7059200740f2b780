package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadflow/internal/retry"
)

type fakeBrowser struct {
	mu       sync.Mutex
	failures int
	sessions []*fakeSession
	seeds    []*SessionState
	closed   atomic.Int32
	state    SessionState
}

func (b *fakeBrowser) NewSession(_ context.Context, seed *SessionState) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seeds = append(b.seeds, seed)
	if b.failures > 0 {
		b.failures--
		return nil, errors.New("target crashed")
	}
	s := &fakeSession{state: b.state}
	if seed != nil {
		s.state = *seed
	}
	b.sessions = append(b.sessions, s)
	return s, nil
}

func (b *fakeBrowser) Close() error {
	b.closed.Add(1)
	return nil
}

type fakeSession struct {
	mu     sync.Mutex
	state  SessionState
	closes atomic.Int32
}

func (s *fakeSession) Run(context.Context, ...chromedp.Action) error { return nil }

func (s *fakeSession) State(context.Context) (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeStore struct {
	mu     sync.Mutex
	states map[string]SessionState
	saves  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[string]SessionState{}}
}

func (s *fakeStore) Load(_ context.Context, name string) (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return SessionState{}, ErrSessionNotFound
	}
	return st, nil
}

func (s *fakeStore) Save(_ context.Context, name string, state SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = state
	s.saves++
	return nil
}

func fastAcquire() retry.Policy {
	return retry.Policy{Name: "acquire", MaxAttempts: 2, BaseDelay: time.Millisecond}
}

func TestPoolReleaseRunsExactlyOnceEvenOnFailure(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{}
	pool, err := NewPool(b, nil, Config{MaxContexts: 2, Acquire: fastAcquire()}, zap.NewNop())
	require.NoError(t, err)

	hookCalls := 0
	cfg := HandleConfig{OnBeforeClose: func(context.Context, *Handle) error {
		hookCalls++
		return errors.New("hook failed")
	}}
	sentinel := errors.New("activity failed")
	err = pool.WithHandle(context.Background(), cfg, func(ctx context.Context, h *Handle) error {
		h.Release(ctx)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, hookCalls)
	require.Len(t, b.sessions, 1)
	require.EqualValues(t, 1, b.sessions[0].closes.Load())
	require.Equal(t, 0, pool.Live())
}

func TestPoolReleasesOnPanic(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{}
	pool, err := NewPool(b, nil, Config{MaxContexts: 1, Acquire: fastAcquire()}, nil)
	require.NoError(t, err)

	require.Panics(t, func() {
		_ = pool.WithHandle(context.Background(), HandleConfig{}, func(context.Context, *Handle) error {
			panic("boom")
		})
	})
	require.Equal(t, 0, pool.Live())
	require.EqualValues(t, 1, b.sessions[0].closes.Load())

	// the slot was returned
	h, err := pool.Acquire(context.Background(), HandleConfig{})
	require.NoError(t, err)
	h.Release(context.Background())
}

func TestPoolLiveHandlesNeverExceedLimit(t *testing.T) {
	t.Parallel()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_live_contexts"})
	pool, err := NewPool(&fakeBrowser{}, nil, Config{MaxContexts: 3, Acquire: fastAcquire(), LiveGauge: gauge}, nil)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		current atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.WithHandle(context.Background(), HandleConfig{}, func(context.Context, *Handle) error {
				n := current.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxSeen.Load(), int32(3))
	require.LessOrEqual(t, pool.Peak(), 3)
	require.Equal(t, 0, pool.Live())
	require.InDelta(t, 0, testutil.ToFloat64(gauge), 0)
}

func TestPoolAcquireBlocksUntilSlotFree(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(&fakeBrowser{}, nil, Config{MaxContexts: 1, Acquire: fastAcquire()}, nil)
	require.NoError(t, err)

	first, err := pool.Acquire(context.Background(), HandleConfig{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, HandleConfig{})
	var acqErr *AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		h, err := pool.Acquire(context.Background(), HandleConfig{})
		if err == nil {
			h.Release(context.Background())
		}
		close(acquired)
	}()
	first.Release(context.Background())
	require.Eventually(t, func() bool {
		select {
		case <-acquired:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestPoolAcquireRetriesThenFails(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{failures: 5}
	pool, err := NewPool(b, nil, Config{MaxContexts: 1, Acquire: fastAcquire()}, nil)
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), HandleConfig{})
	var acqErr *AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	require.Equal(t, 2, acqErr.Attempts)
	require.Len(t, b.seeds, 2)
	require.Equal(t, 0, pool.Live())

	b.mu.Lock()
	b.failures = 1
	b.mu.Unlock()
	h, err := pool.Acquire(context.Background(), HandleConfig{})
	require.NoError(t, err)
	h.Release(context.Background())
}

func TestPoolSessionRoundTrip(t *testing.T) {
	t.Parallel()

	authed := SessionState{Cookies: []Cookie{{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/"}}}
	b := &fakeBrowser{state: authed}
	store := newFakeStore()
	pool, err := NewPool(b, store, Config{Acquire: fastAcquire()}, nil)
	require.NoError(t, err)

	cfg := HandleConfig{SessionName: "directory", PersistOnClose: true}
	require.NoError(t, pool.WithHandle(context.Background(), cfg, func(context.Context, *Handle) error { return nil }))
	require.Nil(t, b.seeds[0])
	require.Equal(t, 1, store.saves)

	b.state = SessionState{}
	require.NoError(t, pool.WithHandle(context.Background(), cfg, func(ctx context.Context, h *Handle) error {
		st, err := h.State(ctx)
		require.NoError(t, err)
		require.Equal(t, authed.Cookies, st.Cookies)
		return nil
	}))
	require.NotNil(t, b.seeds[1])
	require.Equal(t, authed.Cookies, b.seeds[1].Cookies)
}

func TestPoolCloseTearsDownBrowserOnce(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{}
	pool, err := NewPool(b, nil, Config{MaxContexts: 2, Acquire: fastAcquire()}, nil)
	require.NoError(t, err)

	h, err := pool.Acquire(context.Background(), HandleConfig{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = pool.Close(context.Background())
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	require.EqualValues(t, 0, b.closed.Load())

	h.Release(context.Background())
	<-done
	require.NoError(t, pool.Close(context.Background()))
	require.EqualValues(t, 1, b.closed.Load())

	_, err = pool.Acquire(context.Background(), HandleConfig{})
	require.ErrorIs(t, err, ErrPoolClosed)
}
