// Package browser shares one long-lived browser across isolated, leased contexts.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadflow/internal/retry"
)

// DefaultMaxContexts bounds live contexts when Config.MaxContexts is unset.
const DefaultMaxContexts = 10

// Browser is the long-lived resource a Pool owns.
type Browser interface {
	// NewSession opens an isolated context, restoring seed when it is non-nil.
	NewSession(ctx context.Context, seed *SessionState) (Session, error)
	Close() error
}

// Session is one isolated browser context.
type Session interface {
	Run(ctx context.Context, actions ...chromedp.Action) error
	State(ctx context.Context) (SessionState, error)
	Close() error
}

// Config controls pool limits.
type Config struct {
	MaxContexts    int
	Acquire        retry.Policy
	ReleaseTimeout time.Duration
	// LiveGauge, when set, tracks the number of open handles.
	LiveGauge prometheus.Gauge
}

// HandleConfig customizes one lease.
type HandleConfig struct {
	// SessionName selects the persisted session that seeds the context. Empty starts clean.
	SessionName string
	// PersistOnClose saves the context's session under SessionName on release.
	PersistOnClose bool
	// OnBeforeClose runs before the context is torn down. Its error is logged only.
	OnBeforeClose func(ctx context.Context, h *Handle) error
}

// Pool leases isolated contexts from a single browser under a concurrency limit.
type Pool struct {
	browser Browser
	store   SessionStore
	cfg     Config
	logger  *zap.Logger

	sem    chan struct{}
	live   atomic.Int64
	peak   atomic.Int64
	closed atomic.Bool

	saveMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewPool takes ownership of b. store may be nil when sessions are never persisted.
func NewPool(b Browser, store SessionStore, cfg Config, logger *zap.Logger) (*Pool, error) {
	if b == nil {
		return nil, fmt.Errorf("browser is required")
	}
	if cfg.MaxContexts <= 0 {
		cfg.MaxContexts = DefaultMaxContexts
	}
	if cfg.Acquire.MaxAttempts <= 0 {
		cfg.Acquire = retry.Acquire
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		browser: b,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxContexts),
	}, nil
}

// Limit returns the maximum number of concurrently live handles.
func (p *Pool) Limit() int {
	return cap(p.sem)
}

// Live returns the number of handles currently leased.
func (p *Pool) Live() int {
	return int(p.live.Load())
}

// Peak returns the highest number of simultaneously live handles observed.
func (p *Pool) Peak() int {
	return int(p.peak.Load())
}

// Acquire waits for a free slot and opens a new isolated context. It fails
// with *AcquisitionError when the wait is cancelled or context creation keeps
// failing under the acquire retry policy.
func (p *Pool) Acquire(ctx context.Context, cfg HandleConfig) (*Handle, error) {
	if p.closed.Load() {
		return nil, &AcquisitionError{Err: ErrPoolClosed}
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &AcquisitionError{Err: fmt.Errorf("wait for browser slot: %w", ctx.Err())}
	}
	if p.closed.Load() {
		<-p.sem
		return nil, &AcquisitionError{Err: ErrPoolClosed}
	}

	seed := p.loadSeed(ctx, cfg.SessionName)
	attempts := 0
	session, err := retry.DoValue(ctx, p.cfg.Acquire, func(ctx context.Context, attempt int) (Session, error) {
		attempts = attempt
		return p.browser.NewSession(ctx, seed)
	}, retry.WithNotify(func(attempt int, err error, wait time.Duration) {
		p.logger.Warn("browser context creation failed",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}))
	if err != nil {
		<-p.sem
		return nil, &AcquisitionError{Attempts: attempts, Err: err}
	}

	live := p.live.Add(1)
	for {
		peak := p.peak.Load()
		if live <= peak || p.peak.CompareAndSwap(peak, live) {
			break
		}
	}
	if p.cfg.LiveGauge != nil {
		p.cfg.LiveGauge.Inc()
	}
	return &Handle{pool: p, session: session, cfg: cfg, acquiredAt: time.Now()}, nil
}

// WithHandle leases a handle for the duration of fn. The handle is released
// exactly once whether fn returns an error, panics or succeeds.
func (p *Pool) WithHandle(ctx context.Context, cfg HandleConfig, fn func(ctx context.Context, h *Handle) error) error {
	h, err := p.Acquire(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.Release(ctx)
	return fn(ctx, h)
}

// Close waits for live handles to be released (or ctx to end) and then shuts
// the browser down. Only the first call has any effect.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		drained := 0
	drain:
		for drained < cap(p.sem) {
			select {
			case p.sem <- struct{}{}:
				drained++
			case <-ctx.Done():
				p.logger.Warn("closing browser with live contexts", zap.Int("live", p.Live()))
				break drain
			}
		}
		p.closeErr = p.browser.Close()
		if p.closeErr != nil {
			p.closeErr = fmt.Errorf("close browser: %w", p.closeErr)
		}
	})
	return p.closeErr
}

func (p *Pool) loadSeed(ctx context.Context, name string) *SessionState {
	if name == "" || p.store == nil {
		return nil
	}
	state, err := p.store.Load(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			p.logger.Warn("session load failed, starting clean", zap.String("session", name), zap.Error(err))
		}
		return nil
	}
	if state.Empty() {
		return nil
	}
	return &state
}

func (p *Pool) persist(ctx context.Context, name string, s Session) error {
	if p.store == nil {
		return fmt.Errorf("no session store configured")
	}
	state, err := s.State(ctx)
	if err != nil {
		return fmt.Errorf("read session state: %w", err)
	}
	state.SavedAt = time.Now().UTC()
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	if err := p.store.Save(ctx, name, state); err != nil {
		return fmt.Errorf("save session state: %w", err)
	}
	return nil
}

// Handle is a leased browser context. It must not be shared between goroutines
// running independent work.
type Handle struct {
	pool       *Pool
	session    Session
	cfg        HandleConfig
	acquiredAt time.Time
	once       sync.Once
}

// Run executes chromedp actions inside the handle's context.
func (h *Handle) Run(ctx context.Context, actions ...chromedp.Action) error {
	return h.session.Run(ctx, actions...)
}

// State snapshots the handle's current session.
func (h *Handle) State(ctx context.Context) (SessionState, error) {
	return h.session.State(ctx)
}

// Release runs the close hooks and tears the context down. Calls after the
// first are no-ops. Hook failures are logged and never prevent teardown.
func (h *Handle) Release(ctx context.Context) {
	h.once.Do(func() {
		p := h.pool
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ReleaseTimeout)
		defer cancel()
		defer func() {
			if err := h.session.Close(); err != nil {
				p.logger.Warn("browser context close failed", zap.Error(err))
			}
			p.live.Add(-1)
			if p.cfg.LiveGauge != nil {
				p.cfg.LiveGauge.Dec()
			}
			<-p.sem
			p.logger.Debug("browser context released", zap.Duration("held", time.Since(h.acquiredAt)))
		}()
		if h.cfg.OnBeforeClose != nil {
			if err := h.cfg.OnBeforeClose(releaseCtx, h); err != nil {
				p.logger.Warn("before-close hook failed", zap.Error(err))
			}
		}
		if h.cfg.PersistOnClose && h.cfg.SessionName != "" {
			if err := p.persist(releaseCtx, h.cfg.SessionName, h.session); err != nil {
				p.logger.Warn("session persist failed", zap.String("session", h.cfg.SessionName), zap.Error(err))
			}
		}
	})
}
