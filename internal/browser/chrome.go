package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ChromeConfig controls how the shared Chrome process is launched.
type ChromeConfig struct {
	Headless  bool
	UserAgent string
	ExecPath  string
}

// Chrome is a Browser backed by one chromedp-managed Chrome process.
type Chrome struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *zap.Logger
}

// NewChrome launches Chrome and waits until it accepts commands.
func NewChrome(cfg ChromeConfig, logger *zap.Logger) (*Chrome, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	sugar := logger.Sugar()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(sugar.Errorf),
		chromedp.WithDebugf(sugar.Debugf),
	)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &Chrome{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger,
	}, nil
}

// NewSession opens a fresh incognito-style browser context, restoring cookies from seed.
func (c *Chrome) NewSession(ctx context.Context, seed *SessionState) (Session, error) {
	tabCtx, cancel := chromedp.NewContext(c.browserCtx, chromedp.WithNewBrowserContext())
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(tabCtx, network.Enable(), restoreCookies(seed)); err != nil {
		cancel()
		return nil, fmt.Errorf("open browser context: %w", err)
	}
	return &chromeSession{ctx: tabCtx, cancel: cancel}, nil
}

// Close shuts the Chrome process down.
func (c *Chrome) Close() error {
	err := chromedp.Cancel(c.browserCtx)
	c.browserCancel()
	c.allocCancel()
	return err
}

type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *chromeSession) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := forwardCancel(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (s *chromeSession) State(ctx context.Context) (SessionState, error) {
	var cookies []*network.Cookie
	contextID := chromedp.FromContext(s.ctx).BrowserContextID
	err := s.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().WithBrowserContextID(contextID).Do(ctx)
		return err
	}))
	if err != nil {
		return SessionState{}, fmt.Errorf("read cookies: %w", err)
	}
	state := SessionState{Cookies: make([]Cookie, 0, len(cookies))}
	for _, c := range cookies {
		if c == nil {
			continue
		}
		state.Cookies = append(state.Cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return state, nil
}

func (s *chromeSession) Close() error {
	err := chromedp.Cancel(s.ctx)
	s.cancel()
	return err
}

func restoreCookies(seed *SessionState) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if seed == nil || seed.Empty() {
			return nil
		}
		params := make([]*network.CookieParam, 0, len(seed.Cookies))
		for _, c := range seed.Cookies {
			param := &network.CookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			}
			if c.SameSite != "" {
				param.SameSite = network.CookieSameSite(c.SameSite)
			}
			if c.Expires > 0 {
				expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				param.Expires = &expires
			}
			params = append(params, param)
		}
		if err := network.SetCookies(params).Do(ctx); err != nil {
			return fmt.Errorf("restore cookies: %w", err)
		}
		return nil
	})
}

// forwardCancel cancels the chromedp context when parent ends. The returned
// func stops forwarding.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
