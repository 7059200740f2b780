package pages

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadflow/internal/browser"
)

// BrowserConfig controls BrowserFetcher.
type BrowserConfig struct {
	NavigationTimeout time.Duration
	// WaitSelector must be visible before the DOM is captured.
	WaitSelector string
	// SessionName seeds each context with a persisted session and saves it back on release.
	SessionName string
	// Scrolls is how many times the page is scrolled to load lazy results.
	Scrolls     int
	ScrollDelay time.Duration
}

// BrowserFetcher renders pages in pooled browser contexts.
type BrowserFetcher struct {
	pool    *browser.Pool
	limiter Limiter
	cfg     BrowserConfig
	logger  *zap.Logger
}

// NewBrowserFetcher constructs a BrowserFetcher. limiter may be nil.
func NewBrowserFetcher(pool *browser.Pool, limiter Limiter, cfg BrowserConfig, logger *zap.Logger) (*BrowserFetcher, error) {
	if pool == nil {
		return nil, fmt.Errorf("browser pool is required")
	}
	if limiter == nil {
		limiter = noLimit{}
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 60 * time.Second
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if cfg.ScrollDelay <= 0 {
		cfg.ScrollDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrowserFetcher{pool: pool, limiter: limiter, cfg: cfg, logger: logger}, nil
}

// Fetch navigates to rawURL in a fresh isolated context and returns the rendered DOM.
func (f *BrowserFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		return Page{}, err
	}
	page := Page{URL: rawURL}
	handleCfg := browser.HandleConfig{
		SessionName:    f.cfg.SessionName,
		PersistOnClose: f.cfg.SessionName != "",
	}
	err := f.pool.WithHandle(ctx, handleCfg, func(ctx context.Context, h *browser.Handle) error {
		navCtx, cancel := context.WithTimeout(ctx, f.cfg.NavigationTimeout)
		defer cancel()
		start := time.Now()
		if err := h.Run(navCtx, f.actions(rawURL, &page)...); err != nil {
			return fmt.Errorf("render %s: %w", rawURL, err)
		}
		f.logger.Debug("page rendered", zap.String("url", rawURL), zap.Duration("duration", time.Since(start)))
		return nil
	})
	if err != nil {
		return Page{}, err
	}
	if page.FinalURL == "" {
		page.FinalURL = rawURL
	}
	return page, nil
}

func (f *BrowserFetcher) actions(rawURL string, page *Page) []chromedp.Action {
	actions := []chromedp.Action{
		chromedp.Navigate(rawURL),
		chromedp.WaitVisible(f.cfg.WaitSelector, chromedp.ByQuery),
	}
	for range f.cfg.Scrolls {
		actions = append(actions,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(f.cfg.ScrollDelay),
		)
	}
	return append(actions,
		chromedp.Location(&page.FinalURL),
		chromedp.OuterHTML("html", &page.HTML, chromedp.ByQuery),
	)
}
