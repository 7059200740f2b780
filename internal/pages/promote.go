package pages

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Heuristic flags statically fetched pages whose content is rendered by scripts.
type Heuristic struct {
	// ShortPage is the length below which a script-heavy page is promoted.
	ShortPage int
}

// NewHeuristic creates a Heuristic. A zero threshold uses 2048 bytes.
func NewHeuristic(shortPage int) *Heuristic {
	if shortPage <= 0 {
		shortPage = 2048
	}
	return &Heuristic{ShortPage: shortPage}
}

var appShellMarkers = []string{
	`__next`,
	`id="root"`,
	`id="app"`,
	`data-reactroot`,
	`ng-version`,
}

// ShouldRender reports whether p needs a browser to show its content.
func (h *Heuristic) ShouldRender(p Page) bool {
	if p.StatusCode != http.StatusOK {
		return false
	}
	if strings.TrimSpace(p.HTML) == "" {
		return true
	}
	if len(p.HTML) < h.ShortPage && scriptShare(p.HTML) >= 25 {
		return true
	}
	for _, marker := range appShellMarkers {
		if strings.Contains(p.HTML, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of html taken by <script> elements. An
// unterminated element extends to the end of the document.
func scriptShare(html string) int {
	lower := strings.ToLower(html)
	covered := 0
	rest := lower
	for {
		start := strings.Index(rest, "<script")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], "</script>")
		if end < 0 {
			covered += len(rest) - start
			break
		}
		end += start + len("</script>")
		covered += end - start
		rest = rest[end:]
	}
	if len(lower) == 0 {
		return 0
	}
	return covered * 100 / len(lower)
}

// PromotingFetcher fetches over plain HTTP and re-renders in a browser the
// pages the Heuristic flags. A failed render falls back to the static page.
type PromotingFetcher struct {
	static  Fetcher
	browser Fetcher
	detect  *Heuristic
	logger  *zap.Logger
}

// NewPromotingFetcher constructs a PromotingFetcher. A nil browser disables promotion.
func NewPromotingFetcher(static, browser Fetcher, detect *Heuristic, logger *zap.Logger) *PromotingFetcher {
	if detect == nil {
		detect = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromotingFetcher{static: static, browser: browser, detect: detect, logger: logger}
}

// Fetch implements Fetcher.
func (f *PromotingFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	page, err := f.static.Fetch(ctx, rawURL)
	if err != nil {
		return Page{}, err
	}
	if f.browser == nil || !f.detect.ShouldRender(page) {
		return page, nil
	}
	f.logger.Debug("promoting page to browser render", zap.String("url", rawURL))
	rendered, err := f.browser.Fetch(ctx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		f.logger.Warn("browser render failed, using static page", zap.String("url", rawURL), zap.Error(err))
		return page, nil
	}
	return rendered, nil
}
