package pages

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// StaticConfig controls StaticFetcher.
type StaticConfig struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
}

// StaticFetcher retrieves pages over plain HTTP without running scripts.
type StaticFetcher struct {
	cfg     StaticConfig
	limiter Limiter
	base    *colly.Collector
}

// NewStaticFetcher builds a StaticFetcher. limiter may be nil.
func NewStaticFetcher(cfg StaticConfig, limiter Limiter) *StaticFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if limiter == nil {
		limiter = noLimit{}
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &StaticFetcher{cfg: cfg, limiter: limiter, base: c}
}

// Fetch GETs rawURL. Non-2xx responses are errors.
func (f *StaticFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		return Page{}, err
	}
	collector := f.base.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}

	var (
		page     Page
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		page = Page{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			HTML:       string(r.Body),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return Page{}, fmt.Errorf("fetch %s canceled: %w", rawURL, ctx.Err())
	case err := <-done:
		if err != nil && fetchErr == nil {
			return Page{}, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		if fetchErr != nil {
			return Page{}, fmt.Errorf("fetch %s: %w", rawURL, fetchErr)
		}
		return page, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
