package pages

import "context"

// Page is a fetched document.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       string
}

// Fetcher retrieves a page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Limiter paces requests per domain.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

type noLimit struct{}

func (noLimit) Wait(context.Context, string) error { return nil }
