package pages

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/leadflow/internal/browser"
	"github.com/JakeFAU/leadflow/internal/retry"
)

const profileHTML = `<html><head><meta name="description" content="  Family run   bakery "></head>
<body>
  <h1> Acme  Bakery </h1>
  <a href="tel:+1-555-0100">Call</a>
  <a data-item-id="authority" href="https://acme.example">acme.example</a>
  <div itemprop="address">1 Main St,
     Springfield</div>
  <span itemprop="ratingValue">4.7</span>
</body></html>`

func TestParseAttributes(t *testing.T) {
	t.Parallel()
	got, err := ParseAttributes([]string{"Name", "phone", "name", " email "})
	require.NoError(t, err)
	assert.Equal(t, []Attribute{AttrName, AttrPhone, AttrEmail}, got)

	_, err = ParseAttributes([]string{"name", "favourite_color"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "favourite_color")
	assert.Len(t, AllAttributes(), 10)
}

func TestParseSelectors(t *testing.T) {
	t.Parallel()
	sel, err := ParseSelectors(map[string]string{"phone": ".phone"})
	require.NoError(t, err)
	merged := ProfileSelectors().Merge(sel)
	assert.Equal(t, ".phone", merged[AttrPhone])
	assert.Equal(t, "h1", merged[AttrName])

	_, err = ParseSelectors(map[string]string{"mood": "div"})
	require.Error(t, err)
	_, err = ParseSelectors(map[string]string{"name": " "})
	require.Error(t, err)
}

func TestExtractProfile(t *testing.T) {
	t.Parallel()
	got, err := Extract(profileHTML, ProfileSelectors(), nil)
	require.NoError(t, err)
	assert.Equal(t, Profile{
		AttrName:        "Acme Bakery",
		AttrPhone:       "+1-555-0100",
		AttrWebsite:     "https://acme.example",
		AttrAddress:     "1 Main St, Springfield",
		AttrRating:      "4.7",
		AttrDescription: "Family run bakery",
	}, got)
	assert.Equal(t, "Acme Bakery", got.Fields()["name"])
}

func TestExtractOnlyWanted(t *testing.T) {
	t.Parallel()
	got, err := Extract(profileHTML, ProfileSelectors(), []Attribute{AttrName, AttrEmail})
	require.NoError(t, err)
	assert.Equal(t, Profile{AttrName: "Acme Bakery"}, got)
}

func TestExtractWebsiteContacts(t *testing.T) {
	t.Parallel()
	html := `<html><head><title>Acme</title></head><body>
	<a href="mailto:Hello@Acme.Example?subject=hi">Email us</a>
	<a href="tel:555-0100">555-0100</a></body></html>`
	got, err := Extract(html, WebsiteSelectors(), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello@acme.example", got[AttrEmail])
	assert.Equal(t, "555-0100", got[AttrPhone])
	assert.Equal(t, "Acme", got[AttrName])
}

func TestProfileMerge(t *testing.T) {
	t.Parallel()
	p := Profile{AttrName: "Acme"}
	p.Merge(Profile{AttrName: "Other", AttrEmail: "a@b.c"})
	assert.Equal(t, Profile{AttrName: "Acme", AttrEmail: "a@b.c"}, p)
}

func TestExtractListing(t *testing.T) {
	t.Parallel()
	html := `<div class="result"><a href="/place/1"><span class="name">Acme</span></a></div>
	<div class="result"><a href="/place/1"><span class="name">Acme dup</span></a></div>
	<div class="result"><a aria-label="Beta Co" href="https://maps.example/place/2"></a></div>
	<div class="result"><span class="name">No link</span></div>`
	got, err := ExtractListing(html, "https://maps.example/search?q=bakery", ListingSelectors{
		Item: "div.result", Name: ".name", Link: "a[href]",
	})
	require.NoError(t, err)
	assert.Equal(t, []Candidate{
		{Name: "Acme", URL: "https://maps.example/place/1"},
		{Name: "Beta Co", URL: "https://maps.example/place/2"},
	}, got)

	_, err = ExtractListing(html, "https://maps.example", ListingSelectors{})
	require.Error(t, err)
}

func TestStaticFetcher(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "leadflow-test", r.UserAgent())
		_, _ = w.Write([]byte(profileHTML))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	limiter := &countingLimiter{}
	f := NewStaticFetcher(StaticConfig{UserAgent: "leadflow-test", Timeout: time.Second}, limiter)

	page, err := f.Fetch(context.Background(), server.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, page.HTML, "Acme  Bakery")

	// Retries of the same URL must not be treated as revisits.
	_, err = f.Fetch(context.Background(), server.URL+"/ok")
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), server.URL+"/gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "410")
	assert.Equal(t, int32(3), limiter.calls.Load())
}

type countingLimiter struct {
	calls atomic.Int32
	err   error
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.calls.Add(1)
	return l.err
}

type stubBrowser struct {
	runErr error
	closed atomic.Int32
}

func (b *stubBrowser) NewSession(context.Context, *browser.SessionState) (browser.Session, error) {
	return &stubSession{browser: b}, nil
}

func (b *stubBrowser) Close() error { return nil }

type stubSession struct {
	browser *stubBrowser
}

func (s *stubSession) Run(context.Context, ...chromedp.Action) error { return s.browser.runErr }

func (s *stubSession) State(context.Context) (browser.SessionState, error) {
	return browser.SessionState{}, nil
}

func (s *stubSession) Close() error {
	s.browser.closed.Add(1)
	return nil
}

func newStubPool(t *testing.T, b *stubBrowser) *browser.Pool {
	t.Helper()
	pool, err := browser.NewPool(b, nil, browser.Config{
		MaxContexts: 2,
		Acquire:     retry.Policy{Name: "acquire", MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, nil)
	require.NoError(t, err)
	return pool
}

func TestBrowserFetcherReleasesContext(t *testing.T) {
	t.Parallel()
	b := &stubBrowser{}
	pool := newStubPool(t, b)
	f, err := NewBrowserFetcher(pool, nil, BrowserConfig{Scrolls: 2}, nil)
	require.NoError(t, err)

	page, err := f.Fetch(context.Background(), "https://maps.example/place/1")
	require.NoError(t, err)
	assert.Equal(t, "https://maps.example/place/1", page.FinalURL)
	assert.Equal(t, int32(1), b.closed.Load())
	assert.Zero(t, pool.Live())
	assert.Len(t, f.actions("https://x", &Page{}), 2+2*2+2)
}

func TestBrowserFetcherPropagatesErrors(t *testing.T) {
	t.Parallel()
	b := &stubBrowser{runErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	pool := newStubPool(t, b)
	limiter := &countingLimiter{}
	f, err := NewBrowserFetcher(pool, limiter, BrowserConfig{}, nil)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "https://nowhere.example")
	require.ErrorContains(t, err, "ERR_NAME_NOT_RESOLVED")
	assert.Zero(t, pool.Live())
	assert.Equal(t, int32(1), b.closed.Load())

	limiter.err = errors.New("rate limit wait: context canceled")
	_, err = f.Fetch(context.Background(), "https://nowhere.example")
	require.Error(t, err)
	assert.Equal(t, int32(1), b.closed.Load())

	_, err = NewBrowserFetcher(nil, nil, BrowserConfig{}, nil)
	require.Error(t, err)
}
