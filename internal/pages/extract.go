package pages

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Selectors maps attributes to CSS selectors.
type Selectors map[Attribute]string

// ParseSelectors converts configuration keys to attributes.
func ParseSelectors(raw map[string]string) (Selectors, error) {
	out := make(Selectors, len(raw))
	for tag, sel := range raw {
		a, err := ParseAttribute(tag)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(sel) == "" {
			return nil, fmt.Errorf("empty selector for %s", a)
		}
		out[a] = sel
	}
	return out, nil
}

// Merge returns s with entries from override replacing its own.
func (s Selectors) Merge(override Selectors) Selectors {
	out := make(Selectors, len(s)+len(override))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// ProfileSelectors target a business profile page.
func ProfileSelectors() Selectors {
	return Selectors{
		AttrName:        "h1",
		AttrPhone:       "a[href^='tel:'], [data-item-id^='phone']",
		AttrWebsite:     "a[data-item-id='authority'], a[itemprop='url']",
		AttrAddress:     "[data-item-id='address'], [itemprop='address']",
		AttrCategory:    "button[jsaction*='category'], [itemprop='category']",
		AttrRating:      "[itemprop='ratingValue'], div.F7nice span[aria-hidden='true']",
		AttrReviewCount: "[itemprop='reviewCount'], div.F7nice span[aria-label*='reviews']",
		AttrHours:       "[data-item-id='oh'], [itemprop='openingHours']",
		AttrDescription: "meta[name='description'], [itemprop='description']",
	}
}

// WebsiteSelectors target contact details on a business's own site.
func WebsiteSelectors() Selectors {
	return Selectors{
		AttrEmail:       "a[href^='mailto:']",
		AttrPhone:       "a[href^='tel:']",
		AttrAddress:     "address, [itemprop='address']",
		AttrDescription: "meta[name='description'], meta[property='og:description']",
		AttrName:        "meta[property='og:site_name'], title",
	}
}

// Extract reads the wanted attributes from html. An empty want extracts
// every attribute that has a selector. Missing attributes are omitted.
func Extract(html string, sel Selectors, want []Attribute) (Profile, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if len(want) == 0 {
		want = AllAttributes()
	}
	out := make(Profile)
	for _, a := range want {
		query, ok := sel[a]
		if !ok {
			continue
		}
		doc.Find(query).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if v := value(a, s); v != "" {
				out[a] = v
				return false
			}
			return true
		})
	}
	return out, nil
}

func value(a Attribute, s *goquery.Selection) string {
	if content, ok := s.Attr("content"); ok {
		return normalize(content)
	}
	href, hasHref := s.Attr("href")
	switch a {
	case AttrEmail:
		if hasHref && strings.HasPrefix(href, "mailto:") {
			addr := strings.TrimPrefix(href, "mailto:")
			addr, _, _ = strings.Cut(addr, "?")
			return strings.ToLower(normalize(addr))
		}
	case AttrPhone:
		if hasHref && strings.HasPrefix(href, "tel:") {
			return normalize(strings.TrimPrefix(href, "tel:"))
		}
	case AttrWebsite:
		if hasHref {
			return normalize(href)
		}
	}
	if label, ok := s.Attr("aria-label"); ok && strings.TrimSpace(s.Text()) == "" {
		return normalize(label)
	}
	return normalize(s.Text())
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ListingSelectors locate candidate businesses on a search results page.
type ListingSelectors struct {
	Item string `mapstructure:"item"`
	Name string `mapstructure:"name"`
	Link string `mapstructure:"link"`
}

// DefaultListingSelectors target a typical map search result feed.
func DefaultListingSelectors() ListingSelectors {
	return ListingSelectors{
		Item: "div[role='feed'] > div > div[jsaction], div.result",
		Name: "div.fontHeadlineSmall, .name",
		Link: "a[href]",
	}
}

// Candidate is one business found on a listing page.
type Candidate struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ExtractListing returns the candidates on a listing page, with links
// resolved against base and duplicates dropped.
func ExtractListing(html, base string, sel ListingSelectors) ([]Candidate, error) {
	if sel.Item == "" || sel.Link == "" {
		return nil, fmt.Errorf("listing item and link selectors are required")
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	seen := make(map[string]struct{})
	var out []Candidate
	doc.Find(sel.Item).Each(func(_ int, item *goquery.Selection) {
		href, ok := item.Find(sel.Link).First().Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		link := baseURL.ResolveReference(ref).String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		name := ""
		if sel.Name != "" {
			name = normalize(item.Find(sel.Name).First().Text())
		}
		if name == "" {
			name, _ = item.Find(sel.Link).First().Attr("aria-label")
			name = normalize(name)
		}
		out = append(out, Candidate{Name: name, URL: link})
	})
	return out, nil
}
