// Package pages fetches business pages and extracts a closed set of
// attributes from them.
package pages

import (
	"fmt"
	"slices"
	"strings"
)

// Attribute is one extractable business field.
type Attribute string

// Known attributes. Nothing outside this set is ever extracted.
const (
	AttrName        Attribute = "name"
	AttrPhone       Attribute = "phone"
	AttrEmail       Attribute = "email"
	AttrWebsite     Attribute = "website"
	AttrAddress     Attribute = "address"
	AttrCategory    Attribute = "category"
	AttrRating      Attribute = "rating"
	AttrReviewCount Attribute = "review_count"
	AttrHours       Attribute = "hours"
	AttrDescription Attribute = "description"
)

var allAttributes = []Attribute{
	AttrName, AttrPhone, AttrEmail, AttrWebsite, AttrAddress,
	AttrCategory, AttrRating, AttrReviewCount, AttrHours, AttrDescription,
}

// AllAttributes returns every known attribute in canonical order.
func AllAttributes() []Attribute {
	return slices.Clone(allAttributes)
}

// ParseAttribute maps a tag to its Attribute, case-insensitively.
func ParseAttribute(tag string) (Attribute, error) {
	a := Attribute(strings.ToLower(strings.TrimSpace(tag)))
	if !slices.Contains(allAttributes, a) {
		return "", fmt.Errorf("unknown attribute %q", tag)
	}
	return a, nil
}

// ParseAttributes parses tags, rejecting unknown ones and dropping duplicates.
func ParseAttributes(tags []string) ([]Attribute, error) {
	out := make([]Attribute, 0, len(tags))
	for _, tag := range tags {
		a, err := ParseAttribute(tag)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Profile holds the attributes extracted for one business.
type Profile map[Attribute]string

// Fields converts the profile to backlog record fields.
func (p Profile) Fields() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[string(k)] = v
	}
	return out
}

// Merge copies attributes from other that p lacks.
func (p Profile) Merge(other Profile) {
	for k, v := range other {
		if _, ok := p[k]; !ok {
			p[k] = v
		}
	}
}
