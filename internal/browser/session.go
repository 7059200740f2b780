package browser

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned by a SessionStore when nothing was saved under a name.
var ErrSessionNotFound = errors.New("session state not found")

// Cookie is the persisted form of one browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// SessionState is a snapshot of a browser context's authenticated state.
type SessionState struct {
	Cookies []Cookie  `json:"cookies"`
	SavedAt time.Time `json:"savedAt"`
}

// Empty reports whether the state carries nothing worth restoring.
func (s SessionState) Empty() bool {
	return len(s.Cookies) == 0
}

// SessionStore persists session snapshots by name. Concurrent saves to the
// same name are last-writer-wins.
type SessionStore interface {
	Load(ctx context.Context, name string) (SessionState, error)
	Save(ctx context.Context, name string, state SessionState) error
}
