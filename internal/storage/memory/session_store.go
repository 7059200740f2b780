package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/leadflow/internal/browser"
)

// SessionStore keeps browser session snapshots in memory.
type SessionStore struct {
	mu     sync.RWMutex
	states map[string]browser.SessionState
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{states: make(map[string]browser.SessionState)}
}

// Load returns the snapshot saved under name.
func (s *SessionStore) Load(_ context.Context, name string) (browser.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[name]
	if !ok {
		return browser.SessionState{}, browser.ErrSessionNotFound
	}
	st.Cookies = slices.Clone(st.Cookies)
	return st, nil
}

// Save overwrites the snapshot under name.
func (s *SessionStore) Save(_ context.Context, name string, state browser.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.Cookies = slices.Clone(state.Cookies)
	s.states[name] = state
	return nil
}
