// Package local persists browser session snapshots on the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/JakeFAU/leadflow/internal/browser"
)

// Config captures the parameters for the local session store.
type Config struct {
	// BaseDir is the directory that holds one JSON file per session name.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// SessionStore writes session snapshots as JSON files. Writes are atomic
// (temp file and rename), so readers never observe a partial snapshot and
// concurrent writers resolve as last-writer-wins.
type SessionStore struct {
	baseDir string
}

// New creates a filesystem-backed session store, creating BaseDir if needed.
func New(cfg Config) (*SessionStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}
	return &SessionStore{baseDir: cfg.BaseDir}, nil
}

// Load reads the snapshot saved under name.
func (s *SessionStore) Load(_ context.Context, name string) (browser.SessionState, error) {
	path, err := s.path(name)
	if err != nil {
		return browser.SessionState{}, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is confined to baseDir.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return browser.SessionState{}, browser.ErrSessionNotFound
		}
		return browser.SessionState{}, fmt.Errorf("read session file: %w", err)
	}
	var state browser.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return browser.SessionState{}, fmt.Errorf("decode session file: %w", err)
	}
	return state, nil
}

// Save atomically replaces the snapshot under name.
func (s *SessionStore) Save(_ context.Context, name string, state browser.SessionState) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

func (s *SessionStore) path(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("session name is required")
	}
	fullPath := filepath.Join(s.baseDir, name+".json")
	cleanBaseDir := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}
