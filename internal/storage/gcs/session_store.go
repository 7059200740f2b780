// Package gcs persists browser session snapshots in Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/leadflow/internal/browser"
)

// Config captures the parameters required to store sessions in GCS.
type Config struct {
	Bucket string
	Prefix string
}

// SessionStore keeps one JSON object per session name. Object writes replace
// the whole object, so concurrent saves are last-writer-wins.
type SessionStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed session store.
func New(client *storage.Client, cfg Config) (*SessionStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &SessionStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Check verifies the bucket exists and is reachable.
func (s *SessionStore) Check(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("get bucket %q attributes: %w", s.bucket, err)
	}
	return nil
}

// ObjectName returns the object that holds the named session.
func (s *SessionStore) ObjectName(name string) string {
	return path.Join(s.prefix, name+".json")
}

// Load downloads the snapshot saved under name.
func (s *SessionStore) Load(ctx context.Context, name string) (browser.SessionState, error) {
	if strings.TrimSpace(name) == "" {
		return browser.SessionState{}, fmt.Errorf("session name is required")
	}
	reader, err := s.client.Bucket(s.bucket).Object(s.ObjectName(name)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return browser.SessionState{}, browser.ErrSessionNotFound
		}
		return browser.SessionState{}, fmt.Errorf("open session object: %w", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return browser.SessionState{}, fmt.Errorf("read session object: %w", err)
	}
	var state browser.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return browser.SessionState{}, fmt.Errorf("decode session object: %w", err)
	}
	return state, nil
}

// Save uploads the snapshot under name.
func (s *SessionStore) Save(ctx context.Context, name string, state browser.SessionState) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("session name is required")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	writer := s.client.Bucket(s.bucket).Object(s.ObjectName(name)).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write session object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write session object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
