// Package backlog defines the records a pipeline stage drains and the store
// contract it drains them through.
package backlog

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNoMoreRecords signals that no unclaimed record is currently available.
var ErrNoMoreRecords = errors.New("no more records")

// ErrNotFound is returned for unknown record IDs.
var ErrNotFound = errors.New("record not found")

// Record is one unit of candidate work. Status is tri-state: nil means
// unclaimed, true succeeded and false failed.
type Record struct {
	ID        string         `json:"id"`
	Status    *bool          `json:"status"`
	Fields    map[string]any `json:"fields,omitempty"`
	SourceID  string         `json:"sourceId,omitempty"`
	ClaimedBy string         `json:"claimedBy,omitempty"`
	ClaimedAt time.Time      `json:"claimedAt,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Unclaimed reports whether the record is waiting for work.
func (r Record) Unclaimed() bool {
	return r.Status == nil
}

// String returns the named field as a string, or "".
func (r Record) String(name string) string {
	v, ok := r.Fields[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Filter narrows FindNextUnclaimed.
type Filter struct {
	// Table selects the backlog; stores with a single backlog ignore it.
	Table string
	// ExcludeIDs are never returned.
	ExcludeIDs []string
	// Owner is recorded as the claimant when the store supports claim locking.
	Owner string
	// StaleAfter makes claims older than this eligible again. Zero disables it.
	StaleAfter time.Duration
}

// Excludes reports whether id is filtered out.
func (f Filter) Excludes(id string) bool {
	return slices.Contains(f.ExcludeIDs, id)
}

// Store is the persistence contract the processing loop consumes. Each call is
// atomic for a single record.
type Store interface {
	// FindNextUnclaimed returns the first eligible record or ErrNoMoreRecords.
	FindNextUnclaimed(ctx context.Context, filter Filter) (Record, error)
	// UpdateStatus sets a record's status. A nil status returns it to the backlog.
	UpdateStatus(ctx context.Context, id string, status *bool) error
	// CreateDerived stores a record produced from sourceID into table.
	CreateDerived(ctx context.Context, table, sourceID string, fields map[string]any) (Record, error)
	// DeleteRecord removes a record.
	DeleteRecord(ctx context.Context, table, id string) error
}

// Outcome is what a stage workflow reports for one record.
type Outcome struct {
	Succeeded bool `json:"succeeded"`
	// Disqualified means the record produced nothing usable. The loop deletes
	// DerivedIDs and returns the source record to the backlog.
	Disqualified bool     `json:"disqualified,omitempty"`
	DerivedTable string   `json:"derivedTable,omitempty"`
	DerivedIDs   []string `json:"derivedIds,omitempty"`
}

// Bool returns a pointer to v, for status updates.
func Bool(v bool) *bool {
	return &v
}
