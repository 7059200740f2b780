// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/JakeFAU/leadflow/internal/backlog"
)

// BacklogStore keeps backlog tables in memory, preserving insertion order.
type BacklogStore struct {
	mu     sync.RWMutex
	source string
	tables map[string]*table
	// names lists tables in creation order.
	names []string
	seq   int
	now   func() time.Time
}

type table struct {
	order   []string
	records map[string]backlog.Record
}

// NewBacklogStore constructs a BacklogStore whose default table is source.
func NewBacklogStore(source string) *BacklogStore {
	return &BacklogStore{
		source: source,
		tables: make(map[string]*table),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *BacklogStore) tableLocked(name string) *table {
	if name == "" {
		name = s.source
	}
	t, ok := s.tables[name]
	if !ok {
		t = &table{records: make(map[string]backlog.Record)}
		s.tables[name] = t
		s.names = append(s.names, name)
	}
	return t
}

// Seed inserts records into tableName, keeping their IDs.
func (s *BacklogStore) Seed(tableName string, records ...backlog.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableLocked(tableName)
	for _, r := range records {
		if _, exists := t.records[r.ID]; !exists {
			t.order = append(t.order, r.ID)
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
		t.records[r.ID] = cloneRecord(r)
	}
}

// FindNextUnclaimed returns the first unclaimed record in insertion order and
// marks it claimed by filter.Owner.
func (s *BacklogStore) FindNextUnclaimed(_ context.Context, filter backlog.Filter) (backlog.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableLocked(filter.Table)
	now := s.now()
	for _, id := range t.order {
		rec := t.records[id]
		if !rec.Unclaimed() || filter.Excludes(id) {
			continue
		}
		if rec.ClaimedBy != "" && (filter.StaleAfter <= 0 || now.Sub(rec.ClaimedAt) < filter.StaleAfter) {
			continue
		}
		if filter.Owner != "" {
			rec.ClaimedBy = filter.Owner
			rec.ClaimedAt = now
			t.records[id] = rec
		}
		return cloneRecord(rec), nil
	}
	return backlog.Record{}, backlog.ErrNoMoreRecords
}

// UpdateStatus sets the status of id and clears its claim. The source table is
// searched first, then the others in creation order.
func (s *BacklogStore) UpdateStatus(_ context.Context, id string, status *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.searchOrderLocked() {
		t := s.tables[name]
		rec, ok := t.records[id]
		if !ok {
			continue
		}
		if status == nil {
			rec.Status = nil
		} else {
			rec.Status = backlog.Bool(*status)
		}
		rec.ClaimedBy = ""
		rec.ClaimedAt = time.Time{}
		rec.UpdatedAt = s.now()
		t.records[id] = rec
		return nil
	}
	return fmt.Errorf("update %s: %w", id, backlog.ErrNotFound)
}

func (s *BacklogStore) searchOrderLocked() []string {
	order := make([]string, 0, len(s.names)+1)
	if _, ok := s.tables[s.source]; ok {
		order = append(order, s.source)
	}
	for _, name := range s.names {
		if name != s.source {
			order = append(order, name)
		}
	}
	return order
}

// CreateDerived appends a new unclaimed record to tableName.
func (s *BacklogStore) CreateDerived(_ context.Context, tableName, sourceID string, fields map[string]any) (backlog.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := s.now()
	rec := backlog.Record{
		ID:        fmt.Sprintf("%s-%d", tableName, s.seq),
		SourceID:  sourceID,
		Fields:    maps.Clone(fields),
		CreatedAt: now,
		UpdatedAt: now,
	}
	t := s.tableLocked(tableName)
	t.order = append(t.order, rec.ID)
	t.records[rec.ID] = rec
	return cloneRecord(rec), nil
}

// DeleteRecord removes id from tableName.
func (s *BacklogStore) DeleteRecord(_ context.Context, tableName, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableLocked(tableName)
	if _, ok := t.records[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, backlog.ErrNotFound)
	}
	delete(t.records, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a copy of a record.
func (s *BacklogStore) Get(tableName, id string) (backlog.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tableName == "" {
		tableName = s.source
	}
	t, ok := s.tables[tableName]
	if !ok {
		return backlog.Record{}, false
	}
	rec, ok := t.records[id]
	return cloneRecord(rec), ok
}

// List returns copies of a table's records in insertion order.
func (s *BacklogStore) List(tableName string) []backlog.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tableName == "" {
		tableName = s.source
	}
	t, ok := s.tables[tableName]
	if !ok {
		return nil
	}
	out := make([]backlog.Record, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, cloneRecord(t.records[id]))
	}
	return out
}

func cloneRecord(r backlog.Record) backlog.Record {
	out := r
	if r.Status != nil {
		out.Status = backlog.Bool(*r.Status)
	}
	out.Fields = maps.Clone(r.Fields)
	return out
}
