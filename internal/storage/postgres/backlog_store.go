package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/leadflow/internal/backlog"
)

const recordColumns = "id, status, fields, source_id, claimed_by, claimed_at, created_at, updated_at"

// IDGenerator mints IDs for derived records.
type IDGenerator interface {
	NewID() (string, error)
}

// BacklogStore drains backlog tables. Claims use FOR UPDATE SKIP LOCKED so
// concurrent runners never receive the same record.
type BacklogStore struct {
	pool   Pool
	source string
	tables []string
	ids    IDGenerator
	now    func() time.Time
}

// NewBacklogStoreWithPool constructs a BacklogStore over pool. source is the
// default table; tables lists every other table the store may touch.
func NewBacklogStoreWithPool(pool Pool, ids IDGenerator, source string, tables ...string) (*BacklogStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if err := checkTable(source); err != nil {
		return nil, err
	}
	for _, t := range tables {
		if err := checkTable(t); err != nil {
			return nil, err
		}
	}
	return &BacklogStore{
		pool:   pool,
		source: source,
		tables: append([]string{source}, tables...),
		ids:    ids,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *BacklogStore) table(name string) (string, error) {
	if name == "" {
		return s.source, nil
	}
	if err := checkTable(name); err != nil {
		return "", err
	}
	return name, nil
}

// FindNextUnclaimed claims the oldest unclaimed record for filter.Owner.
func (s *BacklogStore) FindNextUnclaimed(ctx context.Context, filter backlog.Filter) (backlog.Record, error) {
	tbl, err := s.table(filter.Table)
	if err != nil {
		return backlog.Record{}, err
	}
	now := s.now()
	// A zero cutoff never matches, so live claims are never stolen.
	var staleBefore time.Time
	if filter.StaleAfter > 0 {
		staleBefore = now.Add(-filter.StaleAfter)
	}
	exclude := filter.ExcludeIDs
	if exclude == nil {
		exclude = []string{}
	}
	query := fmt.Sprintf(`UPDATE %[1]s SET claimed_by = NULLIF($1, ''), claimed_at = $2, updated_at = $2
WHERE id = (
	SELECT id FROM %[1]s
	WHERE status IS NULL
	  AND (claimed_by IS NULL OR claimed_at < $3)
	  AND NOT (id = ANY($4))
	ORDER BY created_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING %[2]s`, tbl, recordColumns)

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, filter.Owner, now, staleBefore, exclude))
	if errors.Is(err, pgx.ErrNoRows) {
		return backlog.Record{}, backlog.ErrNoMoreRecords
	}
	if err != nil {
		return backlog.Record{}, fmt.Errorf("claim from %s: %w", tbl, err)
	}
	return rec, nil
}

// UpdateStatus sets status on id in the first configured table that holds it
// and clears its claim.
func (s *BacklogStore) UpdateStatus(ctx context.Context, id string, status *bool) error {
	now := s.now()
	for _, tbl := range s.tables {
		query := fmt.Sprintf(`UPDATE %s SET status = $1, claimed_by = NULL, claimed_at = NULL, updated_at = $2 WHERE id = $3`, tbl)
		tag, err := s.pool.Exec(ctx, query, status, now, id)
		if err != nil {
			return fmt.Errorf("update %s in %s: %w", id, tbl, err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}
	return fmt.Errorf("update %s: %w", id, backlog.ErrNotFound)
}

// CreateDerived inserts a new unclaimed record into table.
func (s *BacklogStore) CreateDerived(ctx context.Context, table, sourceID string, fields map[string]any) (backlog.Record, error) {
	tbl, err := s.table(table)
	if err != nil {
		return backlog.Record{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return backlog.Record{}, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return backlog.Record{}, fmt.Errorf("encode fields: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, fields, source_id, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $4)
RETURNING %s`, tbl, recordColumns)
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id, payload, sourceID, s.now()))
	if err != nil {
		return backlog.Record{}, fmt.Errorf("insert into %s: %w", tbl, err)
	}
	return rec, nil
}

// DeleteRecord removes id from table.
func (s *BacklogStore) DeleteRecord(ctx context.Context, table, id string) error {
	tbl, err := s.table(table)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, tbl), id)
	if err != nil {
		return fmt.Errorf("delete %s from %s: %w", id, tbl, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s: %w", id, backlog.ErrNotFound)
	}
	return nil
}

// Close releases the pool.
func (s *BacklogStore) Close() {
	s.pool.Close()
}

func scanRecord(row pgx.Row) (backlog.Record, error) {
	var (
		rec       backlog.Record
		fields    []byte
		sourceID  *string
		claimedBy *string
		claimedAt *time.Time
	)
	if err := row.Scan(&rec.ID, &rec.Status, &fields, &sourceID, &claimedBy, &claimedAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return backlog.Record{}, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return backlog.Record{}, fmt.Errorf("decode fields of %s: %w", rec.ID, err)
		}
	}
	if sourceID != nil {
		rec.SourceID = *sourceID
	}
	if claimedBy != nil {
		rec.ClaimedBy = *claimedBy
	}
	if claimedAt != nil {
		rec.ClaimedAt = *claimedAt
	}
	return rec, nil
}
