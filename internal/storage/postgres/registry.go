package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/leadflow/internal/cluster"
)

// Registry tracks cluster runners in a Postgres table.
type Registry struct {
	pool  Pool
	table string
}

// NewRegistryWithPool constructs a Registry over pool.
func NewRegistryWithPool(pool Pool, table string) (*Registry, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultRunnersTable
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	return &Registry{pool: pool, table: table}, nil
}

// Register upserts a runner.
func (r *Registry) Register(ctx context.Context, runner cluster.Runner) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, stage, address, started_at, last_seen)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET stage = EXCLUDED.stage, address = EXCLUDED.address,
	started_at = EXCLUDED.started_at, last_seen = EXCLUDED.last_seen`, r.table)
	if _, err := r.pool.Exec(ctx, query, runner.ID, runner.Stage, runner.Address, runner.StartedAt, runner.LastSeen); err != nil {
		return fmt.Errorf("register runner %s: %w", runner.ID, err)
	}
	return nil
}

// Heartbeat refreshes last_seen.
func (r *Registry) Heartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET last_seen = $1 WHERE id = $2`, r.table), at, id)
	if err != nil {
		return fmt.Errorf("heartbeat runner %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("runner %s not registered", id)
	}
	return nil
}

// Deregister removes a runner.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.table), id); err != nil {
		return fmt.Errorf("deregister runner %s: %w", id, err)
	}
	return nil
}

// Live lists the stage's runners seen since the given time, ordered by ID.
func (r *Registry) Live(ctx context.Context, stage string, since time.Time) ([]cluster.Runner, error) {
	query := fmt.Sprintf(`SELECT id, stage, address, started_at, last_seen FROM %s
WHERE stage = $1 AND last_seen >= $2 ORDER BY id`, r.table)
	rows, err := r.pool.Query(ctx, query, stage, since)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()
	var out []cluster.Runner
	for rows.Next() {
		var runner cluster.Runner
		if err := rows.Scan(&runner.ID, &runner.Stage, &runner.Address, &runner.StartedAt, &runner.LastSeen); err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		out = append(out, runner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	return out, nil
}
