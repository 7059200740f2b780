package postgres

import (
	"context"
	"fmt"
)

// Schema returns the DDL for the execution, runner and backlog tables.
func Schema(executionsTable, runnersTable string, backlogTables ...string) ([]string, error) {
	for _, t := range append([]string{executionsTable, runnersTable}, backlogTables...) {
		if err := checkTable(t); err != nil {
			return nil, err
		}
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	workflow TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	payload JSONB,
	results JSONB,
	completed JSONB,
	activity_attempts JSONB,
	output JSONB,
	attempt INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT '',
	lease_until TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, executionsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	address TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL
)`, runnersTable),
	}
	for _, t := range backlogTables {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	status BOOLEAN,
	fields JSONB NOT NULL DEFAULT '{}',
	source_id TEXT,
	claimed_by TEXT,
	claimed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, t),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_unclaimed_idx ON %s (created_at) WHERE status IS NULL`, t, t),
		)
	}
	return stmts, nil
}

// Migrate applies Schema.
func Migrate(ctx context.Context, pool Pool, executionsTable, runnersTable string, backlogTables ...string) error {
	stmts, err := Schema(executionsTable, runnersTable, backlogTables...)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
