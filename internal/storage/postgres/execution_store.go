package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/leadflow/internal/workflow"
)

const executionColumns = "key, workflow, version, status, payload, results, completed, activity_attempts, output, attempt, error, owner, lease_until, created_at, updated_at"

// ExecutionStore persists workflow executions with lease-based ownership.
type ExecutionStore struct {
	pool  Pool
	table string
}

// NewExecutionStoreWithPool constructs an ExecutionStore over pool.
func NewExecutionStoreWithPool(pool Pool, table string) (*ExecutionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultExecutionsTable
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	return &ExecutionStore{pool: pool, table: table}, nil
}

// Claim inserts exec, or takes the lease on the stored execution when it is
// not succeeded and its current lease is ours, empty, expired or compensated.
func (s *ExecutionStore) Claim(
	ctx context.Context,
	exec workflow.Execution,
	owner string,
	leaseUntil, now time.Time,
) (workflow.Execution, bool, error) {
	exec.Owner = owner
	exec.LeaseUntil = leaseUntil
	exec.UpdatedAt = now
	args, err := executionArgs(exec)
	if err != nil {
		return workflow.Execution{}, false, err
	}
	query := fmt.Sprintf(`INSERT INTO %[1]s (%[2]s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (key) DO UPDATE SET owner = EXCLUDED.owner, lease_until = EXCLUDED.lease_until, updated_at = EXCLUDED.updated_at
WHERE %[1]s.status <> 'succeeded'
  AND (%[1]s.owner = '' OR %[1]s.owner = EXCLUDED.owner OR %[1]s.status = 'compensated'
       OR %[1]s.lease_until IS NULL OR %[1]s.lease_until <= $16)
RETURNING %[2]s`, s.table, executionColumns)

	claimed, err := scanExecution(s.pool.QueryRow(ctx, query, append(args, now)...))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.Get(ctx, exec.Key)
		if getErr != nil {
			return workflow.Execution{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return workflow.Execution{}, false, fmt.Errorf("claim %s: %w", exec.Key, err)
	}
	return claimed, true, nil
}

// Save writes the full execution.
func (s *ExecutionStore) Save(ctx context.Context, exec workflow.Execution) error {
	args, err := executionArgs(exec)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (key) DO UPDATE SET
	workflow = EXCLUDED.workflow,
	version = EXCLUDED.version,
	status = EXCLUDED.status,
	payload = EXCLUDED.payload,
	results = EXCLUDED.results,
	completed = EXCLUDED.completed,
	activity_attempts = EXCLUDED.activity_attempts,
	output = EXCLUDED.output,
	attempt = EXCLUDED.attempt,
	error = EXCLUDED.error,
	owner = EXCLUDED.owner,
	lease_until = EXCLUDED.lease_until,
	updated_at = EXCLUDED.updated_at`, s.table, executionColumns)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("save execution %s: %w", exec.Key, err)
	}
	return nil
}

// Get fetches an execution by key.
func (s *ExecutionStore) Get(ctx context.Context, key string) (workflow.Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE key = $1`, executionColumns, s.table)
	exec, err := scanExecution(s.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.Execution{}, workflow.ErrExecutionNotFound
	}
	if err != nil {
		return workflow.Execution{}, fmt.Errorf("get execution %s: %w", key, err)
	}
	return exec, nil
}

func executionArgs(exec workflow.Execution) ([]any, error) {
	results, err := json.Marshal(exec.Results)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}
	completed, err := json.Marshal(exec.Completed)
	if err != nil {
		return nil, fmt.Errorf("encode completed: %w", err)
	}
	attempts, err := json.Marshal(exec.ActivityAttempts)
	if err != nil {
		return nil, fmt.Errorf("encode activity attempts: %w", err)
	}
	var leaseUntil *time.Time
	if !exec.LeaseUntil.IsZero() {
		leaseUntil = &exec.LeaseUntil
	}
	return []any{
		exec.Key,
		exec.Workflow,
		exec.Version,
		string(exec.Status),
		nullJSON(exec.Payload),
		results,
		completed,
		attempts,
		nullJSON(exec.Output),
		exec.Attempt,
		exec.Error,
		exec.Owner,
		leaseUntil,
		exec.CreatedAt,
		exec.UpdatedAt,
	}, nil
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func scanExecution(row pgx.Row) (workflow.Execution, error) {
	var (
		exec                                          workflow.Execution
		status                                        string
		payload, results, completed, attempts, output []byte
		leaseUntil                                    *time.Time
	)
	err := row.Scan(
		&exec.Key,
		&exec.Workflow,
		&exec.Version,
		&status,
		&payload,
		&results,
		&completed,
		&attempts,
		&output,
		&exec.Attempt,
		&exec.Error,
		&exec.Owner,
		&leaseUntil,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	)
	if err != nil {
		return workflow.Execution{}, err
	}
	exec.Status = workflow.Status(status)
	if len(payload) > 0 {
		exec.Payload = json.RawMessage(payload)
	}
	if len(output) > 0 {
		exec.Output = json.RawMessage(output)
	}
	if err := unmarshalOptional(results, &exec.Results); err != nil {
		return workflow.Execution{}, fmt.Errorf("decode results of %s: %w", exec.Key, err)
	}
	if err := unmarshalOptional(completed, &exec.Completed); err != nil {
		return workflow.Execution{}, fmt.Errorf("decode completed of %s: %w", exec.Key, err)
	}
	if err := unmarshalOptional(attempts, &exec.ActivityAttempts); err != nil {
		return workflow.Execution{}, fmt.Errorf("decode attempts of %s: %w", exec.Key, err)
	}
	if leaseUntil != nil {
		exec.LeaseUntil = *leaseUntil
	}
	return exec, nil
}

func unmarshalOptional(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
