package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/leadflow/internal/workflow"
)

// ExecutionStore keeps workflow executions in memory.
type ExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]workflow.Execution
}

// NewExecutionStore constructs an ExecutionStore.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{execs: make(map[string]workflow.Execution)}
}

// Claim inserts exec or takes over an existing claimable execution.
func (s *ExecutionStore) Claim(
	_ context.Context,
	exec workflow.Execution,
	owner string,
	leaseUntil, now time.Time,
) (workflow.Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.execs[exec.Key]
	if !ok {
		cur = exec
	} else if !cur.Claimable(owner, now) {
		return cur.Clone(), false, nil
	}
	cur.Owner = owner
	cur.LeaseUntil = leaseUntil
	cur.UpdatedAt = now
	s.execs[exec.Key] = cur.Clone()
	return cur.Clone(), true, nil
}

// Save replaces the stored execution.
func (s *ExecutionStore) Save(_ context.Context, exec workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.Key] = exec.Clone()
	return nil
}

// Get fetches an execution by key.
func (s *ExecutionStore) Get(_ context.Context, key string) (workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[key]
	if !ok {
		return workflow.Execution{}, workflow.ErrExecutionNotFound
	}
	return exec.Clone(), nil
}
