package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of one execution.
type Status string

// Execution states. Succeeded and Compensated are terminal.
const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// Terminal reports whether no further transitions happen without a new attempt.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusCompensated
}

// ErrExecutionNotFound is returned by ExecutionStore.Get for unknown keys.
var ErrExecutionNotFound = errors.New("execution not found")

// Execution is the durable record of one idempotency key.
type Execution struct {
	Key              string                     `json:"key"`
	Workflow         string                     `json:"workflow"`
	Version          int                        `json:"version"`
	Status           Status                     `json:"status"`
	Payload          json.RawMessage            `json:"payload,omitempty"`
	Results          map[string]json.RawMessage `json:"results,omitempty"`
	Completed        []string                   `json:"completed,omitempty"`
	ActivityAttempts map[string]int             `json:"activityAttempts,omitempty"`
	Output           json.RawMessage            `json:"output,omitempty"`
	Attempt          int                        `json:"attempt"`
	Error            string                     `json:"error,omitempty"`
	Owner            string                     `json:"owner,omitempty"`
	LeaseUntil       time.Time                  `json:"leaseUntil,omitempty"`
	CreatedAt        time.Time                  `json:"createdAt"`
	UpdatedAt        time.Time                  `json:"updatedAt"`
}

// Claimable reports whether owner may take over the execution at now. A
// succeeded execution is never claimed; it is replayed instead.
func (e Execution) Claimable(owner string, now time.Time) bool {
	if e.Status == StatusSucceeded {
		return false
	}
	if e.Owner == "" || e.Owner == owner {
		return true
	}
	if e.Status == StatusCompensated {
		return true
	}
	return !now.Before(e.LeaseUntil)
}

// Clone returns a deep copy.
func (e Execution) Clone() Execution {
	out := e
	out.Payload = slices.Clone(e.Payload)
	out.Output = slices.Clone(e.Output)
	out.Completed = slices.Clone(e.Completed)
	if e.Results != nil {
		out.Results = make(map[string]json.RawMessage, len(e.Results))
		for k, v := range e.Results {
			out.Results[k] = slices.Clone(v)
		}
	}
	if e.ActivityAttempts != nil {
		out.ActivityAttempts = make(map[string]int, len(e.ActivityAttempts))
		for k, v := range e.ActivityAttempts {
			out.ActivityAttempts[k] = v
		}
	}
	return out
}

func (e Execution) completed(name string) bool {
	return slices.Contains(e.Completed, name)
}

// ExecutionStore persists executions so any runner can resume them.
type ExecutionStore interface {
	// Claim inserts exec when the key is new, or hands an existing execution
	// to owner when Claimable allows it. It returns the stored execution and
	// whether owner now holds its lease.
	Claim(ctx context.Context, exec Execution, owner string, leaseUntil, now time.Time) (Execution, bool, error)
	Save(ctx context.Context, exec Execution) error
	Get(ctx context.Context, key string) (Execution, error)
}

// Results holds the JSON-encoded values of completed activities.
type Results map[string]json.RawMessage

// ResultAs decodes the stored value of the named activity.
func ResultAs[T any](r Results, name string) (T, error) {
	var out T
	raw, ok := r[name]
	if !ok {
		return out, fmt.Errorf("no result for activity %q", name)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode result of %q: %w", name, err)
	}
	return out, nil
}

// Decode unmarshals raw into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}
