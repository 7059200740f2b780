// Package workflow runs ordered, retryable activities as durable executions
// keyed by an idempotency key, compensating completed work on terminal failure.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/leadflow/internal/retry"
)

// Input is what an activity body receives on each attempt.
type Input[P any] struct {
	Key     string
	Payload P
	Attempt int
	// Results holds the values of activities that completed earlier in this execution.
	Results Results
}

// Compensation is what a compensation hook receives.
type Compensation[P any] struct {
	Key     string
	Payload P
	// Result is the JSON value the activity last returned successfully.
	Result json.RawMessage
	Cause  error
}

// Activity is one named, retryable unit of work.
type Activity[P any] struct {
	Name    string
	Retry   retry.Policy
	Timeout time.Duration
	Run     func(ctx context.Context, in Input[P]) (any, error)
	// Compensate is optional. It runs only if a later activity fails terminally.
	Compensate func(ctx context.Context, c Compensation[P]) error
}

// Definition is an ordered composition of activities sharing a payload.
type Definition[P any] struct {
	Name    string
	Version int
	// Key derives the idempotency key from the payload.
	Key        func(P) string
	Timeout    time.Duration
	Activities []Activity[P]
	// Settled, when set, reports whether a successful output is final. An
	// unsettled output is returned to the caller but never replayed.
	Settled func(output json.RawMessage) bool
}

// Validate checks the definition is runnable.
func (d Definition[P]) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if d.Key == nil {
		return fmt.Errorf("workflow %s: key func is required", d.Name)
	}
	if len(d.Activities) == 0 {
		return fmt.Errorf("workflow %s: at least one activity is required", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Activities))
	for i, a := range d.Activities {
		if a.Name == "" {
			return fmt.Errorf("workflow %s: activity %d has no name", d.Name, i)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("workflow %s: duplicate activity %q", d.Name, a.Name)
		}
		if a.Run == nil {
			return fmt.Errorf("workflow %s: activity %q has no run func", d.Name, a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

func (d Definition[P]) activity(name string) (Activity[P], bool) {
	for _, a := range d.Activities {
		if a.Name == name {
			return a, true
		}
	}
	return Activity[P]{}, false
}

// Outcome is the result of executing a workflow for one key.
type Outcome struct {
	Key    string          `json:"key"`
	Status Status          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	// Replayed is set when a previously succeeded execution was returned as is.
	Replayed bool `json:"replayed,omitempty"`
	// Shared is set when the call joined an in-flight execution of the same key.
	Shared bool `json:"shared,omitempty"`
}

// Runner is a workflow bound to an engine, addressable by name.
type Runner interface {
	Name() string
	ExecuteJSON(ctx context.Context, payload json.RawMessage) (Outcome, error)
}

// Workflow is a Definition bound to an Engine.
type Workflow[P any] struct {
	engine *Engine
	def    Definition[P]
}

// Bind validates def and attaches it to e.
func Bind[P any](e *Engine, def Definition[P]) (*Workflow[P], error) {
	if e == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &Workflow[P]{engine: e, def: def}, nil
}

// Name returns the workflow name.
func (w *Workflow[P]) Name() string {
	return w.def.Name
}

// Key returns the idempotency key for payload.
func (w *Workflow[P]) Key(payload P) string {
	return w.def.Key(payload)
}

// Execute runs or joins the execution for payload's key.
func (w *Workflow[P]) Execute(ctx context.Context, payload P) (Outcome, error) {
	return execute(ctx, w.engine, w.def, payload)
}

// ExecuteJSON decodes payload and calls Execute.
func (w *Workflow[P]) ExecuteJSON(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	var p P
	if err := json.Unmarshal(payload, &p); err != nil {
		return Outcome{}, fmt.Errorf("decode %s payload: %w", w.def.Name, err)
	}
	return w.Execute(ctx, p)
}
