package workflow

import (
	"errors"
	"fmt"
	"time"
)

// ErrExecutionInProgress means another live runner holds the key's lease.
var ErrExecutionInProgress = errors.New("execution already in progress")

// ActivityError is the named failure of one activity.
type ActivityError struct {
	Name     string
	Message  string
	Metadata map[string]any
	// NonRetryable stops the activity's retry policy immediately.
	NonRetryable bool
	Err          error
}

// NewActivityError builds an ActivityError with optional metadata.
func NewActivityError(name, message string, metadata map[string]any) *ActivityError {
	return &ActivityError{Name: name, Message: message, Metadata: metadata}
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s: %s", e.Name, e.Message)
}

func (e *ActivityError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a workflow that ran out of time.
type TimeoutError struct {
	Workflow string
	Key      string
	After    time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("workflow %s (%s) timed out after %s", e.Workflow, e.Key, e.After.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
