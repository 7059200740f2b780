package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Alert describes one compensated activity. Compensations in this system
// notify operators; they do not roll external writes back.
type Alert struct {
	Workflow string          `json:"workflow"`
	Key      string          `json:"key"`
	Activity string          `json:"activity"`
	Cause    string          `json:"cause"`
	Result   json.RawMessage `json:"result,omitempty"`
	At       time.Time       `json:"at"`
}

// Notifier delivers compensation alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// AlertOnCompensate returns a compensation hook that publishes an Alert for activity.
func AlertOnCompensate[P any](n Notifier, workflow, activity string) func(context.Context, Compensation[P]) error {
	return func(ctx context.Context, c Compensation[P]) error {
		if n == nil {
			return nil
		}
		cause := ""
		if c.Cause != nil {
			cause = c.Cause.Error()
		}
		if err := n.Notify(ctx, Alert{
			Workflow: workflow,
			Key:      c.Key,
			Activity: activity,
			Cause:    cause,
			Result:   c.Result,
			At:       time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("notify compensation of %s: %w", activity, err)
		}
		return nil
	}
}
