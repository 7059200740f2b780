// Package retry runs fallible operations under bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy describes how many times an operation is tried and how long to wait
// between tries. The wait after the n-th failure is BaseDelay * 2^(n-1),
// capped at MaxDelay when MaxDelay is positive.
type Policy struct {
	Name        string        `mapstructure:"name"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// Named policies for the operation classes used across the pipeline.
var (
	// Interaction covers fast page actions such as clicks and typing.
	Interaction = Policy{Name: "interaction", MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
	// Navigation covers page loads.
	Navigation = Policy{Name: "navigation", MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
	// Extraction covers structured extraction calls.
	Extraction = Policy{Name: "extraction", MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
	// BacklogPoll covers "no records yet" polling of the backlog.
	BacklogPoll = Policy{Name: "backlog_poll", MaxAttempts: 5, BaseDelay: 30 * time.Second, MaxDelay: 8 * time.Minute}
	// Acquire covers browser context acquisition.
	Acquire = Policy{Name: "acquire", MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
)

// Defaults returns the named policies keyed by name.
func Defaults() map[string]Policy {
	return map[string]Policy{
		Interaction.Name: Interaction,
		Navigation.Name:  Navigation,
		Extraction.Name:  Extraction,
		BacklogPoll.Name: BacklogPoll,
		Acquire.Name:     Acquire,
	}
}

// Validate reports configuration errors.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("retry policy %q: max_attempts must be > 0", p.Name)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("retry policy %q: base_delay must be >= 0", p.Name)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("retry policy %q: max_delay must be >= 0", p.Name)
	}
	return nil
}

// Backoff returns the wait that follows the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		if delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Func is one try of an operation. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// NotifyFunc observes a failed attempt before the policy waits for the next one.
type NotifyFunc func(attempt int, err error, wait time.Duration)

type options struct {
	notify NotifyFunc
}

// Option customizes Do.
type Option func(*options)

// WithNotify registers a callback invoked after every failed attempt that will be retried.
func WithNotify(fn NotifyFunc) Option {
	return func(o *options) {
		o.notify = fn
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, the policy's attempts are used up, or ctx ends.
// On exhaustion the last error is returned unchanged. When ctx ends during a
// backoff wait, the returned error wraps both the last error and ctx.Err().
func Do(ctx context.Context, p Policy, fn Func, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (retry aborted: %w)", lastErr, err)
			}
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		wait := p.Backoff(attempt)
		if o.notify != nil {
			o.notify(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("%w (retry aborted: %w)", lastErr, err)
		}
	}
	return lastErr
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error), opts ...Option) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	return out, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
