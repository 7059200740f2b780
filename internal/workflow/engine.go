package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/leadflow/internal/retry"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Observer receives execution telemetry.
type Observer interface {
	ActivityFailed(workflow, activity string, attempt int, err error)
	ExecutionFinished(workflow string, status Status, elapsed time.Duration)
}

// Config controls an Engine.
type Config struct {
	// Owner identifies this runner in execution leases.
	Owner string
	// Lease is how long a claim stays valid without progress.
	Lease               time.Duration
	CompensationTimeout time.Duration
	Clock               Clock
	Observer            Observer
}

// Engine executes workflows durably against an ExecutionStore.
type Engine struct {
	store  ExecutionStore
	cfg    Config
	logger *zap.Logger
	group  singleflight.Group
}

// NewEngine constructs an Engine.
func NewEngine(store ExecutionStore, cfg Config, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("execution store is required")
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("engine owner is required")
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, cfg: cfg, logger: logger}, nil
}

// Owner returns the runner identity used in leases.
func (e *Engine) Owner() string {
	return e.cfg.Owner
}

// Get returns the stored execution for key.
func (e *Engine) Get(ctx context.Context, key string) (Execution, error) {
	return e.store.Get(ctx, key)
}

func execute[P any](ctx context.Context, e *Engine, def Definition[P], payload P) (Outcome, error) {
	key := def.Key(payload)
	if key == "" {
		return Outcome{}, fmt.Errorf("workflow %s: empty idempotency key", def.Name)
	}
	v, err, shared := e.group.Do(key, func() (any, error) {
		return run(ctx, e, def, key, payload)
	})
	out, _ := v.(Outcome)
	out.Shared = shared
	return out, err
}

func run[P any](ctx context.Context, e *Engine, def Definition[P], key string, payload P) (Outcome, error) {
	logger := e.logger.With(zap.String("workflow", def.Name), zap.String("idempotency_key", key))
	raw, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode payload: %w", err)
	}
	now := e.cfg.Clock.Now()
	fresh := Execution{
		Key:       key,
		Workflow:  def.Name,
		Version:   def.Version,
		Status:    StatusPending,
		Payload:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	exec, owned, err := e.store.Claim(ctx, fresh, e.cfg.Owner, now.Add(e.cfg.Lease), now)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim execution %s: %w", key, err)
	}
	if exec.Status == StatusSucceeded {
		logger.Info("replaying succeeded execution")
		return Outcome{Key: key, Status: exec.Status, Output: exec.Output, Replayed: true}, nil
	}
	if !owned {
		return Outcome{Key: key, Status: exec.Status}, fmt.Errorf("%s held by %s: %w", key, exec.Owner, ErrExecutionInProgress)
	}

	switch {
	case exec.Status == StatusCompensated || exec.Version != def.Version:
		if exec.Attempt > 0 {
			logger.Info("restarting execution", zap.String("previous_status", string(exec.Status)), zap.Int("previous_version", exec.Version))
		}
		exec.Completed = nil
		exec.Results = nil
		exec.Output = nil
		exec.Error = ""
		exec.Version = def.Version
	case len(exec.Completed) > 0:
		logger.Info("resuming execution", zap.Strings("completed", exec.Completed))
	}
	if exec.Results == nil {
		exec.Results = map[string]json.RawMessage{}
	}
	if exec.ActivityAttempts == nil {
		exec.ActivityAttempts = map[string]int{}
	}
	exec.Attempt++
	exec.Payload = raw
	exec.Status = StatusRunning
	e.save(ctx, &exec, logger)
	logger.Info("workflow started", zap.Int("attempt", exec.Attempt))

	start := time.Now()
	runCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	for _, act := range def.Activities {
		if exec.completed(act.Name) {
			continue
		}
		value, err := runActivity(runCtx, e, def, act, &exec, payload, logger)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) && !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return e.interrupt(ctx, &exec, err, logger)
			}
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				err = &TimeoutError{Workflow: def.Name, Key: key, After: time.Since(start), Err: err}
			}
			return compensate(ctx, e, def, &exec, payload, err, start, logger)
		}
		exec.Results[act.Name] = value
		exec.Completed = append(exec.Completed, act.Name)
		exec.LeaseUntil = e.cfg.Clock.Now().Add(e.cfg.Lease)
		e.save(ctx, &exec, logger)
	}

	exec.Status = StatusSucceeded
	exec.Output = exec.Results[def.Activities[len(def.Activities)-1].Name]
	exec.LeaseUntil = time.Time{}
	settled := def.Settled == nil || def.Settled(exec.Output)
	if !settled {
		// Not kept for replay: the next execution of this key starts over.
		exec.Status = StatusPending
		exec.Completed = nil
		exec.Results = nil
	}
	e.save(ctx, &exec, logger)
	elapsed := time.Since(start)
	logger.Info("workflow completed", zap.Duration("duration", elapsed), zap.Bool("settled", settled))
	e.finished(def.Name, StatusSucceeded, elapsed)
	return Outcome{Key: key, Status: StatusSucceeded, Output: exec.Output}, nil
}

func runActivity[P any](
	ctx context.Context,
	e *Engine,
	def Definition[P],
	act Activity[P],
	exec *Execution,
	payload P,
	logger *zap.Logger,
) (json.RawMessage, error) {
	var value json.RawMessage
	attempts := 0
	err := retry.Do(ctx, act.Retry, func(ctx context.Context, attempt int) error {
		attempts = attempt
		exec.ActivityAttempts[act.Name] = attempt
		actCtx := ctx
		if act.Timeout > 0 {
			var cancel context.CancelFunc
			actCtx, cancel = context.WithTimeout(ctx, act.Timeout)
			defer cancel()
		}
		out, err := act.Run(actCtx, Input[P]{
			Key:     exec.Key,
			Payload: payload,
			Attempt: attempt,
			Results: Results(exec.Results),
		})
		if err != nil {
			var ae *ActivityError
			if errors.As(err, &ae) && ae.NonRetryable {
				return retry.Permanent(err)
			}
			return err
		}
		encoded, err := json.Marshal(out)
		if err != nil {
			return retry.Permanent(fmt.Errorf("encode result: %w", err))
		}
		value = encoded
		return nil
	}, retry.WithNotify(func(attempt int, err error, wait time.Duration) {
		logger.Warn("activity attempt failed",
			zap.String("activity", act.Name),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		if e.cfg.Observer != nil {
			e.cfg.Observer.ActivityFailed(def.Name, act.Name, attempt, err)
		}
	}))
	if err == nil {
		return value, nil
	}
	if e.cfg.Observer != nil {
		e.cfg.Observer.ActivityFailed(def.Name, act.Name, attempts, err)
	}
	logger.Error("activity failed", zap.String("activity", act.Name), zap.Int("attempts", attempts), zap.Error(err))
	var ae *ActivityError
	if errors.As(err, &ae) {
		return nil, err
	}
	return nil, &ActivityError{
		Name:     act.Name,
		Message:  err.Error(),
		Metadata: map[string]any{"attempts": attempts},
		Err:      err,
	}
}

// compensate moves a failed execution through Compensating to Compensated,
// running the hooks of completed activities in reverse completion order.
func compensate[P any](
	ctx context.Context,
	e *Engine,
	def Definition[P],
	exec *Execution,
	payload P,
	cause error,
	start time.Time,
	logger *zap.Logger,
) (Outcome, error) {
	cleanupCtx := context.WithoutCancel(ctx)
	exec.Status = StatusFailed
	exec.Error = cause.Error()
	e.save(cleanupCtx, exec, logger)
	logger.Error("workflow failed", zap.Error(cause))

	exec.Status = StatusCompensating
	e.save(cleanupCtx, exec, logger)
	var failures []error
	for i := len(exec.Completed) - 1; i >= 0; i-- {
		name := exec.Completed[i]
		act, ok := def.activity(name)
		if !ok || act.Compensate == nil {
			continue
		}
		if err := runCompensation(cleanupCtx, e, act, exec, payload, cause); err != nil {
			failures = append(failures, err)
			logger.Error("compensation failed", zap.String("activity", name), zap.Error(err))
			continue
		}
		logger.Info("compensation run", zap.String("activity", name))
	}
	if len(failures) > 0 {
		logger.Warn("compensated with failures", zap.Error(errors.Join(failures...)))
	}

	exec.Status = StatusCompensated
	exec.LeaseUntil = time.Time{}
	e.save(cleanupCtx, exec, logger)
	e.finished(def.Name, StatusCompensated, time.Since(start))
	return Outcome{Key: exec.Key, Status: StatusCompensated}, cause
}

// interrupt keeps a cancelled execution Running with its lease released, so
// the next claim resumes after the last completed activity.
func (e *Engine) interrupt(ctx context.Context, exec *Execution, cause error, logger *zap.Logger) (Outcome, error) {
	exec.LeaseUntil = time.Time{}
	e.save(context.WithoutCancel(ctx), exec, logger)
	logger.Warn("workflow interrupted", zap.Strings("completed", exec.Completed), zap.Error(cause))
	return Outcome{Key: exec.Key, Status: StatusRunning}, cause
}

func runCompensation[P any](ctx context.Context, e *Engine, act Activity[P], exec *Execution, payload P, cause error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CompensationTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panic: %v", r)
		}
	}()
	return act.Compensate(ctx, Compensation[P]{
		Key:     exec.Key,
		Payload: payload,
		Result:  exec.Results[act.Name],
		Cause:   cause,
	})
}

func (e *Engine) save(ctx context.Context, exec *Execution, logger *zap.Logger) {
	exec.UpdatedAt = e.cfg.Clock.Now()
	if err := e.store.Save(ctx, exec.Clone()); err != nil {
		logger.Warn("execution save failed", zap.String("status", string(exec.Status)), zap.Error(err))
	}
}

func (e *Engine) finished(workflow string, status Status, elapsed time.Duration) {
	if e.cfg.Observer != nil {
		e.cfg.Observer.ExecutionFinished(workflow, status, elapsed)
	}
}
