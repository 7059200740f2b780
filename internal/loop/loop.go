// Package loop drains a backlog: it claims the next eligible record, runs the
// stage workflow against it under a deadline, and writes the outcome back.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadflow/internal/backlog"
	"github.com/JakeFAU/leadflow/internal/retry"
	"github.com/JakeFAU/leadflow/internal/workflow"
)

// Processor runs the stage workflow for one record.
type Processor interface {
	Name() string
	Process(ctx context.Context, rec backlog.Record) (backlog.Outcome, error)
}

// Metrics receives loop counters.
type Metrics interface {
	RecordProcessed()
	RecordFailed()
	RecordSkipped()
	RecordTimedOut()
	ObserveDuration(d time.Duration)
}

// Config controls Loop behavior.
type Config struct {
	// Table is the backlog the loop drains; empty uses the store default.
	Table string
	// Owner is written as the claimant of each record.
	Owner       string
	ItemTimeout time.Duration
	IdleDelay   time.Duration
	// StaleAfter makes abandoned claims eligible again. Zero uses ItemTimeout.
	StaleAfter time.Duration
	// Poll bounds retries while the backlog is empty.
	Poll retry.Policy
}

// Result is the loop's view of one record.
type Result string

// Per-record results.
const (
	ResultSucceeded    Result = "succeeded"
	ResultFailed       Result = "failed"
	ResultTimedOut     Result = "timed_out"
	ResultDisqualified Result = "disqualified"
	ResultCanceled     Result = "canceled"
)

// Loop consumes backlog records until the backlog is drained or ctx ends.
type Loop struct {
	store     backlog.Store
	processor Processor
	metrics   Metrics
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	excluded []string
	sleep    func(ctx context.Context, d time.Duration) error
}

// New constructs a Loop.
func New(store backlog.Store, processor Processor, metrics Metrics, cfg Config, logger *zap.Logger) (*Loop, error) {
	if store == nil {
		return nil, fmt.Errorf("backlog store is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required")
	}
	if cfg.ItemTimeout <= 0 {
		return nil, fmt.Errorf("item timeout must be > 0")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = cfg.ItemTimeout
	}
	if cfg.Poll.MaxAttempts == 0 {
		cfg.Poll = retry.BacklogPoll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		store:     store,
		processor: processor,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With(zap.String("workflow", processor.Name())),
		sleep:     sleepCtx,
	}, nil
}

// Run blocks, processing records until the backlog stays empty through the
// poll policy or ctx finishes. Both are normal terminations and return nil.
// A store that keeps failing is returned as an error.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("processing loop started", zap.String("table", l.cfg.Table))
	for {
		rec, err := l.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("processing loop stopped", zap.Error(ctx.Err()))
				return nil
			}
			if errors.Is(err, backlog.ErrNoMoreRecords) {
				l.logger.Info("backlog drained, processing loop finished")
				return nil
			}
			return fmt.Errorf("claim next record: %w", err)
		}

		if l.ProcessRecord(ctx, rec) == ResultCanceled {
			return nil
		}
		if err := l.sleep(ctx, l.cfg.IdleDelay); err != nil {
			l.logger.Info("processing loop stopped", zap.Error(err))
			return nil
		}
	}
}

func (l *Loop) claim(ctx context.Context) (backlog.Record, error) {
	return retry.DoValue(ctx, l.cfg.Poll, func(ctx context.Context, _ int) (backlog.Record, error) {
		return l.store.FindNextUnclaimed(ctx, l.filter())
	}, retry.WithNotify(func(attempt int, err error, wait time.Duration) {
		if errors.Is(err, backlog.ErrNoMoreRecords) {
			l.logger.Info("backlog empty, polling again", zap.Int("attempt", attempt), zap.Duration("wait", wait))
			return
		}
		l.logger.Warn("claim failed", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}))
}

func (l *Loop) filter() backlog.Filter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return backlog.Filter{
		Table:      l.cfg.Table,
		ExcludeIDs: append([]string(nil), l.excluded...),
		Owner:      l.cfg.Owner,
		StaleAfter: l.cfg.StaleAfter,
	}
}

func (l *Loop) exclude(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.excluded = append(l.excluded, id)
}

// ProcessRecord runs one claimed record through the processor and records
// the outcome. Workflow errors are logged and counted, never returned.
func (l *Loop) ProcessRecord(ctx context.Context, rec backlog.Record) Result {
	start := time.Now()
	logger := l.logger.With(zap.String("record_id", rec.ID))
	l.metrics.RecordProcessed()
	logger.Info("record claimed")

	itemCtx, cancel := context.WithTimeout(ctx, l.cfg.ItemTimeout)
	out, err := l.processor.Process(itemCtx, rec)
	timedOut := err != nil && (errors.Is(itemCtx.Err(), context.DeadlineExceeded) || workflow.IsTimeout(err))
	cancel()

	result := l.settle(ctx, logger, rec, out, err, timedOut)
	elapsed := time.Since(start)
	l.metrics.ObserveDuration(elapsed)
	logger.Info("record finished", zap.String("result", string(result)), zap.Duration("duration", elapsed))
	return result
}

func (l *Loop) settle(ctx context.Context, logger *zap.Logger, rec backlog.Record, out backlog.Outcome, err error, timedOut bool) Result {
	switch {
	case err != nil && ctx.Err() != nil:
		logger.Warn("record interrupted by shutdown", zap.Error(err))
		l.writeStatus(context.WithoutCancel(ctx), logger, rec.ID, nil)
		return ResultCanceled
	case timedOut:
		l.metrics.RecordFailed()
		l.metrics.RecordTimedOut()
		logger.Error("workflow timed out", zap.Duration("timeout", l.cfg.ItemTimeout), zap.Error(err))
		l.writeStatus(ctx, logger, rec.ID, backlog.Bool(false))
		return ResultTimedOut
	case err != nil:
		l.metrics.RecordFailed()
		logger.Error("workflow failed", zap.Error(err))
		l.writeStatus(ctx, logger, rec.ID, backlog.Bool(false))
		return ResultFailed
	case out.Disqualified:
		l.metrics.RecordSkipped()
		for _, id := range out.DerivedIDs {
			if err := l.store.DeleteRecord(ctx, out.DerivedTable, id); err != nil && !errors.Is(err, backlog.ErrNotFound) {
				logger.Error("delete derived record failed", zap.String("derived_id", id), zap.Error(err))
			}
		}
		l.exclude(rec.ID)
		logger.Info("record disqualified", zap.Strings("derived_ids", out.DerivedIDs))
		l.writeStatus(ctx, logger, rec.ID, nil)
		return ResultDisqualified
	case !out.Succeeded:
		l.metrics.RecordFailed()
		logger.Warn("workflow reported failure")
		l.writeStatus(ctx, logger, rec.ID, backlog.Bool(false))
		return ResultFailed
	default:
		l.writeStatus(ctx, logger, rec.ID, backlog.Bool(true))
		return ResultSucceeded
	}
}

func (l *Loop) writeStatus(ctx context.Context, logger *zap.Logger, id string, status *bool) {
	if err := l.store.UpdateStatus(ctx, id, status); err != nil {
		logger.Error("update record status failed", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
