package metrics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultReportInterval is how often Reporter logs when unconfigured.
const DefaultReportInterval = 30 * time.Second

// Snapshotter yields the values a Reporter logs.
type Snapshotter interface {
	Snapshot() (Snapshot, error)
}

// Reporter periodically logs a Snapshot.
type Reporter struct {
	source   Snapshotter
	interval time.Duration
	logger   *zap.Logger
}

// NewReporter constructs a Reporter. A non-positive interval uses DefaultReportInterval.
func NewReporter(source Snapshotter, interval time.Duration, logger *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{source: source, interval: interval, logger: logger}
}

// Run logs a snapshot every interval until ctx is done. A failing cycle is
// logged and skipped; Run only returns when ctx ends.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.report("final metrics snapshot")
			return nil
		case <-ticker.C:
			r.report("metrics snapshot")
		}
	}
}

func (r *Reporter) report(msg string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("metrics report panicked", zap.Error(fmt.Errorf("panic: %v", rec)))
		}
	}()
	snap, err := r.source.Snapshot()
	if err != nil {
		r.logger.Warn("metrics snapshot failed", zap.Error(err))
		return
	}
	r.logger.Info(msg,
		zap.Uint64("records_processed", snap.Processed),
		zap.Uint64("records_failed", snap.Failed),
		zap.Uint64("records_skipped", snap.Skipped),
		zap.Uint64("records_timed_out", snap.TimedOut),
		zap.Int("browser_contexts", snap.BrowserContexts),
		zap.Uint64("duration_count", snap.Duration.Count),
		zap.Float64("duration_mean_seconds", snap.Duration.Mean()),
	)
}
