package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/JakeFAU/leadflow/internal/workflow"
)

// Collector holds one stage's loop counters, its workflow telemetry and the
// browser pool gauge.
type Collector struct {
	processed        prometheus.Counter
	failed           prometheus.Counter
	skipped          prometheus.Counter
	timedOut         prometheus.Counter
	duration         prometheus.Histogram
	activityFailures *prometheus.CounterVec
	executions       *prometheus.CounterVec
	browserContexts  prometheus.Gauge
}

// NewCollector registers a stage's collectors on reg.
func NewCollector(reg prometheus.Registerer, stage string) *Collector {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"stage": stage}
	return &Collector{
		processed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "leadflow_records_processed_total",
			Help:        "Records claimed from the backlog.",
			ConstLabels: labels,
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "leadflow_records_failed_total",
			Help:        "Records whose workflow failed, including timeouts.",
			ConstLabels: labels,
		}),
		skipped: factory.NewCounter(prometheus.CounterOpts{
			Name:        "leadflow_records_skipped_total",
			Help:        "Records disqualified and returned to the backlog.",
			ConstLabels: labels,
		}),
		timedOut: factory.NewCounter(prometheus.CounterOpts{
			Name:        "leadflow_records_timed_out_total",
			Help:        "Records whose workflow exceeded the per-item timeout.",
			ConstLabels: labels,
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "leadflow_record_duration_seconds",
			Help:        "Wall time spent per loop iteration.",
			ConstLabels: labels,
			Buckets:     []float64{1, 5, 15, 30, 60, 120, 180, 300, 600},
		}),
		activityFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "leadflow_activity_failures_total",
			Help:        "Failed activity attempts, labeled by workflow and activity.",
			ConstLabels: labels,
		}, []string{"workflow", "activity"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "leadflow_workflow_executions_total",
			Help:        "Finished workflow executions, labeled by workflow and final status.",
			ConstLabels: labels,
		}, []string{"workflow", "status"}),
		browserContexts: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "leadflow_browser_contexts",
			Help:        "Browser contexts currently leased from the pool.",
			ConstLabels: labels,
		}),
	}
}

// RecordProcessed counts a claimed record.
func (c *Collector) RecordProcessed() { c.processed.Inc() }

// RecordFailed counts a failed record.
func (c *Collector) RecordFailed() { c.failed.Inc() }

// RecordSkipped counts a disqualified record.
func (c *Collector) RecordSkipped() { c.skipped.Inc() }

// RecordTimedOut counts a record that hit the per-item timeout.
func (c *Collector) RecordTimedOut() { c.timedOut.Inc() }

// ObserveDuration records one loop iteration.
func (c *Collector) ObserveDuration(d time.Duration) { c.duration.Observe(d.Seconds()) }

// BrowserContexts is the gauge the browser pool keeps current.
func (c *Collector) BrowserContexts() prometheus.Gauge { return c.browserContexts }

// ActivityFailed implements workflow.Observer.
func (c *Collector) ActivityFailed(workflowName, activity string, _ int, _ error) {
	c.activityFailures.WithLabelValues(workflowName, activity).Inc()
}

// ExecutionFinished implements workflow.Observer.
func (c *Collector) ExecutionFinished(workflowName string, status workflow.Status, _ time.Duration) {
	c.executions.WithLabelValues(workflowName, string(status)).Inc()
}

// HistogramSnapshot summarizes a histogram.
type HistogramSnapshot struct {
	Count uint64
	Sum   float64
	// Buckets maps upper bounds to cumulative counts.
	Buckets map[float64]uint64
}

// Mean returns Sum/Count, or zero when empty.
func (h HistogramSnapshot) Mean() float64 {
	if h.Count == 0 {
		return 0
	}
	return h.Sum / float64(h.Count)
}

// Snapshot is a point-in-time read of the loop counters.
type Snapshot struct {
	Processed       uint64
	Failed          uint64
	Skipped         uint64
	TimedOut        uint64
	BrowserContexts int
	Duration        HistogramSnapshot
}

// Snapshot reads the current collector values.
func (c *Collector) Snapshot() (Snapshot, error) {
	var snap Snapshot
	var errs []error
	read := func(name string, m prometheus.Metric) *dto.Metric {
		out := &dto.Metric{}
		if err := m.Write(out); err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", name, err))
		}
		return out
	}
	snap.Processed = uint64(read("processed", c.processed).GetCounter().GetValue())
	snap.Failed = uint64(read("failed", c.failed).GetCounter().GetValue())
	snap.Skipped = uint64(read("skipped", c.skipped).GetCounter().GetValue())
	snap.TimedOut = uint64(read("timedOut", c.timedOut).GetCounter().GetValue())
	snap.BrowserContexts = int(read("browserContexts", c.browserContexts).GetGauge().GetValue())

	hist := read("duration", c.duration).GetHistogram()
	snap.Duration = HistogramSnapshot{
		Count:   hist.GetSampleCount(),
		Sum:     hist.GetSampleSum(),
		Buckets: make(map[float64]uint64, len(hist.GetBucket())),
	}
	for _, b := range hist.GetBucket() {
		snap.Duration.Buckets[b.GetUpperBound()] = b.GetCumulativeCount()
	}
	return snap, errors.Join(errs...)
}
