// Package pstmmetrics exposes Prometheus instrumentation for the
// engine: commit/abort counters broken down by restart reason, redo
// log occupancy, and commit latency.
package pstmmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pstm_commits_total",
			Help: "Total number of committed transactions",
		},
	)

	AbortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pstm_aborts_total",
			Help: "Total number of transaction restarts by reason",
		},
		[]string{"reason"},
	)

	ReadOnlyCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pstm_read_only_commits_total",
			Help: "Total number of committed read-only transactions",
		},
	)

	WriteSetSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pstm_write_set_entries",
			Help:    "Number of write-set entries at commit time",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	ReadSetSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pstm_read_set_entries",
			Help:    "Number of read-set entries at commit time",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pstm_commit_duration_seconds",
			Help:    "Wall-clock time spent in the commit path",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockTableOccupancy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pstm_lock_table_owned_buckets",
			Help: "Number of lock-table buckets currently in owned form, sampled periodically",
		},
	)

	ReallocationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pstm_reallocations_total",
			Help: "Total number of write-set reallocations (RESTART_REALLOCATE)",
		},
	)
)

func init() {
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(AbortsTotal)
	prometheus.MustRegister(ReadOnlyCommitsTotal)
	prometheus.MustRegister(WriteSetSize)
	prometheus.MustRegister(ReadSetSize)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(LockTableOccupancy)
	prometheus.MustRegister(ReallocationsTotal)
}

// Timer times an in-flight operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// AbortReason records one restart, labeled by its reason string.
func AbortReason(reason string) {
	AbortsTotal.WithLabelValues(reason).Inc()
}
