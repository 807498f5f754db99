package blocksync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "blocksync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of sync runs started.
	Runs metrics.Counter
	// Number of sync runs that failed validation or fetching.
	FailedRuns metrics.Counter
	// Number of sync runs that were aborted or superseded.
	AbortedRuns metrics.Counter
	// Number of blocks adopted by completed runs.
	BlocksApplied metrics.Counter
	// Number of local blocks dropped by fork walk-back in completed runs.
	BlocksReverted metrics.Counter
	// Height of the adopted chain head.
	Height metrics.Gauge
	// Target height of the latest run.
	TargetHeight metrics.Gauge
	// Duration of sync runs in seconds.
	RunDuration metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Runs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "runs",
			Help:      "Number of sync runs started.",
		}, labels).With(labelsAndValues...),
		FailedRuns: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "failed_runs",
			Help:      "Number of sync runs that failed.",
		}, labels).With(labelsAndValues...),
		AbortedRuns: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "aborted_runs",
			Help:      "Number of sync runs aborted or superseded.",
		}, labels).With(labelsAndValues...),
		BlocksApplied: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_applied",
			Help:      "Number of blocks adopted by completed sync runs.",
		}, labels).With(labelsAndValues...),
		BlocksReverted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_reverted",
			Help:      "Number of local blocks dropped while resolving forks.",
		}, labels).With(labelsAndValues...),
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Height of the adopted chain head.",
		}, labels).With(labelsAndValues...),
		TargetHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "target_height",
			Help:      "Target height of the latest sync run.",
		}, labels).With(labelsAndValues...),
		RunDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 2, 12),
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Runs:           discard.NewCounter(),
		FailedRuns:     discard.NewCounter(),
		AbortedRuns:    discard.NewCounter(),
		BlocksApplied:  discard.NewCounter(),
		BlocksReverted: discard.NewCounter(),
		Height:         discard.NewGauge(),
		TargetHeight:   discard.NewGauge(),
		RunDuration:    discard.NewHistogram(),
	}
}
