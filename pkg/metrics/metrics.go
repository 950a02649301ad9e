// Package metrics collects provisioning metrics and writes them to a
// node-exporter textfile at the end of a run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fly-io/diskprov/pkg/errors"
)

const namespace = "diskprov"

// Collector is a prometheus.Collector for one provisioning process. A nil
// *Collector is valid and records nothing.
type Collector struct {
	jobDuration    *prometheus.HistogramVec
	jobOutcomes    *prometheus.CounterVec
	matchAttempts  prometheus.Histogram
	matchFallbacks prometheus.Counter
	partitions     *prometheus.CounterVec
	runs           *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Time from issuing a backend job to its terminal outcome.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
			}, []string{"op", "mode"},
		),
		jobOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_outcomes_total",
				Help:      "Terminal backend job outcomes.",
			}, []string{"op", "outcome"},
		),
		matchAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "volume_match_attempts",
				Help:      "Volume snapshots taken before a new volume was identified.",
				Buckets:   []float64{1, 2, 3, 5, 8, 13},
			},
		),
		matchFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "volume_match_fallbacks_total",
				Help:      "Volume matches that picked the last candidate among several.",
			},
		),
		partitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_total",
				Help:      "Partitions provisioned, by filesystem.",
			}, []string{"fs"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Provisioning runs by result.",
			}, []string{"result"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.jobDuration.Describe(ch)
	c.jobOutcomes.Describe(ch)
	c.matchAttempts.Describe(ch)
	c.matchFallbacks.Describe(ch)
	c.partitions.Describe(ch)
	c.runs.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.jobDuration.Collect(ch)
	c.jobOutcomes.Collect(ch)
	c.matchAttempts.Collect(ch)
	c.matchFallbacks.Collect(ch)
	c.partitions.Collect(ch)
	c.runs.Collect(ch)
}

// JobFinished records one terminal job outcome.
func (c *Collector) JobFinished(op, mode, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobDuration.WithLabelValues(op, mode).Observe(elapsed.Seconds())
	c.jobOutcomes.WithLabelValues(op, outcome).Inc()
}

// VolumeMatched records how many snapshots a match took.
func (c *Collector) VolumeMatched(attempts int, fallback bool) {
	if c == nil {
		return
	}
	c.matchAttempts.Observe(float64(attempts))
	if fallback {
		c.matchFallbacks.Inc()
	}
}

// PartitionProvisioned counts a finished partition. fs is "none" when the
// partition was not formatted.
func (c *Collector) PartitionProvisioned(fs string) {
	if c == nil {
		return
	}
	if fs == "" {
		fs = "none"
	}
	c.partitions.WithLabelValues(fs).Inc()
}

// RunFinished counts a run as succeeded or failed.
func (c *Collector) RunFinished(err error) {
	if c == nil {
		return
	}
	result := "succeeded"
	if err != nil {
		result = "failed"
	}
	c.runs.WithLabelValues(result).Inc()
}

// WriteTextfile writes the collected metrics in text exposition format, for
// the node-exporter textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return errors.Wrap(err, "failed to register metrics")
	}
	return errors.Wrap(prometheus.WriteToTextfile(path, reg), "failed to write metrics textfile")
}
