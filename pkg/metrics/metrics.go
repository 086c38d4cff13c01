// Package metrics exposes Prometheus metrics for pipeline runs.
//
// # Overview
//
// The package provides:
//   - Stage attempt counters labelled by stage and outcome
//   - Row counters per stage
//   - File counters per terminal status
//   - Stage duration histograms
//
// Metrics are registered on a caller-supplied registry so tests and
// embedded runs never collide with the default registry.
//
// # Basic Usage
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//
//	timer := metrics.NewTimer()
//	err := extractFile(path)
//	m.ObserveStage("extract", metrics.OutcomeOf(err), timer.Stop())
//	m.AddRows("extract", rows)
//	m.FileDone("succeeded")
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flatetl"

// Stage attempt outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the run collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	StageAttempts *prometheus.CounterVec
	Rows          *prometheus.CounterVec
	Files         *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Throughput    prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_attempts_total",
				Help:      "Stage attempts by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		Rows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_total",
				Help:      "Rows produced by each stage",
			},
			[]string{"stage"},
		),
		Files: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_total",
				Help:      "Files by terminal status",
			},
			[]string{"status"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of a single stage attempt",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"stage"},
		),
		Throughput: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rows_per_second",
				Help:      "Rows extracted per second over the last run",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.StageAttempts, m.Rows, m.Files, m.StageDuration, m.Throughput)
	}
	return m
}

// OutcomeOf maps an attempt error to its outcome label.
func OutcomeOf(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// ObserveStage records one attempt of stage.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageAttempts.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// AddRows adds n rows to the stage counter.
func (m *Metrics) AddRows(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Rows.WithLabelValues(stage).Add(float64(n))
}

// FileDone counts a file reaching a terminal status.
func (m *Metrics) FileDone(status string) {
	if m == nil {
		return
	}
	m.Files.WithLabelValues(status).Inc()
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It can be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks rows per second since its creation or last
// reset. Safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	gauge     prometheus.Gauge
}

// NewThroughputTracker creates a tracker that publishes to the Throughput
// gauge of m when m is not nil.
func NewThroughputTracker(m *Metrics) *ThroughputTracker {
	t := &ThroughputTracker{lastReset: time.Now()}
	if m != nil {
		t.gauge = m.Throughput
	}
	return t
}

// Increment adds n to the row count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns the rows per second since the last reset, updates
// the gauge and starts a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}
	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()
	if t.gauge != nil {
		t.gauge.Set(throughput)
	}
	return throughput
}
