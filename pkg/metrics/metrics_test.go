package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStage("extract", OutcomeOf(nil), 20*time.Millisecond)
	m.ObserveStage("load", OutcomeOf(errors.New("boom")), time.Second)
	m.ObserveStage("load", OutcomeSuccess, time.Second)
	m.AddRows("load", 25)
	m.AddRows("load", 10)
	m.AddRows("load", 0)
	m.FileDone("succeeded")
	m.FileDone("failed")
	m.FileDone("failed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageAttempts.WithLabelValues("extract", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageAttempts.WithLabelValues("load", "failure")))
	assert.Equal(t, 35.0, testutil.ToFloat64(m.Rows.WithLabelValues("load")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Files.WithLabelValues("failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.StageDuration))

	expected := `
# HELP flatetl_files_total Files by terminal status
# TYPE flatetl_files_total counter
flatetl_files_total{status="failed"} 2
flatetl_files_total{status="succeeded"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "flatetl_files_total"))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStage("extract", OutcomeSuccess, time.Millisecond)
		m.AddRows("extract", 1)
		m.FileDone("succeeded")
	})
}

func TestNewWithoutRegistry(t *testing.T) {
	// two unregistered sets never conflict
	a := New(nil)
	b := New(nil)
	a.FileDone("succeeded")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Files.WithLabelValues("succeeded")))
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	first := timer.Stop()
	assert.GreaterOrEqual(t, first, 5*time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), first)
}

func TestThroughputTracker(t *testing.T) {
	m := New(prometheus.NewRegistry())
	tracker := NewThroughputTracker(m)
	tracker.Increment(100)
	time.Sleep(10 * time.Millisecond)

	rate := tracker.GetAndReset()
	assert.Greater(t, rate, 0.0)
	assert.Equal(t, rate, testutil.ToFloat64(m.Throughput))

	tracker.Increment(0)
	assert.GreaterOrEqual(t, tracker.GetAndReset(), 0.0)
}

func TestThroughputGaugeDescribesExtractedRows(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Throughput.Set(2.5)

	expected := `
# HELP flatetl_rows_per_second Rows extracted per second over the last run
# TYPE flatetl_rows_per_second gauge
flatetl_rows_per_second 2.5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "flatetl_rows_per_second"))
}
