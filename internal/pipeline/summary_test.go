package pipeline

import (
	"bytes"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/flatetl/pkg/errors"
	"github.com/ajitpratap0/flatetl/pkg/extract"
	"github.com/ajitpratap0/flatetl/pkg/load"
	"github.com/ajitpratap0/flatetl/pkg/retry"
	"github.com/ajitpratap0/flatetl/pkg/transform"
)

func succeeded(file string, rows int) FileResult {
	return FileResult{
		File:      file,
		State:     StateSucceeded,
		Attempts:  map[string]int{StageExtract: 1, StageTransform: 1, StageLoad: 1},
		Extract:   extract.Stats{Rows: rows},
		Transform: transform.Stats{RowsIn: rows, RowsOut: rows},
		Load:      load.Stats{Attempted: rows, Loaded: rows},
	}
}

func failed(file, stage string, attempts int, reason retry.Reason, err error) FileResult {
	return FileResult{
		File:     file,
		State:    StateFailed,
		Attempts: map[string]int{stage: attempts},
		Stage:    stage,
		Reason:   reason,
		Err:      err,
	}
}

func TestRunAggregation(t *testing.T) {
	start := time.Now()
	s := NewRunSummary("run", 3, start)
	s = s.Merge(succeeded("a.csv", 10))
	s = s.Merge(failed("b.csv", StageLoad, 3, retry.ReasonExhausted, errors.New(errors.ErrorTypeLoad, "database connection failed")))
	s = s.Merge(succeeded("c.csv", 25))
	s = s.Finalize(start.Add(time.Second), false)

	assert.Equal(t, 35, s.RowsLoaded)
	assert.Equal(t, 1, s.FilesFailed)
	assert.Equal(t, 2, s.FilesSucceeded)
	assert.Equal(t, 3, s.FilesDiscovered)
	assert.Equal(t, 35, s.RowsExtracted)
	assert.Equal(t, time.Second, s.Duration)
	assert.InDelta(t, 35.0, s.RowsPerSecond, 0.001)
	assert.False(t, s.OK())

	require.Len(t, s.Failures, 1)
	f := s.Failures[0]
	assert.Equal(t, "b.csv", f.File)
	assert.Equal(t, StageLoad, f.Stage)
	assert.Equal(t, 3, f.Attempts)
	assert.Equal(t, retry.ReasonExhausted, f.Reason)
	assert.Equal(t, "load: database connection failed", f.Error)
}

func TestMergeIsPure(t *testing.T) {
	base := NewRunSummary("run", 2, time.Now())
	first := base.Merge(failed("a.csv", StageExtract, 1, retry.ReasonPermanent, errors.New(errors.ErrorTypeExtraction, "empty file")))

	left := first.Merge(failed("b.csv", StageExtract, 1, retry.ReasonPermanent, errors.New(errors.ErrorTypeExtraction, "x")))
	right := first.Merge(failed("c.csv", StageExtract, 1, retry.ReasonPermanent, errors.New(errors.ErrorTypeExtraction, "y")))

	assert.Equal(t, 0, base.FilesFailed)
	assert.Len(t, first.Failures, 1)
	assert.Equal(t, "b.csv", left.Failures[1].File)
	assert.Equal(t, "c.csv", right.Failures[1].File)
}

func TestPartialLoadCounts(t *testing.T) {
	r := failed("sales.csv", StageLoad, 1, retry.ReasonPermanent, errors.New(errors.ErrorTypeLoad, "constraint violation"))
	r.Load = load.Stats{Attempted: 5, Loaded: 2, Failed: 3}

	s := NewRunSummary("run", 1, time.Now()).Merge(r)
	assert.Equal(t, 2, s.RowsLoaded)
	assert.Equal(t, 1, s.FilesFailed)
}

func TestFinalize(t *testing.T) {
	start := time.Now()
	s := NewRunSummary("run", 3, start)
	s = s.Merge(failed("z.csv", StageLoad, 2, retry.ReasonCancelled, errors.Cancelled(nil)))
	s = s.Merge(failed("a.csv", StageExtract, 0, retry.ReasonCancelled, errors.Cancelled(nil)))
	s = s.Finalize(start.Add(2*time.Second), true)

	assert.True(t, s.Finalized)
	assert.True(t, s.Aborted)
	assert.False(t, s.OK())
	assert.Equal(t, "a.csv", s.Failures[0].File)
	assert.Equal(t, "z.csv", s.Failures[1].File)

	// finalized summaries are read-only
	again := s.Merge(succeeded("b.csv", 5))
	assert.Equal(t, s.FilesSucceeded, again.FilesSucceeded)
	assert.Equal(t, s.FinishedAt, again.Finalize(time.Now(), false).FinishedAt)
}

func TestReport(t *testing.T) {
	start := time.Now()
	s := NewRunSummary("run-42", 2, start).
		Merge(succeeded("a.csv", 10)).
		Merge(failed("b.csv", StageTransform, 1, retry.ReasonPermanent, errors.New(errors.ErrorTypeTransform, "column name collision"))).
		Finalize(start.Add(time.Second), false)

	report := s.Report()
	assert.Contains(t, report, "Run run-42 completed with failures")
	assert.Contains(t, report, "2 discovered, 1 succeeded, 1 failed")
	assert.Contains(t, report, "10 loaded")
	assert.Contains(t, report, "b.csv: transform stage permanent after 1 attempt(s): transform: column name collision")

	ok := NewRunSummary("run-43", 0, start).Finalize(start, false)
	assert.Contains(t, ok.Report(), "Run run-43 succeeded")
	assert.NotContains(t, ok.Report(), "failures:")
}

func TestWriteJSON(t *testing.T) {
	start := time.Now()
	s := NewRunSummary("run-7", 1, start).
		Merge(failed("b.csv", StageLoad, 3, retry.ReasonExhausted, errors.New(errors.ErrorTypeLoad, "database connection failed"))).
		Finalize(start.Add(time.Second), false)

	var buf bytes.Buffer
	require.NoError(t, s.WriteJSON(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-7", decoded["run_id"])
	assert.Equal(t, float64(1), decoded["files_failed"])
	failures, ok := decoded["failures"].([]any)
	require.True(t, ok)
	require.Len(t, failures, 1)
	assert.Equal(t, "exhausted", failures[0].(map[string]any)["reason"])
}
