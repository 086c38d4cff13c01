package pipeline

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/flatetl/pkg/artifact"
	"github.com/ajitpratap0/flatetl/pkg/extract"
	"github.com/ajitpratap0/flatetl/pkg/load"
	"github.com/ajitpratap0/flatetl/pkg/retry"
	"github.com/ajitpratap0/flatetl/pkg/transform"
)

// FileResult is the immutable record a FileJob leaves behind.
type FileResult struct {
	File     string         `json:"file"`
	Table    string         `json:"table,omitempty"`
	State    State          `json:"state"`
	Attempts map[string]int `json:"attempts"`

	Extract   extract.Stats    `json:"extract"`
	Transform transform.Stats  `json:"transform"`
	Load      load.Stats       `json:"load"`
	Artifact  *artifact.Result `json:"artifact,omitempty"`

	// Stage, Reason and Err are set when State is StateFailed
	Stage  string       `json:"stage,omitempty"`
	Reason retry.Reason `json:"reason,omitempty"`
	Err    error        `json:"-"`

	Duration time.Duration `json:"duration"`
}

// Failed reports whether the file ended in StateFailed.
func (r FileResult) Failed() bool {
	return r.State == StateFailed
}

// Failure describes one failed file in the run summary.
type Failure struct {
	File     string       `json:"file"`
	Stage    string       `json:"stage"`
	Attempts int          `json:"attempts"`
	Reason   retry.Reason `json:"reason"`
	Error    string       `json:"error"`
}

// RunSummary aggregates the results of a run. It grows only through Merge
// and is read-only once finalized.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	FilesDiscovered int `json:"files_discovered"`
	FilesSucceeded  int `json:"files_succeeded"`
	FilesFailed     int `json:"files_failed"`

	RowsExtracted     int `json:"rows_extracted"`
	RowsTransformed   int `json:"rows_transformed"`
	RowsLoaded        int `json:"rows_loaded"`
	RowsWritten       int `json:"rows_written"`
	DuplicatesRemoved int `json:"duplicates_removed"`
	RowsDropped       int `json:"rows_dropped"`
	BadLines          int `json:"bad_lines"`

	Duration      time.Duration `json:"duration"`
	RowsPerSecond float64       `json:"rows_per_second"`
	Aborted       bool          `json:"aborted"`
	Finalized     bool          `json:"finalized"`

	Failures []Failure `json:"failures"`
}

// NewRunSummary starts an empty summary.
func NewRunSummary(runID string, discovered int, started time.Time) RunSummary {
	return RunSummary{
		RunID:           runID,
		StartedAt:       started,
		FilesDiscovered: discovered,
		Failures:        []Failure{},
	}
}

// Merge returns s with r folded in. s is not modified. Merging into a
// finalized summary returns it unchanged.
func (s RunSummary) Merge(r FileResult) RunSummary {
	if s.Finalized {
		return s
	}

	// rows committed before a failure stay in the destination and count
	s.RowsLoaded += r.Load.Loaded
	s.RowsExtracted += r.Extract.Rows
	s.BadLines += r.Extract.BadLines
	if r.Artifact != nil {
		s.RowsWritten += r.Artifact.Rows
	}

	s.RowsTransformed += r.Transform.RowsOut
	s.DuplicatesRemoved += r.Transform.DuplicatesRemoved
	s.RowsDropped += r.Transform.RowsDropped

	if r.State == StateSucceeded {
		s.FilesSucceeded++
		return s
	}

	s.FilesFailed++
	msg := ""
	if r.Err != nil {
		msg = r.Err.Error()
	}
	s.Failures = append(slices.Clone(s.Failures), Failure{
		File:     r.File,
		Stage:    r.Stage,
		Attempts: r.Attempts[r.Stage],
		Reason:   r.Reason,
		Error:    msg,
	})
	return s
}

// Finalize closes the summary at end. aborted marks a cancelled run.
func (s RunSummary) Finalize(end time.Time, aborted bool) RunSummary {
	if s.Finalized {
		return s
	}
	s.FinishedAt = end
	s.Duration = end.Sub(s.StartedAt)
	if secs := s.Duration.Seconds(); secs > 0 {
		s.RowsPerSecond = float64(s.RowsExtracted) / secs
	}
	s.Aborted = aborted
	s.Failures = slices.Clone(s.Failures)
	slices.SortStableFunc(s.Failures, func(a, b Failure) int {
		return strings.Compare(a.File, b.File)
	})
	s.Finalized = true
	return s
}

// OK reports whether every file succeeded and the run was not aborted.
func (s RunSummary) OK() bool {
	return s.FilesFailed == 0 && !s.Aborted
}

// Report renders the summary for humans.
func (s RunSummary) Report() string {
	var b strings.Builder
	status := "succeeded"
	switch {
	case s.Aborted:
		status = "aborted"
	case s.FilesFailed > 0:
		status = "completed with failures"
	}

	fmt.Fprintf(&b, "Run %s %s\n", s.RunID, status)
	fmt.Fprintf(&b, "  files:      %d discovered, %d succeeded, %d failed\n",
		s.FilesDiscovered, s.FilesSucceeded, s.FilesFailed)
	fmt.Fprintf(&b, "  rows:       %d extracted, %d transformed, %d loaded, %d written\n",
		s.RowsExtracted, s.RowsTransformed, s.RowsLoaded, s.RowsWritten)
	fmt.Fprintf(&b, "  cleaning:   %d duplicates removed, %d rows dropped, %d bad lines skipped\n",
		s.DuplicatesRemoved, s.RowsDropped, s.BadLines)
	fmt.Fprintf(&b, "  duration:   %s (%.1f rows/s)\n", s.Duration.Round(time.Millisecond), s.RowsPerSecond)

	if len(s.Failures) > 0 {
		b.WriteString("  failures:\n")
		for _, f := range s.Failures {
			fmt.Fprintf(&b, "    - %s: %s stage %s after %d attempt(s): %s\n",
				f.File, f.Stage, f.Reason, f.Attempts, f.Error)
		}
	}
	return b.String()
}

// WriteJSON encodes the summary as indented JSON.
func (s RunSummary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	return nil
}
