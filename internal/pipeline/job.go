package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ajitpratap0/flatetl/pkg/errors"
	"github.com/ajitpratap0/flatetl/pkg/transform"
)

// Stage names used in logs, metrics, spans and failures.
const (
	StageExtract   = "extract"
	StageTransform = "transform"
	StageLoad      = "load"
)

// State is the position of a FileJob in its lifecycle.
type State string

const (
	StateDiscovered   State = "discovered"
	StateExtracting   State = "extracting"
	StateTransforming State = "transforming"
	StateLoading      State = "loading"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// stageOf maps an in-progress state to the stage it runs.
func (s State) stageOf() string {
	switch s {
	case StateExtracting:
		return StageExtract
	case StateTransforming:
		return StageTransform
	case StateLoading:
		return StageLoad
	default:
		return ""
	}
}

var transitions = map[State][]State{
	StateDiscovered:   {StateExtracting, StateFailed},
	StateExtracting:   {StateTransforming, StateFailed},
	StateTransforming: {StateLoading, StateFailed},
	StateLoading:      {StateSucceeded, StateFailed},
}

// FileJob tracks one input file through the stages. It is owned by a
// single goroutine and discarded once terminal; only its FileResult
// survives.
type FileJob struct {
	Path     string
	Table    string
	State    State
	Attempts map[string]int
}

func newFileJob(path, tableOverride string) *FileJob {
	table := tableOverride
	if table == "" {
		table = TableFor(path)
	}
	return &FileJob{
		Path:     path,
		Table:    table,
		State:    StateDiscovered,
		Attempts: make(map[string]int, 3),
	}
}

// advance moves the job to next, rejecting transitions the lifecycle does
// not allow.
func (j *FileJob) advance(next State) error {
	for _, allowed := range transitions[j.State] {
		if allowed == next {
			j.State = next
			return nil
		}
	}
	return errors.Newf(errors.ErrorTypeInternal, "invalid transition %s -> %s for %s", j.State, next, j.Path).Permanent()
}

// TableFor derives the destination table from a file name: the stem,
// normalized like a column name.
func TableFor(path string) string {
	base := filepath.Base(path)
	return transform.NormalizeName(strings.TrimSuffix(base, filepath.Ext(base)))
}

func (j *FileJob) String() string {
	return fmt.Sprintf("%s[%s]", filepath.Base(j.Path), j.State)
}
