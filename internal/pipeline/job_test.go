package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/flatetl/pkg/errors"
)

func TestFileJobLifecycle(t *testing.T) {
	job := newFileJob("/data/raw/sales.csv", "")
	assert.Equal(t, "sales", job.Table)
	assert.Equal(t, StateDiscovered, job.State)

	for _, next := range []State{StateExtracting, StateTransforming, StateLoading, StateSucceeded} {
		require.NoError(t, job.advance(next))
	}
	assert.True(t, job.State.Terminal())

	err := job.advance(StateFailed)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
	assert.False(t, errors.IsRetryable(err))
}

func TestFileJobRejectsSkippedStage(t *testing.T) {
	job := newFileJob("a.csv", "override")
	assert.Equal(t, "override", job.Table)
	require.NoError(t, job.advance(StateExtracting))
	assert.Error(t, job.advance(StateLoading))
	require.NoError(t, job.advance(StateFailed))
	assert.Equal(t, "a.csv[failed]", job.String())
}

func TestTableFor(t *testing.T) {
	tests := map[string]string{
		"data/raw/sales.csv":         "sales",
		"Customer List.csv":          "customer_list",
		"/tmp/Products-2024.CSV":     "products_2024",
		"archive.tar.csv":            "archive_tar",
		"--.csv":                     "",
		"/data/raw/Ünïcode Näme.csv": "ünïcode_näme",
	}
	for path, want := range tests {
		assert.Equal(t, want, TableFor(path), path)
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.csv", "a.csv", "notes.txt", "c.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("id\n1\n"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.csv"), 0o755))

	files, err := Discover(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.csv"),
		filepath.Join(dir, "b.csv"),
		filepath.Join(dir, "c.csv"),
	}, files)

	files, err = Discover(dir, "*.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "notes.txt")}, files)

	files, err = Discover(t.TempDir(), "*.csv")
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = Discover(filepath.Join(dir, "missing"), "*.csv")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = Discover(dir, "[")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
