// Package artifact writes cleaned batches to the processed directory.
//
// Each input produces one CSV file with the same base name, optionally
// compressed. Files are written to a temporary name and renamed into place,
// so a crashed or cancelled write never leaves a truncated artifact behind.
package artifact

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ajitpratap0/flatetl/pkg/errors"
	"github.com/ajitpratap0/flatetl/pkg/table"
)

// Result describes one written artifact.
type Result struct {
	Path     string        `json:"path"`
	Rows     int           `json:"rows"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// Writer writes cleaned CSV files into a directory.
type Writer struct {
	dir       string
	algorithm Algorithm
	level     Level
}

// NewWriter creates a Writer for dir. The directory is created on first
// use.
func NewWriter(dir string, algorithm Algorithm) *Writer {
	return &Writer{dir: dir, algorithm: algorithm, level: Default}
}

// Path returns where the artifact for the named input will be written.
func (w *Writer) Path(inputName string) string {
	return filepath.Join(w.dir, filepath.Base(inputName)+w.algorithm.Extension())
}

// Write renders b as CSV with a header row. Missing values are written as
// empty cells.
func (w *Writer) Write(ctx context.Context, inputName string, b *table.Batch) (Result, error) {
	start := time.Now()
	target := w.Path(inputName)
	result := Result{Path: target}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return result, errors.Wrap(err, errors.ErrorTypeFile, "failed to create output directory").
			WithDetail("dir", w.dir)
	}

	tmp, err := os.CreateTemp(w.dir, "."+filepath.Base(target)+".*")
	if err != nil {
		return result, errors.Wrap(err, errors.ErrorTypeFile, "failed to create artifact")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := w.encode(ctx, tmp, b); err != nil {
		return result, err
	}
	if err := tmp.Sync(); err != nil {
		return result, errors.Wrap(err, errors.ErrorTypeFile, "failed to sync artifact")
	}
	info, err := tmp.Stat()
	if err != nil {
		return result, errors.Wrap(err, errors.ErrorTypeFile, "failed to stat artifact")
	}
	if err := tmp.Close(); err != nil {
		return result, errors.Wrap(err, errors.ErrorTypeFile, "failed to close artifact")
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return result, errors.Wrap(err, errors.ErrorTypeFile, "failed to move artifact into place")
	}
	committed = true

	result.Rows = b.Len()
	result.Bytes = info.Size()
	result.Duration = time.Since(start)
	return result, nil
}

func (w *Writer) encode(ctx context.Context, f *os.File, b *table.Batch) error {
	buf := bufio.NewWriterSize(f, 64*1024)
	zw, err := NewCompressor(buf, w.algorithm, w.level)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid artifact compression")
	}
	cw := csv.NewWriter(zw)

	if err := cw.Write(b.Columns()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write header")
	}
	record := make([]string, b.Width())
	for i := 0; i < b.Len(); i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return errors.Cancelled(err)
			}
		}
		for j := range record {
			record[j] = table.Format(b.Value(i, j))
		}
		if err := cw.Write(record); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, fmt.Sprintf("failed to write row %d", i))
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush rows")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to finish compression")
	}
	if err := buf.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush artifact")
	}
	return nil
}
