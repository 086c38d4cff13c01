package extract

import (
	"context"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"

	"github.com/ajitpratap0/flatetl/pkg/errors"
	"github.com/ajitpratap0/flatetl/pkg/table"
)

// ctxCheckInterval is how many rows are read between context checks.
const ctxCheckInterval = 1024

// Reader is an open input file positioned after its header.
type Reader struct {
	file   *os.File
	csv    *csv.Reader
	header []string
	opts   Options
	stats  Stats
	logger *zap.Logger
}

// Open opens path, detects its encoding and reads the header. The caller
// must Close the returned Reader.
func (e *Extractor) Open(ctx context.Context, path string, opts Options) (*Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Cancelled(err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	info, err := statFile(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path) //nolint:gosec // G304: path comes from directory discovery
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeExtraction, "failed to open input file").
			WithDetail("file", path)
	}

	r := &Reader{
		file: f,
		opts: opts,
		stats: Stats{
			File:      path,
			SizeBytes: info.Size(),
			Chunked:   opts.LargeFileThreshold > 0 && info.Size() > opts.LargeFileThreshold,
		},
		logger: e.logger.With(zap.String("file", path)),
	}

	if err := r.init(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) init() error {
	sampleLen := int64(r.opts.SampleSize)
	if r.stats.SizeBytes < sampleLen {
		sampleLen = r.stats.SizeBytes
	}
	sample := make([]byte, sampleLen)
	if _, err := io.ReadFull(r.file, sample); err != nil {
		return errors.Wrap(err, errors.ErrorTypeExtraction, "failed to read encoding sample")
	}
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, errors.ErrorTypeExtraction, "failed to rewind input file")
	}

	det := DetectEncoding(sample, sampleLen < r.stats.SizeBytes)
	label := r.opts.Encoding
	certain := true
	switch {
	case det.BOM:
		label = det.Encoding
	case label == "" || label == "auto":
		label = det.Encoding
		certain = det.Certain
		if label == "" {
			label = r.opts.FallbackEncoding
			certain = false
			r.logger.Info("encoding probe inconclusive, using fallback",
				zap.String("encoding", label))
		}
	}

	enc, name, err := lookupEncoding(label)
	if err != nil {
		return err
	}
	r.stats.Encoding = name
	r.stats.EncodingCertain = certain

	r.csv = csv.NewReader(decoder(r.file, enc, name))
	r.csv.Comma = r.opts.Delimiter
	r.csv.FieldsPerRecord = -1
	r.csv.ReuseRecord = true

	record, err := r.csv.Read()
	if err == io.EOF {
		return errors.New(errors.ErrorTypeExtraction, "input file has no header row").Permanent()
	}
	if err != nil {
		return readError(err, "failed to read header")
	}

	header, err := r.parseHeader(record)
	if err != nil {
		return err
	}
	r.header = header
	r.stats.Columns = len(header)
	return nil
}

func (r *Reader) parseHeader(record []string) ([]string, error) {
	header := make([]string, len(record))
	seen := make(map[string]struct{}, len(record))
	for i, name := range record {
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("unnamed_%d", i)
		}
		if _, dup := seen[name]; dup {
			return nil, errors.Newf(errors.ErrorTypeExtraction, "duplicate column %q in header", name).
				WithDetail("column", name).Permanent()
		}
		seen[name] = struct{}{}
		header[i] = name
	}

	var missing []string
	expected := make(map[string]struct{}, len(r.opts.ExpectedColumns))
	for _, col := range r.opts.ExpectedColumns {
		col = strings.TrimSpace(col)
		expected[col] = struct{}{}
		if _, ok := seen[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Newf(errors.ErrorTypeExtraction, "header is missing expected columns: %s", strings.Join(missing, ", ")).
			WithDetail("missing", missing)
	}

	if r.opts.StrictColumns && len(r.opts.ExpectedColumns) > 0 {
		var extra []string
		for _, name := range header {
			if _, ok := expected[name]; !ok {
				extra = append(extra, name)
			}
		}
		if len(extra) > 0 {
			return nil, errors.Newf(errors.ErrorTypeExtraction, "header has unexpected columns: %s", strings.Join(extra, ", ")).
				WithDetail("unexpected", extra)
		}
	}
	return header, nil
}

// Header returns the cleaned header names.
func (r *Reader) Header() []string {
	return append([]string(nil), r.header...)
}

// Stats returns the statistics gathered so far.
func (r *Reader) Stats() Stats {
	s := r.stats
	s.Warnings = append([]string(nil), r.stats.Warnings...)
	return s
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

func (r *Reader) finish(start time.Time) Stats {
	r.stats.Duration = time.Since(start)
	return r.Stats()
}

// chunks yields batches of at most limit rows; limit 0 reads everything
// into one batch. A header-only file yields a single empty batch.
func (r *Reader) chunks(ctx context.Context, limit int) iter.Seq2[*table.Batch, error] {
	return func(yield func(*table.Batch, error) bool) {
		width := len(r.header)
		values := make([]any, width)
		yielded := 0

		batch, err := r.newChunk(limit)
		if err != nil {
			yield(nil, err)
			return
		}

		emit := func() bool {
			yielded++
			r.stats.Chunks++
			r.stats.Rows += batch.Len()
			return yield(batch, nil)
		}

		for n := 0; ; n++ {
			if n%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					yield(nil, errors.Cancelled(err))
					return
				}
			}

			record, err := r.csv.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				var perr *csv.ParseError
				if stderrors.As(err, &perr) {
					if berr := r.badLine(perr.Line, err.Error()); berr != nil {
						yield(nil, berr)
						return
					}
					continue
				}
				yield(nil, readError(err, "failed to read row"))
				return
			}

			if len(record) != width {
				line, _ := r.csv.FieldPos(0)
				msg := fmt.Sprintf("expected %d fields, saw %d", width, len(record))
				if berr := r.badLine(line, msg); berr != nil {
					yield(nil, berr)
					return
				}
				continue
			}

			for i, field := range record {
				if _, na := naTokens[field]; na {
					values[i] = nil
				} else {
					values[i] = field
				}
			}
			if err := batch.AppendRow(values...); err != nil {
				yield(nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to append row"))
				return
			}

			if limit > 0 && batch.Len() >= limit {
				if !emit() {
					return
				}
				if batch, err = r.newChunk(limit); err != nil {
					yield(nil, err)
					return
				}
			}
		}

		if batch.Len() > 0 || yielded == 0 {
			emit()
		}
	}
}

func (r *Reader) newChunk(limit int) (*table.Batch, error) {
	b, err := table.New(r.header...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeExtraction, "invalid header").Permanent()
	}
	if limit > 0 {
		b.Grow(min(limit, ctxCheckInterval))
	}
	return b, nil
}

// badLine applies the bad line policy to a malformed row.
func (r *Reader) badLine(line int, reason string) error {
	switch r.opts.BadLines {
	case BadLinesError:
		return errors.Newf(errors.ErrorTypeExtraction, "malformed row at line %d: %s", line, reason).
			WithDetail("line", line).Permanent()
	case BadLinesWarn:
		r.logger.Warn("skipping malformed row", zap.Int("line", line), zap.String("reason", reason))
		r.stats.Warnings = append(r.stats.Warnings, fmt.Sprintf("line %d skipped: %s", line, reason))
	}
	r.stats.BadLines++
	return nil
}

func readError(err error, msg string) error {
	if stderrors.Is(err, encoding.ErrInvalidUTF8) {
		return errors.Wrap(err, errors.ErrorTypeExtraction, "input is not valid in the detected encoding").Permanent()
	}
	return errors.Wrap(err, errors.ErrorTypeExtraction, msg)
}
