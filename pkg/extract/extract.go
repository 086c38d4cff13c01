// Package extract reads delimited flat files into table batches.
//
// The extractor detects the file encoding from a byte sample, decodes the
// stream to UTF-8, validates the header against the expected column
// contract and reads rows either in one pass or, for large files, in
// bounded chunks.
package extract

import (
	"context"
	"fmt"
	"iter"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/flatetl/pkg/config"
	"github.com/ajitpratap0/flatetl/pkg/errors"
	"github.com/ajitpratap0/flatetl/pkg/table"
)

// Bad line policies
const (
	BadLinesWarn  = config.BadLinesWarn
	BadLinesSkip  = config.BadLinesSkip
	BadLinesError = config.BadLinesError
)

// WarningEmptyBatch is recorded when a file has a header but no rows.
const WarningEmptyBatch = "empty batch"

// naTokens are cell values read as missing.
var naTokens = map[string]struct{}{
	"":     {},
	"NA":   {},
	"N/A":  {},
	"n/a":  {},
	"NaN":  {},
	"nan":  {},
	"-NaN": {},
	"-nan": {},
	"null": {},
	"NULL": {},
	"None": {},
	"#N/A": {},
	"<NA>": {},
}

// Options controls a single extraction.
type Options struct {
	// Encoding is a WHATWG label; empty or "auto" probes the file
	Encoding string
	// FallbackEncoding is used when probing is inconclusive
	FallbackEncoding string
	// SampleSize is the number of bytes probed
	SampleSize int
	// Delimiter separates fields
	Delimiter rune
	// ChunkSize bounds the rows per chunk for large files
	ChunkSize int
	// LargeFileThreshold is the size in bytes above which files are chunked
	LargeFileThreshold int64
	// BadLines is warn, skip or error
	BadLines string
	// ExpectedColumns must all appear in the header
	ExpectedColumns []string
	// StrictColumns forbids columns beyond ExpectedColumns
	StrictColumns bool
}

// DefaultOptions returns the production extraction options.
func DefaultOptions() Options {
	return OptionsFromConfig(config.NewDefaultConfig().Extract)
}

// OptionsFromConfig maps the extract config section onto Options.
func OptionsFromConfig(c config.ExtractConfig) Options {
	delim := ','
	if r := []rune(c.Delimiter); len(r) == 1 {
		delim = r[0]
	}
	return Options{
		Encoding:           c.Encoding,
		FallbackEncoding:   c.FallbackEncoding,
		SampleSize:         c.SampleSize,
		Delimiter:          delim,
		ChunkSize:          c.ChunkSize,
		LargeFileThreshold: c.LargeFileThresholdBytes,
		BadLines:           c.BadLines,
		ExpectedColumns:    c.ExpectedColumns,
		StrictColumns:      c.StrictColumns,
	}
}

func (o *Options) applyDefaults() {
	if o.FallbackEncoding == "" {
		o.FallbackEncoding = "windows-1252"
	}
	if o.SampleSize <= 0 {
		o.SampleSize = 64 * 1024
	}
	if o.Delimiter == 0 {
		o.Delimiter = ','
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 10000
	}
	if o.BadLines == "" {
		o.BadLines = BadLinesWarn
	}
}

// Validate checks the options without touching the file system.
func (o Options) Validate() error {
	switch o.BadLines {
	case "", BadLinesWarn, BadLinesSkip, BadLinesError:
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown bad line policy %q", o.BadLines)
	}
	if o.Encoding != "" && o.Encoding != "auto" {
		if _, _, err := lookupEncoding(o.Encoding); err != nil {
			return err
		}
	}
	if o.FallbackEncoding != "" {
		if _, _, err := lookupEncoding(o.FallbackEncoding); err != nil {
			return err
		}
	}
	return nil
}

// Stats describes one extraction attempt.
type Stats struct {
	File            string        `json:"file"`
	SizeBytes       int64         `json:"size_bytes"`
	Encoding        string        `json:"encoding"`
	EncodingCertain bool          `json:"encoding_certain"`
	Chunked         bool          `json:"chunked"`
	Chunks          int           `json:"chunks"`
	Rows            int           `json:"rows"`
	Columns         int           `json:"columns"`
	BadLines        int           `json:"bad_lines"`
	Warnings        []string      `json:"warnings,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Report renders a short human-readable summary.
func (s Stats) Report() string {
	return fmt.Sprintf("extracted %d rows x %d columns from %s (%d bytes, %s, %d chunk(s), %d bad line(s)) in %s",
		s.Rows, s.Columns, s.File, s.SizeBytes, s.Encoding, s.Chunks, s.BadLines, s.Duration.Round(time.Millisecond))
}

// Extractor reads files into batches. It holds no per-file state and is
// safe for concurrent use.
type Extractor struct {
	logger *zap.Logger
}

// New creates an Extractor. A nil logger disables logging.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger.With(zap.String("component", "extractor"))}
}

// Extract reads the whole file at path. Files larger than
// LargeFileThreshold are read chunk by chunk and concatenated.
func (e *Extractor) Extract(ctx context.Context, path string, opts Options) (*table.Batch, Stats, error) {
	start := time.Now()

	r, err := e.Open(ctx, path, opts)
	if err != nil {
		return nil, Stats{File: path, Duration: time.Since(start)}, err
	}
	defer r.Close()

	limit := 0
	if r.stats.Chunked {
		limit = r.opts.ChunkSize
	}

	result, err := table.New(r.Header()...)
	if err != nil {
		return nil, r.finish(start), errors.Wrap(err, errors.ErrorTypeExtraction, "invalid header").Permanent()
	}

	for chunk, err := range r.chunks(ctx, limit) {
		if err != nil {
			return nil, r.finish(start), err
		}
		if err := result.Append(chunk); err != nil {
			return nil, r.finish(start), errors.Wrap(err, errors.ErrorTypeInternal, "failed to concatenate chunk")
		}
	}

	if result.Len() == 0 {
		r.stats.Warnings = append(r.stats.Warnings, WarningEmptyBatch)
		e.logger.Warn("file has a header but no rows", zap.String("file", path))
	}

	stats := r.finish(start)
	e.logger.Debug("extraction complete",
		zap.String("file", path),
		zap.Int("rows", stats.Rows),
		zap.Int("chunks", stats.Chunks),
		zap.String("encoding", stats.Encoding),
		zap.Duration("duration", stats.Duration))
	return result, stats, nil
}

// Chunks streams the file at path in batches of at most ChunkSize rows
// regardless of its size. The file is closed when iteration stops.
func (e *Extractor) Chunks(ctx context.Context, path string, opts Options) iter.Seq2[*table.Batch, error] {
	return func(yield func(*table.Batch, error) bool) {
		r, err := e.Open(ctx, path, opts)
		if err != nil {
			yield(nil, err)
			return
		}
		defer r.Close()

		for chunk, err := range r.chunks(ctx, r.opts.ChunkSize) {
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}

// statFile checks that path names a readable, non-empty regular file.
func statFile(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		wrapped := errors.Wrap(err, errors.ErrorTypeExtraction, "cannot access input file").
			WithDetail("file", path)
		if os.IsNotExist(err) {
			wrapped = wrapped.Permanent()
		}
		return nil, wrapped
	}
	if !info.Mode().IsRegular() {
		return nil, errors.New(errors.ErrorTypeExtraction, "input is not a regular file").
			WithDetail("file", path).Permanent()
	}
	if info.Size() == 0 {
		return nil, errors.New(errors.ErrorTypeExtraction, "input file is empty").
			WithDetail("file", path).Permanent()
	}
	return info, nil
}
