// Package transform cleans extracted batches.
//
// Steps run in a fixed order, each toggleable through Options:
//  1. column name normalization
//  2. duplicate row removal
//  3. missing value handling
//  4. type coercion
//
// The output never has more rows than the input.
package transform

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/flatetl/pkg/config"
	"github.com/ajitpratap0/flatetl/pkg/errors"
	"github.com/ajitpratap0/flatetl/pkg/table"
)

// Missing value strategies
const (
	MissingNone     = config.MissingNone
	MissingDropAll  = config.MissingDropAll
	MissingDropAny  = config.MissingDropAny
	MissingFillMean = config.MissingFillMean
)

// Options toggles the cleaning steps.
type Options struct {
	NormalizeColumns bool
	RemoveDuplicates bool
	MissingStrategy  string
	ConvertTypes     bool
	ParseDates       bool
}

// DefaultOptions returns the production transform options.
func DefaultOptions() Options {
	return OptionsFromConfig(config.NewDefaultConfig().Transform)
}

// OptionsFromConfig maps the transform config section onto Options.
func OptionsFromConfig(c config.TransformConfig) Options {
	return Options{
		NormalizeColumns: c.NormalizeColumns,
		RemoveDuplicates: c.RemoveDuplicates,
		MissingStrategy:  c.MissingValueStrategy,
		ConvertTypes:     c.ConvertTypes,
		ParseDates:       c.ParseDates,
	}
}

// Validate rejects unknown strategies. The error is a transform error
// caused by a config error, so it is never retried.
func (o Options) Validate() error {
	switch o.MissingStrategy {
	case "", MissingNone, MissingDropAll, MissingDropAny, MissingFillMean:
		return nil
	}
	cause := errors.Newf(errors.ErrorTypeConfig, "unknown missing value strategy %q", o.MissingStrategy).
		WithDetail("strategy", o.MissingStrategy)
	return errors.Wrap(cause, errors.ErrorTypeTransform, "invalid transform options")
}

// Stats describes one transform attempt.
type Stats struct {
	RowsIn            int               `json:"rows_in"`
	RowsOut           int               `json:"rows_out"`
	ColumnsIn         int               `json:"columns_in"`
	ColumnsOut        int               `json:"columns_out"`
	Renamed           map[string]string `json:"renamed,omitempty"`
	DuplicatesRemoved int               `json:"duplicates_removed"`
	RowsDropped       int               `json:"rows_dropped"`
	ValuesFilled      int               `json:"values_filled"`
	Converted         map[string]string `json:"converted,omitempty"`
	Duration          time.Duration     `json:"duration"`
}

// Report renders a short human-readable summary.
func (s Stats) Report() string {
	return fmt.Sprintf("transformed %d -> %d rows, %d -> %d columns (%d duplicates removed, %d rows dropped, %d values filled, %d columns converted) in %s",
		s.RowsIn, s.RowsOut, s.ColumnsIn, s.ColumnsOut, s.DuplicatesRemoved, s.RowsDropped, s.ValuesFilled, len(s.Converted), s.Duration.Round(time.Millisecond))
}

// Transformer applies the cleaning steps. It holds no per-batch state and
// is safe for concurrent use.
type Transformer struct {
	logger *zap.Logger
}

// New creates a Transformer. A nil logger disables logging.
func New(logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{logger: logger.With(zap.String("component", "transformer"))}
}

// Transform cleans in and returns a new batch. in is not modified.
func (t *Transformer) Transform(ctx context.Context, in *table.Batch, opts Options) (*table.Batch, Stats, error) {
	start := time.Now()
	if err := opts.Validate(); err != nil {
		return nil, Stats{}, err
	}
	if in == nil {
		return nil, Stats{}, errors.New(errors.ErrorTypeTransform, "nil batch").Permanent()
	}

	stats := Stats{
		RowsIn:    in.Len(),
		ColumnsIn: in.Width(),
	}
	out := in
	finish := func() Stats {
		stats.RowsOut = out.Len()
		stats.ColumnsOut = out.Width()
		stats.Duration = time.Since(start)
		return stats
	}

	steps := []struct {
		name    string
		enabled bool
		run     func(*table.Batch) (*table.Batch, error)
	}{
		{"normalize_columns", opts.NormalizeColumns, func(b *table.Batch) (*table.Batch, error) {
			renamed, mapping, err := NormalizeColumns(b)
			stats.Renamed = mapping
			return renamed, err
		}},
		{"remove_duplicates", opts.RemoveDuplicates, func(b *table.Batch) (*table.Batch, error) {
			deduped, removed := RemoveDuplicates(b)
			stats.DuplicatesRemoved = removed
			return deduped, nil
		}},
		{"missing_values", opts.MissingStrategy != "" && opts.MissingStrategy != MissingNone, func(b *table.Batch) (*table.Batch, error) {
			handled, dropped, filled := HandleMissing(b, opts.MissingStrategy)
			stats.RowsDropped = dropped
			stats.ValuesFilled = filled
			return handled, nil
		}},
		{"convert_types", opts.ConvertTypes, func(b *table.Batch) (*table.Batch, error) {
			converted, types := ConvertTypes(b, opts.ParseDates)
			stats.Converted = types
			return converted, nil
		}},
	}

	for _, step := range steps {
		if !step.enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, finish(), errors.Cancelled(err)
		}
		next, err := step.run(out)
		if err != nil {
			return nil, finish(), err
		}
		out = next
		t.logger.Debug("transform step complete",
			zap.String("step", step.name),
			zap.Int("rows", out.Len()))
	}

	if out == in {
		out = in.Clone()
	}
	return out, finish(), nil
}
