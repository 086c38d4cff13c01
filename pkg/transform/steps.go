package transform

import (
	stderrors "errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/flatetl/pkg/errors"
	"github.com/ajitpratap0/flatetl/pkg/table"
)

var separatorRun = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// NormalizeName lowercases name, collapses every run of characters that
// are not letters or digits into a single underscore and trims leading
// and trailing underscores. NormalizeName(NormalizeName(s)) ==
// NormalizeName(s).
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = separatorRun.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}

// NormalizeColumns renames every column with NormalizeName. It returns the
// renamed batch and the names that changed. A name that normalizes to
// nothing, or two names that normalize to the same result, is a permanent
// transform error.
func NormalizeColumns(b *table.Batch) (*table.Batch, map[string]string, error) {
	names := b.Columns()
	normalized := make([]string, len(names))
	owner := make(map[string]string, len(names))
	var renamed map[string]string

	for i, name := range names {
		n := NormalizeName(name)
		if n == "" {
			return nil, nil, errors.Newf(errors.ErrorTypeTransform, "column %q has no letters or digits", name).
				WithDetail("column", name).Permanent()
		}
		if prev, ok := owner[n]; ok {
			return nil, nil, errors.Newf(errors.ErrorTypeTransform, "columns %q and %q both normalize to %q", prev, name, n).
				WithDetail("column", n).Permanent()
		}
		owner[n] = name
		normalized[i] = n
		if n != name {
			if renamed == nil {
				renamed = make(map[string]string)
			}
			renamed[name] = n
		}
	}

	out, err := b.Rename(normalized)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeTransform, "failed to rename columns").Permanent()
	}
	return out, renamed, nil
}

// RemoveDuplicates keeps the first occurrence of every distinct row, in
// first-occurrence order, and reports how many rows were removed.
func RemoveDuplicates(b *table.Batch) (*table.Batch, int) {
	seen := make(map[string]struct{}, b.Len())
	keep := make([]bool, b.Len())
	removed := 0
	for i := 0; i < b.Len(); i++ {
		key := b.RowKey(i)
		if _, dup := seen[key]; dup {
			removed++
			continue
		}
		seen[key] = struct{}{}
		keep[i] = true
	}
	return b.Filter(keep), removed
}

// HandleMissing applies strategy and returns the result with the number
// of rows dropped and values filled.
func HandleMissing(b *table.Batch, strategy string) (*table.Batch, int, int) {
	switch strategy {
	case MissingDropAll, MissingDropAny:
		keep := make([]bool, b.Len())
		dropped := 0
		for i := 0; i < b.Len(); i++ {
			missing := 0
			for j := 0; j < b.Width(); j++ {
				if table.IsMissing(b.Value(i, j)) {
					missing++
				}
			}
			drop := missing > 0
			if strategy == MissingDropAll {
				drop = b.Width() > 0 && missing == b.Width()
			}
			keep[i] = !drop
			if drop {
				dropped++
			}
		}
		return b.Filter(keep), dropped, 0
	case MissingFillMean:
		out, filled := fillMean(b)
		return out, 0, filled
	}
	return shallow(b), 0, 0
}

// fillMean replaces missing values of numeric columns with the column
// mean. A column is numeric when it is typed integer or float, or when it
// is text and every non-missing value parses as a number. Filled columns
// become float. Columns without any non-missing value are left alone.
func fillMean(b *table.Batch) (*table.Batch, int) {
	out := shallow(b)
	filled := 0
	for j := 0; j < out.Width(); j++ {
		col := out.ColumnAt(j)
		nums, ok := numericValues(col)
		if !ok {
			continue
		}

		var sum float64
		count, missing := 0, 0
		for _, n := range nums {
			if n == nil {
				missing++
				continue
			}
			sum += *n
			count++
		}
		if missing == 0 || count == 0 {
			continue
		}

		mean := sum / float64(count)
		values := make([]any, len(nums))
		for i, n := range nums {
			if n == nil {
				values[i] = mean
				filled++
			} else {
				values[i] = *n
			}
		}
		_ = out.SetColumn(j, table.Float, values)
	}
	return out, filled
}

// numericValues returns the column as floats, nil for missing cells, or
// false when the column is not numeric.
func numericValues(col table.Column) ([]*float64, bool) {
	switch col.Type {
	case table.Integer, table.Float, table.Text:
	default:
		return nil, false
	}
	out := make([]*float64, len(col.Values))
	for i, v := range col.Values {
		var f float64
		switch x := v.(type) {
		case nil:
			continue
		case int64:
			f = float64(x)
		case float64:
			f = x
		case string:
			parsed, ok := exactFloat(strings.TrimSpace(x))
			if !ok {
				return nil, false
			}
			f = parsed
		default:
			return nil, false
		}
		out[i] = &f
	}
	return out, true
}

// ConvertTypes converts text columns whose non-missing values all parse as
// integers, else floats, else (with parseDates) dates. It returns the new
// batch and the columns that changed type.
func ConvertTypes(b *table.Batch, parseDates bool) (*table.Batch, map[string]string) {
	out := shallow(b)
	var converted map[string]string
	for j := 0; j < out.Width(); j++ {
		col := out.ColumnAt(j)
		if col.Type != table.Text {
			continue
		}
		typ, values, ok := coerce(col.Values, parseDates)
		if !ok {
			continue
		}
		_ = out.SetColumn(j, typ, values)
		if converted == nil {
			converted = make(map[string]string)
		}
		converted[col.Name] = string(typ)
	}
	return out, converted
}

func coerce(values []any, parseDates bool) (table.Type, []any, bool) {
	present := 0
	for _, v := range values {
		if v != nil {
			present++
		}
	}
	if present == 0 {
		return "", nil, false
	}

	parsers := []struct {
		typ   table.Type
		parse func(string) (any, bool)
	}{
		{table.Integer, parseInt},
		{table.Float, parseFloat},
	}
	if parseDates {
		parsers = append(parsers, struct {
			typ   table.Type
			parse func(string) (any, bool)
		}{table.Date, parseDate})
	}

next:
	for _, p := range parsers {
		out := make([]any, len(values))
		for i, v := range values {
			if v == nil {
				continue
			}
			s, isString := v.(string)
			if !isString {
				continue next
			}
			parsed, ok := p.parse(strings.TrimSpace(s))
			if !ok {
				continue next
			}
			out[i] = parsed
		}
		return p.typ, out, true
	}
	return "", nil, false
}

func parseInt(s string) (any, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

func parseFloat(s string) (any, bool) {
	return exactFloat(s)
}

// floatDigits is the number of significant decimal digits a float64 always
// preserves.
const floatDigits = 15

// exactFloat parses s as a float64 only when no digits are lost: integers
// outside the int64 range and values with more than floatDigits significant
// digits are rejected so the column stays text.
func exactFloat(s string) (float64, bool) {
	if _, err := strconv.ParseInt(s, 10, 64); stderrors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, significantDigits(s) <= floatDigits
}

// significantDigits counts the mantissa digits of a decimal literal,
// ignoring sign, exponent, leading and trailing zeros.
func significantDigits(s string) int {
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		s = s[:i]
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	return len(strings.Trim(digits, "0"))
}

func parseDate(s string) (any, bool) {
	if t, err := time.Parse(table.DateLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return nil, false
}

// shallow returns a batch with b's columns whose column slots can be
// replaced without affecting b.
func shallow(b *table.Batch) *table.Batch {
	out, _ := b.Rename(b.Columns())
	return out
}
