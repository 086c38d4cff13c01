// Package table provides the in-memory tabular unit that moves through the
// pipeline.
//
// A Batch is columnar: every column has a name, a declared semantic type and
// one value per row. Missing values are nil. The column set is fixed when the
// batch is created, so every row carries exactly the same columns.
//
// Batches are handed between stages by ownership transfer. A stage that
// receives a batch may read it, builds a new batch for its result, and must
// not keep a reference to either after returning. Methods that return a new
// *Batch never modify the receiver.
package table

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type is the declared semantic type of a column.
type Type string

const (
	// Text columns hold string values
	Text Type = "text"
	// Integer columns hold int64 values
	Integer Type = "integer"
	// Float columns hold float64 values
	Float Type = "float"
	// Date columns hold time.Time values
	Date Type = "date"
)

// DateLayout is the layout used for date-only values.
const DateLayout = "2006-01-02"

var (
	// ErrDuplicateColumn is returned when a column name occurs twice
	ErrDuplicateColumn = errors.New("duplicate column name")
	// ErrEmptyColumn is returned for a blank column name
	ErrEmptyColumn = errors.New("empty column name")
	// ErrRowWidth is returned when a row does not match the column set
	ErrRowWidth = errors.New("row width does not match column count")
	// ErrColumnMismatch is returned when two batches have different headers
	ErrColumnMismatch = errors.New("column set mismatch")
)

// Column is one named, typed column of a batch.
type Column struct {
	Name   string
	Type   Type
	Values []any
}

// Field describes a column without its values.
type Field struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Batch is an ordered sequence of rows over a fixed ordered column set.
type Batch struct {
	columns []*Column
	index   map[string]int
	rows    int
}

// New creates an empty batch with text columns.
func New(names ...string) (*Batch, error) {
	b := &Batch{
		columns: make([]*Column, len(names)),
		index:   make(map[string]int, len(names)),
	}
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("column %d: %w", i, ErrEmptyColumn)
		}
		if _, dup := b.index[name]; dup {
			return nil, fmt.Errorf("%q: %w", name, ErrDuplicateColumn)
		}
		b.index[name] = i
		b.columns[i] = &Column{Name: name, Type: Text}
	}
	return b, nil
}

// FromRows builds a text batch from string rows. Empty strings become
// missing values.
func FromRows(names []string, rows [][]string) (*Batch, error) {
	b, err := New(names...)
	if err != nil {
		return nil, err
	}
	b.Grow(len(rows))
	vals := make([]any, len(names))
	for i, row := range rows {
		if len(row) != len(names) {
			return nil, fmt.Errorf("row %d: %w", i, ErrRowWidth)
		}
		for j, s := range row {
			if s == "" {
				vals[j] = nil
			} else {
				vals[j] = s
			}
		}
		if err := b.AppendRow(vals...); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Grow reserves capacity for n more rows.
func (b *Batch) Grow(n int) {
	for _, c := range b.columns {
		if cap(c.Values)-len(c.Values) < n {
			grown := make([]any, len(c.Values), len(c.Values)+n)
			copy(grown, c.Values)
			c.Values = grown
		}
	}
}

// AppendRow appends one row. values must hold one entry per column.
func (b *Batch) AppendRow(values ...any) error {
	if len(values) != len(b.columns) {
		return fmt.Errorf("got %d values for %d columns: %w", len(values), len(b.columns), ErrRowWidth)
	}
	for i, c := range b.columns {
		c.Values = append(c.Values, values[i])
	}
	b.rows++
	return nil
}

// Append concatenates other onto b. Both batches must have the same column
// names, in the same order, with the same types.
func (b *Batch) Append(other *Batch) error {
	if other == nil {
		return nil
	}
	if len(other.columns) != len(b.columns) {
		return fmt.Errorf("%d columns vs %d: %w", len(other.columns), len(b.columns), ErrColumnMismatch)
	}
	for i, c := range b.columns {
		oc := other.columns[i]
		if oc.Name != c.Name || oc.Type != c.Type {
			return fmt.Errorf("column %d is %s(%s), want %s(%s): %w", i, oc.Name, oc.Type, c.Name, c.Type, ErrColumnMismatch)
		}
	}
	for i, c := range b.columns {
		c.Values = append(c.Values, other.columns[i].Values...)
	}
	b.rows += other.rows
	return nil
}

// Len returns the number of rows.
func (b *Batch) Len() int { return b.rows }

// Width returns the number of columns.
func (b *Batch) Width() int { return len(b.columns) }

// Columns returns the column names in order.
func (b *Batch) Columns() []string {
	names := make([]string, len(b.columns))
	for i, c := range b.columns {
		names[i] = c.Name
	}
	return names
}

// Schema returns the name and type of every column in order.
func (b *Batch) Schema() []Field {
	fields := make([]Field, len(b.columns))
	for i, c := range b.columns {
		fields[i] = Field{Name: c.Name, Type: c.Type}
	}
	return fields
}

// Index returns the position of the named column.
func (b *Batch) Index(name string) (int, bool) {
	i, ok := b.index[name]
	return i, ok
}

// Column returns a copy of the column header with a read-only view of its
// values.
func (b *Batch) Column(name string) (Column, bool) {
	i, ok := b.index[name]
	if !ok {
		return Column{}, false
	}
	return b.ColumnAt(i), true
}

// ColumnAt returns the i-th column. Values must be treated as read-only.
func (b *Batch) ColumnAt(i int) Column {
	c := b.columns[i]
	return Column{Name: c.Name, Type: c.Type, Values: c.Values}
}

// Value returns the value at row, col.
func (b *Batch) Value(row, col int) any {
	return b.columns[col].Values[row]
}

// Row returns a copy of row i.
func (b *Batch) Row(i int) []any {
	row := make([]any, len(b.columns))
	for j, c := range b.columns {
		row[j] = c.Values[i]
	}
	return row
}

// SetColumn replaces the type and values of column i. values must have one
// entry per row.
func (b *Batch) SetColumn(i int, typ Type, values []any) error {
	if len(values) != b.rows {
		return fmt.Errorf("column %q: got %d values for %d rows: %w", b.columns[i].Name, len(values), b.rows, ErrRowWidth)
	}
	b.columns[i] = &Column{Name: b.columns[i].Name, Type: typ, Values: values}
	return nil
}

// Filter returns a new batch holding the rows whose keep entry is true.
func (b *Batch) Filter(keep []bool) *Batch {
	n := 0
	for _, k := range keep {
		if k {
			n++
		}
	}
	out := b.emptyLike(n)
	for j, c := range b.columns {
		vals := out.columns[j].Values
		for i, k := range keep {
			if k {
				vals = append(vals, c.Values[i])
			}
		}
		out.columns[j].Values = vals
	}
	out.rows = n
	return out
}

// Slice returns rows [lo, hi) as a new batch sharing value storage with b.
func (b *Batch) Slice(lo, hi int) *Batch {
	if lo < 0 {
		lo = 0
	}
	if hi > b.rows {
		hi = b.rows
	}
	if lo > hi {
		lo = hi
	}
	out := &Batch{
		columns: make([]*Column, len(b.columns)),
		index:   b.copyIndex(),
		rows:    hi - lo,
	}
	for j, c := range b.columns {
		out.columns[j] = &Column{Name: c.Name, Type: c.Type, Values: c.Values[lo:hi:hi]}
	}
	return out
}

// Rename returns a new batch with the given column names. Values are shared.
func (b *Batch) Rename(names []string) (*Batch, error) {
	if len(names) != len(b.columns) {
		return nil, fmt.Errorf("got %d names for %d columns: %w", len(names), len(b.columns), ErrColumnMismatch)
	}
	out, err := New(names...)
	if err != nil {
		return nil, err
	}
	for j, c := range b.columns {
		out.columns[j].Type = c.Type
		out.columns[j].Values = c.Values
	}
	out.rows = b.rows
	return out, nil
}

// Clone returns a copy of b that shares no value storage with it.
func (b *Batch) Clone() *Batch {
	out := b.emptyLike(b.rows)
	for j, c := range b.columns {
		out.columns[j].Values = append(out.columns[j].Values, c.Values...)
	}
	out.rows = b.rows
	return out
}

// RowKey returns a string identifying the full contents of row i. Two rows
// have the same key exactly when every value is equal, type included.
func (b *Batch) RowKey(i int) string {
	var sb strings.Builder
	for j, c := range b.columns {
		if j > 0 {
			sb.WriteByte(0x1f)
		}
		v := c.Values[i]
		switch x := v.(type) {
		case nil:
			sb.WriteByte('n')
		case string:
			sb.WriteByte('s')
			sb.WriteString(strconv.Quote(x))
		default:
			sb.WriteByte('v')
			sb.WriteString(Format(x))
		}
	}
	return sb.String()
}

func (b *Batch) emptyLike(capacity int) *Batch {
	out := &Batch{
		columns: make([]*Column, len(b.columns)),
		index:   b.copyIndex(),
	}
	for j, c := range b.columns {
		out.columns[j] = &Column{Name: c.Name, Type: c.Type, Values: make([]any, 0, capacity)}
	}
	return out
}

func (b *Batch) copyIndex() map[string]int {
	idx := make(map[string]int, len(b.index))
	for k, v := range b.index {
		idx[k] = v
	}
	return idx
}

// IsMissing reports whether v is a missing value.
func IsMissing(v any) bool {
	return v == nil
}

// Format renders a value the way it is written to cleaned files.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format(DateLayout)
		}
		return x.Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
