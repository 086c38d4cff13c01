package transform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/flatetl/pkg/errors"
	"github.com/ajitpratap0/flatetl/pkg/table"
)

func batch(t *testing.T, names []string, rows ...[]string) *table.Batch {
	t.Helper()
	b, err := table.FromRows(names, rows)
	require.NoError(t, err)
	return b
}

func TestNormalizeNameIsIdempotent(t *testing.T) {
	inputs := []string{
		"Sale ID", "  Price ($) ", "customer-name", "__already_ok__", "Ünit Prïce",
		"A.B.C", "x", "ORDER__DATE", "weird!!!name???", "1st Place",
	}
	for _, in := range inputs {
		once := NormalizeName(in)
		assert.Equal(t, once, NormalizeName(once), "input %q", in)
	}

	assert.Equal(t, "sale_id", NormalizeName("Sale ID"))
	assert.Equal(t, "price", NormalizeName("  Price ($) "))
	assert.Equal(t, "ünit_prïce", NormalizeName("Ünit Prïce"))
	assert.Equal(t, "a_b_c", NormalizeName("A.B.C"))
}

func TestNormalizeColumnsCollision(t *testing.T) {
	b := batch(t, []string{"Sale ID", "sale_id"})
	_, _, err := NormalizeColumns(b)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransform))
	assert.False(t, errors.IsRetryable(err))

	_, _, err = NormalizeColumns(batch(t, []string{"ok", "$$$"}))
	require.Error(t, err)
}

func TestRemoveDuplicatesKeepsFirstOccurrenceOrder(t *testing.T) {
	b := batch(t, []string{"k", "v"},
		[]string{"a", "1"},
		[]string{"b", "2"},
		[]string{"a", "1"},
		[]string{"c", "3"},
	)

	out, removed := RemoveDuplicates(b)
	assert.Equal(t, 1, removed)
	require.Equal(t, 3, out.Len())
	assert.Equal(t, []any{"a", "1"}, out.Row(0))
	assert.Equal(t, []any{"b", "2"}, out.Row(1))
	assert.Equal(t, []any{"c", "3"}, out.Row(2))
}

func TestHandleMissingStrategies(t *testing.T) {
	rows := [][]string{
		{"1", "x"},
		{"", ""},
		{"3", ""},
		{"", "y"},
	}

	tests := []struct {
		strategy string
		rows     int
		dropped  int
	}{
		{MissingNone, 4, 0},
		{MissingDropAll, 3, 1},
		{MissingDropAny, 1, 3},
		{MissingFillMean, 4, 0},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			in := batch(t, []string{"n", "s"}, rows...)
			out, dropped, _ := HandleMissing(in, tt.strategy)
			assert.Equal(t, tt.rows, out.Len())
			assert.Equal(t, tt.dropped, dropped)
			assert.Equal(t, 4, in.Len())
		})
	}
}

func TestFillMeanNumericColumnsOnly(t *testing.T) {
	in := batch(t, []string{"price", "name", "empty"},
		[]string{"10", "a", ""},
		[]string{"", "", ""},
		[]string{"20", "c", ""},
	)

	out, _, filled := HandleMissing(in, MissingFillMean)
	assert.Equal(t, 1, filled)

	price, _ := out.Column("price")
	assert.Equal(t, table.Float, price.Type)
	assert.Equal(t, []any{10.0, 15.0, 20.0}, price.Values)

	name, _ := out.Column("name")
	assert.Equal(t, table.Text, name.Type)
	assert.Nil(t, name.Values[1])

	empty, _ := out.Column("empty")
	assert.Equal(t, table.Text, empty.Type)

	// the input batch is untouched
	orig, _ := in.Column("price")
	assert.Nil(t, orig.Values[1])
}

func TestConvertTypes(t *testing.T) {
	in := batch(t, []string{"id", "price", "label", "day", "blank"},
		[]string{"1", "1.5", "x", "2024-01-02", ""},
		[]string{"2", "3", "7", "2024-02-03", ""},
		[]string{"", "", "", "", ""},
	)

	out, converted := ConvertTypes(in, true)
	assert.Equal(t, map[string]string{"id": "integer", "price": "float", "day": "date"}, converted)

	id, _ := out.Column("id")
	assert.Equal(t, []any{int64(1), int64(2), nil}, id.Values)

	price, _ := out.Column("price")
	assert.Equal(t, []any{1.5, 3.0, nil}, price.Values)

	day, _ := out.Column("day")
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), day.Values[0])

	label, _ := out.Column("label")
	assert.Equal(t, table.Text, label.Type)

	blank, _ := out.Column("blank")
	assert.Equal(t, table.Text, blank.Type)

	noDates, converted := ConvertTypes(in, false)
	assert.NotContains(t, converted, "day")
	day, _ = noDates.Column("day")
	assert.Equal(t, table.Text, day.Type)
}

func TestConvertTypesKeepsDigits(t *testing.T) {
	in := batch(t, []string{"id", "ratio", "amount"},
		[]string{"12345678901234567891", "0.12345678901234567", "1e3"},
		[]string{"12345678901234567892", "0.5", "2.25"},
	)

	out, converted := ConvertTypes(in, false)
	assert.Equal(t, map[string]string{"amount": "float"}, converted)

	id, _ := out.Column("id")
	assert.Equal(t, table.Text, id.Type)
	assert.Equal(t, []any{"12345678901234567891", "12345678901234567892"}, id.Values)

	ratio, _ := out.Column("ratio")
	assert.Equal(t, table.Text, ratio.Type)

	deduped, removed := RemoveDuplicates(out)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 2, deduped.Len())
}

func TestFillMeanSkipsOverflowingColumns(t *testing.T) {
	in := batch(t, []string{"id"},
		[]string{"12345678901234567891"},
		[]string{""},
	)
	out, _, filled := HandleMissing(in, MissingFillMean)
	assert.Equal(t, 0, filled)
	id, _ := out.Column("id")
	assert.Equal(t, table.Text, id.Type)
	assert.Nil(t, id.Values[1])
}

func TestTransformEndToEndSales(t *testing.T) {
	in := batch(t, []string{"Sale ID", "Price"},
		[]string{"1", "100"},
		[]string{"1", "100"},
		[]string{"2", "bad"},
	)
	opts := Options{
		NormalizeColumns: true,
		RemoveDuplicates: true,
		MissingStrategy:  MissingNone,
		ConvertTypes:     true,
	}

	out, stats, err := New(nil).Transform(context.Background(), in, opts)
	require.NoError(t, err)

	assert.Equal(t, []string{"sale_id", "price"}, out.Columns())
	assert.Equal(t, 2, out.Len())

	price, _ := out.Column("price")
	assert.Equal(t, table.Text, price.Type)
	assert.Equal(t, []any{"100", "bad"}, price.Values)

	saleID, _ := out.Column("sale_id")
	assert.Equal(t, table.Integer, saleID.Type)

	assert.Equal(t, 3, stats.RowsIn)
	assert.Equal(t, 2, stats.RowsOut)
	assert.Equal(t, 1, stats.DuplicatesRemoved)
	assert.Equal(t, map[string]string{"Sale ID": "sale_id", "Price": "price"}, stats.Renamed)

	assert.Equal(t, []string{"Sale ID", "Price"}, in.Columns())
	assert.Equal(t, 3, in.Len())
}

func TestTransformNeverAddsRows(t *testing.T) {
	rows := [][]string{{"1", "a"}, {"1", "a"}, {"", ""}, {"2", ""}, {"", "b"}}
	for _, strategy := range []string{MissingNone, MissingDropAll, MissingDropAny, MissingFillMean} {
		for _, dedup := range []bool{false, true} {
			in := batch(t, []string{"n", "s"}, rows...)
			out, stats, err := New(nil).Transform(context.Background(), in, Options{
				NormalizeColumns: true,
				RemoveDuplicates: dedup,
				MissingStrategy:  strategy,
				ConvertTypes:     true,
			})
			require.NoError(t, err)
			assert.LessOrEqual(t, out.Len(), in.Len(), "strategy %s dedup %v", strategy, dedup)
			assert.Equal(t, out.Len(), stats.RowsOut)
		}
	}
}

func TestTransformRejectsUnknownStrategy(t *testing.T) {
	_, _, err := New(nil).Transform(context.Background(), batch(t, []string{"a"}), Options{MissingStrategy: "median"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransform))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.False(t, errors.IsRetryable(err))
}

func TestTransformCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := New(nil).Transform(ctx, batch(t, []string{"a"}, []string{"1"}), DefaultOptions())
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
}

func TestTransformWithNoStepsReturnsCopy(t *testing.T) {
	in := batch(t, []string{"a"}, []string{"1"})
	out, _, err := New(nil).Transform(context.Background(), in, Options{})
	require.NoError(t, err)
	require.NoError(t, out.AppendRow("2"))
	assert.Equal(t, 1, in.Len())
}
