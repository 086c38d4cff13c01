package extract

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"

	"github.com/ajitpratap0/flatetl/pkg/errors"
	"github.com/ajitpratap0/flatetl/pkg/testutil"
)

func TestExtractUTF8(t *testing.T) {
	path := testutil.WriteFile(t, "customers.csv", []byte("id,name,city\n1,Zoë,Paris\n2,Bob,NA\n"))

	b, stats, err := New(nil).Extract(context.Background(), path, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name", "city"}, b.Columns())
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, "Zoë", b.Value(0, 1))
	assert.Nil(t, b.Value(1, 2))

	assert.Equal(t, EncodingUTF8, stats.Encoding)
	assert.True(t, stats.EncodingCertain)
	assert.Equal(t, 2, stats.Rows)
	assert.Equal(t, 3, stats.Columns)
	assert.Equal(t, 1, stats.Chunks)
	assert.False(t, stats.Chunked)
	assert.Equal(t, path, stats.File)
}

func TestExtractStripsUTF8BOM(t *testing.T) {
	path := testutil.WriteFile(t, "bom.csv", append([]byte{0xEF, 0xBB, 0xBF}, "id,name\n1,a\n"...))

	b, stats, err := New(nil).Extract(context.Background(), path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, b.Columns())
	assert.Equal(t, EncodingUTF8, stats.Encoding)
}

func TestExtractUTF16WithBOM(t *testing.T) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	data, err := enc.String("id,name\n1,Ünal\n")
	require.NoError(t, err)
	path := testutil.WriteFile(t, "utf16.csv", []byte(data))

	b, stats, err := New(nil).Extract(context.Background(), path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, EncodingUTF16LE, stats.Encoding)
	assert.True(t, stats.EncodingCertain)
	assert.Equal(t, "Ünal", b.Value(0, 1))
}

func TestExtractUTF16WithoutBOM(t *testing.T) {
	for _, tt := range []struct {
		name  string
		order unicode.Endianness
		want  string
	}{
		{"little endian", unicode.LittleEndian, EncodingUTF16LE},
		{"big endian", unicode.BigEndian, EncodingUTF16BE},
	} {
		t.Run(tt.name, func(t *testing.T) {
			enc := unicode.UTF16(tt.order, unicode.IgnoreBOM).NewEncoder()
			data, err := enc.String("id,name\n1,alice\n")
			require.NoError(t, err)
			path := testutil.WriteFile(t, "nobom.csv", []byte(data))

			b, stats, err := New(nil).Extract(context.Background(), path, DefaultOptions())
			require.NoError(t, err)
			assert.Equal(t, tt.want, stats.Encoding)
			assert.False(t, stats.EncodingCertain)
			assert.Equal(t, []string{"id", "name"}, b.Columns())
			assert.Equal(t, "alice", b.Value(0, 1))
		})
	}
}

func TestExtractFallsBackToWindows1252(t *testing.T) {
	path := testutil.WriteFile(t, "latin.csv", []byte("product,price\nCaf\xe9,3.50\n"))

	b, stats, err := New(nil).Extract(context.Background(), path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "windows-1252", stats.Encoding)
	assert.False(t, stats.EncodingCertain)
	assert.Equal(t, "Café", b.Value(0, 0))
}

func TestExtractDeclaredEncoding(t *testing.T) {
	path := testutil.WriteFile(t, "latin.csv", []byte("name\nna\xefve\n"))
	opts := DefaultOptions()
	opts.Encoding = "latin1"

	b, stats, err := New(nil).Extract(context.Background(), path, opts)
	require.NoError(t, err)
	assert.Equal(t, "windows-1252", stats.Encoding)
	assert.Equal(t, "naïve", b.Value(0, 0))
}

func TestExtractDeclaredUTF8RejectsInvalidBytes(t *testing.T) {
	path := testutil.WriteFile(t, "bad.csv", []byte("name\nna\xefve\n"))
	opts := DefaultOptions()
	opts.Encoding = "utf-8"

	_, _, err := New(nil).Extract(context.Background(), path, opts)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExtraction))
	assert.False(t, errors.IsRetryable(err))
}

func TestExtractUnknownEncodingIsConfigError(t *testing.T) {
	path := testutil.WriteFile(t, "a.csv", []byte("a\n1\n"))
	opts := DefaultOptions()
	opts.Encoding = "klingon-8"

	_, _, err := New(nil).Extract(context.Background(), path, opts)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.False(t, errors.IsRetryable(err))
}

func TestExtractMissingAndEmptyFiles(t *testing.T) {
	ex := New(nil)

	_, _, err := ex.Extract(context.Background(), filepath.Join(t.TempDir(), "absent.csv"), DefaultOptions())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExtraction))

	_, _, err = ex.Extract(context.Background(), testutil.WriteFile(t, "empty.csv", nil), DefaultOptions())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExtraction))
	assert.Contains(t, err.Error(), "empty")

	_, _, err = ex.Extract(context.Background(), t.TempDir(), DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "regular file")
}

func TestExtractHeaderOnly(t *testing.T) {
	path := testutil.WriteFile(t, "header.csv", []byte("id,name\n"))

	b, stats, err := New(nil).Extract(context.Background(), path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 2, b.Width())
	assert.Contains(t, stats.Warnings, WarningEmptyBatch)
}

func TestExtractHeaderContract(t *testing.T) {
	path := testutil.WriteFile(t, "sales.csv", []byte(" Sale ID , Price,,Notes\n1,2,3,4\n"))
	ex := New(nil)

	b, _, err := ex.Extract(context.Background(), path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"Sale ID", "Price", "unnamed_2", "Notes"}, b.Columns())

	opts := DefaultOptions()
	opts.ExpectedColumns = []string{"Sale ID", "Quantity"}
	_, _, err = ex.Extract(context.Background(), path, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Quantity")

	opts.ExpectedColumns = []string{"Sale ID", "Price"}
	opts.StrictColumns = true
	_, _, err = ex.Extract(context.Background(), path, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Notes")

	dup := testutil.WriteFile(t, "dup.csv", []byte("a,b,a\n1,2,3\n"))
	_, _, err = ex.Extract(context.Background(), dup, DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestExtractBadLines(t *testing.T) {
	data := []byte("a,b\n1,2\n3,4,5\n6\n7,8\n")

	for _, policy := range []string{BadLinesWarn, BadLinesSkip} {
		t.Run(policy, func(t *testing.T) {
			opts := DefaultOptions()
			opts.BadLines = policy
			b, stats, err := New(nil).Extract(context.Background(), testutil.WriteFile(t, "bad.csv", data), opts)
			require.NoError(t, err)
			assert.Equal(t, 2, b.Len())
			assert.Equal(t, 2, stats.BadLines)
			if policy == BadLinesWarn {
				assert.Len(t, stats.Warnings, 2)
			} else {
				assert.Empty(t, stats.Warnings)
			}
		})
	}

	opts := DefaultOptions()
	opts.BadLines = BadLinesError
	_, _, err := New(nil).Extract(context.Background(), testutil.WriteFile(t, "bad.csv", data), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestExtractNATokens(t *testing.T) {
	tokens := []string{"", "NA", "N/A", "n/a", "NaN", "nan", "null", "NULL", "None", "#N/A", "<NA>", "-NaN", "-nan"}
	var sb strings.Builder
	sb.WriteString("v\n")
	for _, tok := range tokens {
		sb.WriteString(`"` + tok + `"` + "\n")
	}
	sb.WriteString("kept\n")

	b, _, err := New(nil).Extract(context.Background(), testutil.WriteFile(t, "na.csv", []byte(sb.String())), DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, len(tokens)+1, b.Len())
	for i := range tokens {
		assert.Nil(t, b.Value(i, 0), "token %q", tokens[i])
	}
	assert.Equal(t, "kept", b.Value(len(tokens), 0))
}

func TestExtractLargeFileIsChunked(t *testing.T) {
	path := testutil.WriteFile(t, "big.csv", []byte("n\n1\n2\n3\n4\n5\n"))
	opts := DefaultOptions()
	opts.LargeFileThreshold = 4
	opts.ChunkSize = 2

	b, stats, err := New(nil).Extract(context.Background(), path, opts)
	require.NoError(t, err)
	assert.True(t, stats.Chunked)
	assert.Equal(t, 3, stats.Chunks)
	assert.Equal(t, 5, stats.Rows)
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, "5", b.Value(4, 0))
}

func TestChunksIterator(t *testing.T) {
	path := testutil.WriteFile(t, "big.csv", []byte("n\n1\n2\n3\n4\n5\n"))
	opts := DefaultOptions()
	opts.ChunkSize = 2

	var sizes []int
	for chunk, err := range New(nil).Chunks(context.Background(), path, opts) {
		require.NoError(t, err)
		sizes = append(sizes, chunk.Len())
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	// stopping early closes the file without error
	for chunk, err := range New(nil).Chunks(context.Background(), path, opts) {
		require.NoError(t, err)
		assert.Equal(t, 2, chunk.Len())
		break
	}
}

func TestExtractHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := New(nil).Extract(ctx, testutil.WriteFile(t, "a.csv", []byte("a\n1\n")), DefaultOptions())
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
}

func TestDetectEncoding(t *testing.T) {
	assert.Equal(t, Detection{Encoding: EncodingUTF8, Certain: true}, DetectEncoding([]byte("plain ascii"), false))
	assert.Equal(t, Detection{}, DetectEncoding([]byte{'a', 0xe9, 'b'}, false))

	// a multi-byte rune cut by the sample boundary is not evidence against UTF-8
	cut := []byte("caf\xc3\xa9 cr\xc3")
	assert.Equal(t, EncodingUTF8, DetectEncoding(cut, true).Encoding)
	assert.Empty(t, DetectEncoding(cut, false).Encoding)

	assert.Equal(t, EncodingUTF16BE, DetectEncoding([]byte{0xFE, 0xFF, 0, 'a'}, false).Encoding)
	assert.Equal(t, Detection{Encoding: EncodingUTF16LE}, DetectEncoding([]byte{'i', 0, 'd', 0}, false))
	assert.Equal(t, Detection{}, DetectEncoding([]byte{'a', 0, 0, 0, 'b', 'c', 'd', 'e'}, false))
}
