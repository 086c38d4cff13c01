package extract

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ajitpratap0/flatetl/pkg/errors"
)

// Canonical encoding names reported in Stats
const (
	EncodingUTF8    = "utf-8"
	EncodingUTF16LE = "utf-16le"
	EncodingUTF16BE = "utf-16be"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// Detection is the result of probing a byte sample.
type Detection struct {
	// Encoding is the canonical name of the detected encoding, or empty when
	// the sample was inconclusive
	Encoding string
	// Certain is true when a byte-order mark decided the encoding or the
	// sample was valid UTF-8 without NUL bytes
	Certain bool
	// BOM is true when the sample starts with a byte-order mark
	BOM bool
}

// DetectEncoding probes sample. truncated reports whether the sample stops
// before the end of the file, in which case a multi-byte rune split by the
// cut is ignored.
func DetectEncoding(sample []byte, truncated bool) Detection {
	switch {
	case bytes.HasPrefix(sample, bomUTF8):
		return Detection{Encoding: EncodingUTF8, Certain: true, BOM: true}
	case bytes.HasPrefix(sample, bomUTF16LE):
		return Detection{Encoding: EncodingUTF16LE, Certain: true, BOM: true}
	case bytes.HasPrefix(sample, bomUTF16BE):
		return Detection{Encoding: EncodingUTF16BE, Certain: true, BOM: true}
	}

	// NUL never appears in delimited text, but every ASCII character of
	// BOM-less UTF-16 carries one.
	if bytes.IndexByte(sample, 0) >= 0 {
		return Detection{Encoding: utf16Order(sample)}
	}

	if truncated {
		sample = trimPartialRune(sample)
	}
	if utf8.Valid(sample) {
		return Detection{Encoding: EncodingUTF8, Certain: true}
	}
	return Detection{}
}

// utf16Order guesses the byte order of BOM-less UTF-16 from where the NUL
// high bytes of ASCII characters fall. It returns "" unless at least half
// of the code units follow one order.
func utf16Order(sample []byte) string {
	var le, be int
	units := len(sample) / 2
	for i := 0; i+1 < len(sample); i += 2 {
		switch {
		case sample[i] != 0 && sample[i+1] == 0:
			le++
		case sample[i] == 0 && sample[i+1] != 0:
			be++
		}
	}
	switch {
	case le*2 >= units && le > be:
		return EncodingUTF16LE
	case be*2 >= units && be > le:
		return EncodingUTF16BE
	}
	return ""
}

// trimPartialRune drops an incomplete rune at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		start := len(b) - i
		if utf8.RuneStart(b[start]) {
			if !utf8.FullRune(b[start:]) {
				return b[:start]
			}
			return b
		}
	}
	return b
}

// lookupEncoding resolves a WHATWG label to an encoding and its canonical
// name. Unknown labels are a config error.
func lookupEncoding(label string) (encoding.Encoding, string, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	switch label {
	case EncodingUTF8, "utf8":
		return unicode.UTF8, EncodingUTF8, nil
	case EncodingUTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), EncodingUTF16LE, nil
	case EncodingUTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), EncodingUTF16BE, nil
	}
	enc, name := charset.Lookup(label)
	if enc == nil {
		return nil, "", errors.Newf(errors.ErrorTypeConfig, "unknown encoding %q", label).
			WithDetail("encoding", label)
	}
	return enc, name, nil
}

// decoder wraps r so it yields UTF-8. A leading byte-order mark is always
// stripped, and when present it overrides the requested encoding. UTF-8
// input is validated rather than silently repaired.
func decoder(r io.Reader, enc encoding.Encoding, name string) io.Reader {
	var fallback transform.Transformer
	if name == EncodingUTF8 {
		fallback = encoding.UTF8Validator
	} else {
		fallback = enc.NewDecoder()
	}
	return transform.NewReader(r, unicode.BOMOverride(fallback))
}
