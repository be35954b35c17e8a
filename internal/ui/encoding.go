package ui

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// charsets maps canonical names (see canonicalCharset) to the single-byte
// character sets session output may be converted from.
var charsets = map[string]*charmap.Charmap{
	"ISO88591":    charmap.ISO8859_1,
	"LATIN1":      charmap.ISO8859_1,
	"ISO88592":    charmap.ISO8859_2,
	"LATIN2":      charmap.ISO8859_2,
	"ISO885915":   charmap.ISO8859_15,
	"LATIN9":      charmap.ISO8859_15,
	"WINDOWS1252": charmap.Windows1252,
	"CP1252":      charmap.Windows1252,
	"WINDOWS1251": charmap.Windows1251,
	"CP1251":      charmap.Windows1251,
	"KOI8R":       charmap.KOI8R,
	"KOI8U":       charmap.KOI8U,
}

// canonicalCharset upper-cases name and drops separators, so "koi8-r",
// "KOI8_R" and "koi8r" compare equal.
func canonicalCharset(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ', '\t':
			return -1
		}
		return r
	}, strings.ToUpper(name))
}

// lookupCharset resolves name. A nil charmap with ok set means UTF-8,
// which needs no conversion.
func lookupCharset(name string) (cm *charmap.Charmap, ok bool) {
	key := canonicalCharset(name)
	if key == "" || key == "UTF8" {
		return nil, true
	}
	cm, ok = charsets[key]
	return cm, ok
}

// SupportedEncoding reports whether session output can be shown in the
// named charset.
func SupportedEncoding(name string) bool {
	_, ok := lookupCharset(name)
	return ok
}

// charsetWriter decodes single-byte text into UTF-8. Every byte maps to
// one rune, so writes convert independently.
type charsetWriter struct {
	w   io.Writer
	dec *encoding.Decoder
}

func (cw *charsetWriter) Write(p []byte) (int, error) {
	out, err := cw.dec.Bytes(p)
	if err != nil {
		return 0, fmt.Errorf("convert output: %w", err)
	}
	if _, err := cw.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewEncodingWriter returns a writer that converts session output from
// the named charset to UTF-8 on its way to w. For UTF-8 (or "") it
// returns w.
func NewEncodingWriter(w io.Writer, name string) (io.Writer, error) {
	cm, ok := lookupCharset(name)
	switch {
	case !ok:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	case cm == nil:
		return w, nil
	}
	return &charsetWriter{w: w, dec: cm.NewDecoder()}, nil
}
