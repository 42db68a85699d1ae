package core

// text.go turns artifact bytes into parser input.
//
// Appliance files are mostly ASCII, but some are written by Windows tools
// (leading UTF-8 BOM) and some carry stray Latin-1 bytes from device
// hostnames. Both are repaired here so the parsers only ever see valid
// UTF-8:
//
//   - A leading BOM (0xEF 0xBB 0xBF) is dropped from the parser input but
//     kept in the raw text.
//   - Each invalid byte is replaced with U+FFFD and reported once per
//     artifact as an ART006 warning.

import (
	"bytes"
	"unicode/utf8"

	"github.com/JonMunkholm/ipsdiag/internal/diag"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeText returns data as valid UTF-8 text.
func DecodeText(name string, data []byte, sink *diag.Sink) string {
	data = bytes.TrimPrefix(data, utf8BOM)

	if isAllASCII(data) || utf8.Valid(data) {
		return string(data)
	}

	out, replaced := sanitizeUTF8(data)
	if sink != nil {
		sink.Artifact(name, diag.CodeInvalidEncoding, diag.SeverityWarning,
			"%d invalid UTF-8 byte(s) replaced", replaced)
	}
	return out
}

// RawText returns the text kept verbatim for an artifact: the decoded text
// with the BOM restored, so valid UTF-8 input round-trips byte for byte.
func RawText(data []byte, decoded string) string {
	if bytes.HasPrefix(data, utf8BOM) {
		return string(utf8BOM) + decoded
	}
	return decoded
}

// isAllASCII is the fast path for the common case.
func isAllASCII(data []byte) bool {
	for _, b := range data {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// sanitizeUTF8 copies data, replacing every byte that does not start a
// valid sequence with the replacement character.
func sanitizeUTF8(data []byte) (string, int) {
	var b bytes.Buffer
	b.Grow(len(data) + 8)

	replaced := 0
	for read := 0; read < len(data); {
		r, size := utf8.DecodeRune(data[read:])
		if r == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
			replaced++
			read++
			continue
		}
		b.Write(data[read : read+size])
		read += size
	}
	return b.String(), replaced
}
