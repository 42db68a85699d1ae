package archive

import (
	"bytes"
	"errors"
	"path"
	"strconv"
	"strings"
)

// Format is the outer encoding of an archive, detected from magic bytes.
type Format int

const (
	FormatUnknown Format = iota
	FormatTar
	FormatGzip
	FormatZstd
	FormatLZ4
	FormatBzip2
	FormatZip
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatGzip:
		return "gzip"
	case FormatZstd:
		return "zstd"
	case FormatLZ4:
		return "lz4"
	case FormatBzip2:
		return "bzip2"
	case FormatZip:
		return "zip"
	default:
		return "unknown"
	}
}

const tarBlockSize = 512

var (
	magicGzip     = []byte{0x1f, 0x8b}
	magicZstd     = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4      = []byte{0x04, 0x22, 0x4d, 0x18}
	magicBzip2    = []byte("BZh")
	magicZip      = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
)

// Detect identifies the outer format of data.
func Detect(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, magicGzip):
		return FormatGzip
	case bytes.HasPrefix(data, magicZstd):
		return FormatZstd
	case bytes.HasPrefix(data, magicLZ4):
		return FormatLZ4
	case bytes.HasPrefix(data, magicBzip2):
		return FormatBzip2
	case bytes.HasPrefix(data, magicZip), bytes.HasPrefix(data, magicZipEmpty):
		return FormatZip
	case isTar(data):
		return FormatTar
	default:
		return FormatUnknown
	}
}

// isTar reports whether head starts with a ustar header or with the zero
// block that ends an empty tar stream.
func isTar(head []byte) bool {
	if len(head) >= 262 && string(head[257:262]) == "ustar" {
		return true
	}
	if len(head) < tarBlockSize {
		return false
	}
	for _, b := range head[:tarBlockSize] {
		if b != 0 {
			return false
		}
	}
	return true
}

// ErrorKind classifies container-level failures.
type ErrorKind string

const (
	UnsupportedCompression ErrorKind = "unsupported compression"
	TruncatedContainer     ErrorKind = "truncated container"
	CorruptEntry           ErrorKind = "corrupt entry"
)

// Error is an archive failure. Open and Next only return the container
// kinds; CorruptEntry values are recorded as diagnostics.
type Error struct {
	Kind ErrorKind
	Name string
	Err  error
}

func (e *Error) Error() string {
	msg := "archive: " + string(e.Kind)
	if e.Name != "" {
		msg += " " + strconv.Quote(e.Name)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrUnsafePath is returned by CleanName for names that escape the archive
// root.
var ErrUnsafePath = errors.New("unsafe archive entry path")

// CleanName normalizes an entry name to a relative slash path. Absolute
// names, drive letters and names that climb above the root are rejected.
func CleanName(name string) (string, error) {
	n := strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if n == "" || strings.HasPrefix(n, "/") || (len(n) >= 2 && n[1] == ':') {
		return "", ErrUnsafePath
	}
	clean := path.Clean(n)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrUnsafePath
	}
	return clean, nil
}
