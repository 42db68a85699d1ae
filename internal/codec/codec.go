// Package codec encodes record sets for the outer surfaces.
//
// JSON is the default. CBOR uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding and no
// indefinite-length items, so the same record set always produces the
// same bytes. Types carry json tags only; the CBOR encoder falls back to
// them.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Format is an output encoding.
type Format string

const (
	JSON Format = "json"
	CBOR Format = "cbor"
)

// ParseFormat accepts "json" or "cbor" in any case. The empty string is
// JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return "", fmt.Errorf("unknown format %q (want json or cbor)", s)
	}
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == CBOR {
		return "application/cbor"
	}
	return "application/json"
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Dialect and Severity encode by name, matching JSON.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalCBOR encodes v with Core Deterministic Encoding.
func MarshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCBOR decodes CBOR data into v.
func UnmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Marshal encodes v in format f. JSON output is indented when indent is
// set; CBOR ignores it.
func Marshal(f Format, v any, indent bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, f, v, indent); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes v to w in format f.
func Encode(w io.Writer, f Format, v any, indent bool) error {
	switch f {
	case CBOR:
		if err := encMode.NewEncoder(w).Encode(v); err != nil {
			return fmt.Errorf("encode cbor: %w", err)
		}
	case JSON, "":
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		if indent {
			enc.SetIndent("", "  ")
		}
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
	default:
		return fmt.Errorf("unknown format %q", f)
	}
	return nil
}
