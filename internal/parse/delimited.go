package parse

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/JonMunkholm/ipsdiag/internal/diag"
)

var errUnterminatedQuote = errors.New("unterminated quoted field")

// DelimitedRecord is one line of a delimited event log.
type DelimitedRecord struct {
	Line      int      `json:"line"`
	Fields    []string `json:"fields"`
	Malformed bool     `json:"malformed,omitempty"`
	Reason    string   `json:"reason,omitempty"`

	// Joined counts the surplus fields folded into the last column.
	Joined int `json:"joined,omitempty"`
}

// DelimitedOptions controls delimited parsing. The zero value splits on
// commas and accepts any field count.
type DelimitedOptions struct {
	// Artifact names the source in diagnostics.
	Artifact string

	// Delimiter separates fields (default ',').
	Delimiter byte

	// Arity is the expected field count. Zero accepts any count.
	Arity int

	// JoinTail folds surplus fields back into the last column instead of
	// rejecting the line. Off unless a registry entry asks for it; every
	// fold is reported as a warning.
	JoinTail bool
}

func (o DelimitedOptions) delimiter() byte {
	if o.Delimiter == 0 {
		return ','
	}
	return o.Delimiter
}

// Delimited parses every line of text. Malformed records are returned with
// Malformed set and are also reported to sink; callers building typed
// output must skip them. Folded records are kept and reported as warnings.
func Delimited(text string, opts DelimitedOptions, sink *diag.Sink) []DelimitedRecord {
	var out []DelimitedRecord
	for rec := range Records(text, opts) {
		if sink != nil {
			switch {
			case rec.Malformed:
				code := diag.CodeFieldCount
				if strings.Contains(rec.Reason, errUnterminatedQuote.Error()) {
					code = diag.CodeUnterminatedQuote
				}
				sink.Record(opts.Artifact, rec.Line, code, diag.SeverityError, "%s", rec.Reason)
			case rec.Joined > 0:
				sink.Record(opts.Artifact, rec.Line, diag.CodeFieldsJoined, diag.SeverityWarning,
					"expected %d fields, got %d; surplus joined into the last column",
					opts.Arity, opts.Arity+rec.Joined)
			}
		}
		out = append(out, rec)
	}
	return out
}

// Records yields one record per non-blank line. The sequence can be ranged
// over any number of times; each pass rescans text.
func Records(text string, opts DelimitedOptions) iter.Seq[DelimitedRecord] {
	return func(yield func(DelimitedRecord) bool) {
		for lineNo, line := range Lines(text) {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !yield(parseRecord(line, lineNo, opts)) {
				return
			}
		}
	}
}

func parseRecord(line string, lineNo int, opts DelimitedOptions) DelimitedRecord {
	rec := DelimitedRecord{Line: lineNo}
	fields, err := SplitFields(line, opts.delimiter())
	if err != nil {
		rec.Malformed = true
		rec.Reason = err.Error()
		rec.Fields = []string{line}
		return rec
	}

	if opts.Arity > 0 && len(fields) != opts.Arity {
		if opts.JoinTail && len(fields) > opts.Arity {
			rec.Joined = len(fields) - opts.Arity
			tail := strings.Join(fields[opts.Arity-1:], string(opts.delimiter()))
			fields = append(fields[:opts.Arity-1:opts.Arity-1], tail)
		} else {
			rec.Malformed = true
			rec.Reason = fmt.Sprintf("expected %d fields, got %d", opts.Arity, len(fields))
			rec.Fields = fields
			return rec
		}
	}
	rec.Fields = fields
	return rec
}

// SplitFields tokenizes one line. A field that begins with a double quote
// runs to the next unescaped quote; "" inside it is a literal quote. Text
// between a closing quote and the next delimiter is kept as is. Quotes
// anywhere else are ordinary characters.
func SplitFields(line string, delim byte) ([]string, error) {
	fields := make([]string, 0, 8)
	i := 0
	for {
		if i < len(line) && line[i] == '"' {
			var b strings.Builder
			j := i + 1
			closed := false
			for j < len(line) {
				c := line[j]
				if c == '"' {
					if j+1 < len(line) && line[j+1] == '"' {
						b.WriteByte('"')
						j += 2
						continue
					}
					closed = true
					j++
					break
				}
				b.WriteByte(c)
				j++
			}
			if !closed {
				return nil, fmt.Errorf("%w starting at column %d", errUnterminatedQuote, i+1)
			}
			k := strings.IndexByte(line[j:], delim)
			if k < 0 {
				b.WriteString(line[j:])
				return append(fields, b.String()), nil
			}
			b.WriteString(line[j : j+k])
			fields = append(fields, b.String())
			i = j + k + 1
			continue
		}

		k := strings.IndexByte(line[i:], delim)
		if k < 0 {
			return append(fields, line[i:]), nil
		}
		fields = append(fields, line[i:i+k])
		i += k + 1
	}
}

// EncodeRecord is the inverse of SplitFields for fields without line breaks.
func EncodeRecord(fields []string, delim byte) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(delim)
		}
		if needsQuote(f, delim) {
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(f, `"`, `""`))
			b.WriteByte('"')
			continue
		}
		b.WriteString(f)
	}
	return b.String()
}

func needsQuote(f string, delim byte) bool {
	if f == "" {
		return false
	}
	return f[0] == '"' || strings.IndexByte(f, delim) >= 0
}

// Lines yields 1-based line numbers and lines with any trailing carriage
// return removed. A final newline does not produce an extra empty line.
func Lines(text string) iter.Seq2[int, string] {
	return func(yield func(int, string) bool) {
		rest := text
		n := 0
		for len(rest) > 0 {
			n++
			line := rest
			if i := strings.IndexByte(rest, '\n'); i >= 0 {
				line, rest = rest[:i], rest[i+1:]
			} else {
				rest = ""
			}
			if !yield(n, strings.TrimSuffix(line, "\r")) {
				return
			}
		}
	}
}
