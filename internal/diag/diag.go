// Package diag collects recoverable parse problems.
//
// Every stage of the pipeline receives a Sink, appends to it, and hands it
// back to its caller. Nothing in this package is global: a run owns its
// sinks, and workers each own one so appends never need a lock. The
// reducer merges them with Merge, which also fixes the final ordering.
package diag

import (
	"fmt"
	"sort"
)

// Kind is the scope an error applies to.
type Kind string

const (
	// KindArchive covers the container as a whole.
	KindArchive Kind = "archive"
	// KindArtifact covers a single extracted file.
	KindArtifact Kind = "artifact"
	// KindRecord covers a single line, row, or point.
	KindRecord Kind = "record"
)

// Severity classifies how much data was lost.
type Severity int

const (
	// SeverityWarning means data was kept but adjusted (padded, truncated).
	SeverityWarning Severity = iota
	// SeverityError means data was excluded from typed output.
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the severity by name for JSON and CBOR output.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name written by MarshalText.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "warning":
		*s = SeverityWarning
	case "error":
		*s = SeverityError
	default:
		return fmt.Errorf("unknown severity %q", b)
	}
	return nil
}

// Diagnostic codes. The prefix names the Kind.
const (
	CodeTruncatedContainer = "ARC001"
	CodeArchiveTooLarge    = "ARC002"
	CodeEmptyArchive       = "ARC003"

	CodeCorruptEntry    = "ART001"
	CodeOversized       = "ART002"
	CodeUnrecognized    = "ART003"
	CodeUnsafePath      = "ART004"
	CodeDuplicateName   = "ART005"
	CodeInvalidEncoding = "ART006"
	CodeParserFailed    = "ART007"
	CodeSpecialEntry    = "ART008"

	CodeFieldCount        = "REC001"
	CodeUnterminatedQuote = "REC002"
	CodeNotNumeric        = "REC003"
	CodeRowPadded         = "REC004"
	CodeRowTruncated      = "REC005"
	CodeTypedField        = "REC006"
	CodeDuplicateHeader   = "REC007"
	CodeFieldsJoined      = "REC008"
)

// Diagnostic is one recoverable problem. Line is 1-based and zero when the
// problem is not tied to a line.
type Diagnostic struct {
	Artifact string   `json:"artifact"`
	Line     int      `json:"line,omitempty"`
	Kind     Kind     `json:"kind"`
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("[%s %s] %s:%d: %s", d.Severity, d.Code, d.Artifact, d.Line, d.Reason)
	}
	return fmt.Sprintf("[%s %s] %s: %s", d.Severity, d.Code, d.Artifact, d.Reason)
}

// Sink is an append-only diagnostics accumulator. The zero value is ready
// to use. A Sink is not safe for concurrent use; give each goroutine its own.
type Sink struct {
	items []Diagnostic
}

// Add appends d.
func (s *Sink) Add(d Diagnostic) {
	s.items = append(s.items, d)
}

// Archive records a container-level problem.
func (s *Sink) Archive(code, format string, args ...any) {
	s.Add(Diagnostic{Kind: KindArchive, Code: code, Severity: SeverityError, Reason: fmt.Sprintf(format, args...)})
}

// Artifact records a problem scoped to one artifact.
func (s *Sink) Artifact(name, code string, sev Severity, format string, args ...any) {
	s.Add(Diagnostic{Artifact: name, Kind: KindArtifact, Code: code, Severity: sev, Reason: fmt.Sprintf(format, args...)})
}

// Record records a problem scoped to one line of an artifact.
func (s *Sink) Record(name string, line int, code string, sev Severity, format string, args ...any) {
	s.Add(Diagnostic{Artifact: name, Line: line, Kind: KindRecord, Code: code, Severity: sev, Reason: fmt.Sprintf(format, args...)})
}

// Len returns the number of collected diagnostics.
func (s *Sink) Len() int {
	return len(s.items)
}

// Items returns a copy of the collected diagnostics in append order.
func (s *Sink) Items() []Diagnostic {
	out := make([]Diagnostic, len(s.items))
	copy(out, s.items)
	return out
}

// Merge concatenates the sinks and sorts the result so that the output does
// not depend on which worker finished first. Archive-level entries (empty
// artifact name) sort first; ties keep their append order.
func Merge(sinks ...*Sink) []Diagnostic {
	n := 0
	for _, s := range sinks {
		if s != nil {
			n += len(s.items)
		}
	}
	out := make([]Diagnostic, 0, n)
	for _, s := range sinks {
		if s != nil {
			out = append(out, s.items...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Artifact != out[j].Artifact {
			return out[i].Artifact < out[j].Artifact
		}
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// Count returns how many diagnostics of the given kind are in ds.
func Count(ds []Diagnostic, kind Kind) int {
	n := 0
	for _, d := range ds {
		if d.Kind == kind {
			n++
		}
	}
	return n
}
