package core

import (
	"github.com/JonMunkholm/ipsdiag/internal/archive"
	"github.com/JonMunkholm/ipsdiag/internal/diag"
	"github.com/JonMunkholm/ipsdiag/internal/parse"
	"github.com/JonMunkholm/ipsdiag/internal/registry"
)

// Artifact is one file extracted from an archive. Dialect and Entry are
// zero until the artifact has been classified.
type Artifact struct {
	Name      string
	Data      []byte
	Truncated bool

	Dialect registry.Dialect
	Entry   *registry.Entry
}

// Archive is the extracted content of one submission. It is built once by
// Extract and not modified afterwards.
type Archive struct {
	Format      archive.Format
	Size        int64
	Artifacts   []Artifact
	Diagnostics []diag.Diagnostic
}

// Destination fallbacks for artifacts that were recognized by content but
// have no registry entry.
const (
	OtherEvents   = "other_events"
	OtherSections = "other_sections"
	OtherTables   = "other_tables"
	OtherSeries   = "other_series"
)

// EventLog is the typed content of one delimited event log.
type EventLog struct {
	Schema  string        `json:"schema,omitempty"`
	Columns []string      `json:"columns"`
	Records []EventRecord `json:"records"`
}

// EventRecord is one well-formed line of an event log.
type EventRecord struct {
	Line   int      `json:"line"`
	Fields []string `json:"fields"`
}

// ArtifactInfo summarizes how one artifact was handled.
type ArtifactInfo struct {
	Name        string           `json:"name"`
	Size        int              `json:"size"`
	Truncated   bool             `json:"truncated,omitempty"`
	Dialect     registry.Dialect `json:"dialect"`
	Destination string           `json:"destination,omitempty"`
}

// RecordSet is the normalized result of one archive. Every map and slice
// is non-nil so that encoders emit empty collections instead of null.
type RecordSet struct {
	Format       string                           `json:"format"`
	Artifacts    []ArtifactInfo                   `json:"artifacts"`
	Events       map[string]EventLog              `json:"events"`
	Reports      map[string][]parse.ReportSection `json:"reports"`
	Tables       map[string][]parse.GenericTable  `json:"tables"`
	Series       map[string][]parse.Series        `json:"series"`
	Unrecognized []string                         `json:"unrecognized"`

	// Raw holds the decoded text of every artifact, keyed by name.
	Raw map[string]string `json:"raw"`

	// Destinations maps a registry destination to the artifacts filed
	// under it, in name order.
	Destinations map[string][]string `json:"destinations"`

	Diagnostics []diag.Diagnostic `json:"diagnostics"`
}

func newRecordSet() *RecordSet {
	return &RecordSet{
		Artifacts:    []ArtifactInfo{},
		Events:       map[string]EventLog{},
		Reports:      map[string][]parse.ReportSection{},
		Tables:       map[string][]parse.GenericTable{},
		Series:       map[string][]parse.Series{},
		Unrecognized: []string{},
		Raw:          map[string]string{},
		Destinations: map[string][]string{},
		Diagnostics:  []diag.Diagnostic{},
	}
}

// Destination returns the artifacts filed under dest.
func (rs *RecordSet) Destination(dest string) []string {
	return rs.Destinations[dest]
}

// Counts summarizes a record set for logs and status responses.
type Counts struct {
	Artifacts    int `json:"artifacts"`
	Events       int `json:"events"`
	Sections     int `json:"sections"`
	Tables       int `json:"tables"`
	Series       int `json:"series"`
	Unrecognized int `json:"unrecognized"`
	Diagnostics  int `json:"diagnostics"`
}

// Counts returns the number of items in each collection.
func (rs *RecordSet) Counts() Counts {
	c := Counts{
		Artifacts:    len(rs.Artifacts),
		Unrecognized: len(rs.Unrecognized),
		Diagnostics:  len(rs.Diagnostics),
	}
	for _, log := range rs.Events {
		c.Events += len(log.Records)
	}
	for _, sections := range rs.Reports {
		c.Sections += len(sections)
	}
	for _, tables := range rs.Tables {
		c.Tables += len(tables)
	}
	for _, series := range rs.Series {
		c.Series += len(series)
	}
	return c
}
