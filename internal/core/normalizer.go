package core

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/JonMunkholm/ipsdiag/internal/diag"
	"github.com/JonMunkholm/ipsdiag/internal/parse"
	"github.com/JonMunkholm/ipsdiag/internal/registry"
	"github.com/JonMunkholm/ipsdiag/internal/schema"
)

// Normalizer classifies and parses single artifacts, and folds the parsed
// artifacts of an archive into a RecordSet.
type Normalizer struct {
	registry *registry.Registry
}

// NewNormalizer returns a Normalizer backed by reg, or by the built-in
// registry when reg is nil.
func NewNormalizer(reg *registry.Registry) *Normalizer {
	if reg == nil {
		reg = registry.Default()
	}
	return &Normalizer{registry: reg}
}

// Registry returns the registry used for classification.
func (n *Normalizer) Registry() *registry.Registry { return n.registry }

// Parsed is the output of one artifact. Only the collection matching
// Artifact.Dialect is set.
type Parsed struct {
	Artifact    Artifact
	Text        string
	Raw         string
	Events      *EventLog
	Reports     []parse.ReportSection
	Tables      []parse.GenericTable
	Series      []parse.Series
	Diagnostics []diag.Diagnostic
}

type artifactParser func(n *Normalizer, p *Parsed, sink *diag.Sink)

var parsers = map[registry.Dialect]artifactParser{
	registry.EventCsv:     parseEvents,
	registry.ReportBlock:  parseReport,
	registry.GenericStats: parseStats,
	registry.TimeSeries:   parseSeries,
}

// Parse decodes, classifies and parses one artifact. It never fails: every
// problem, including a parser panic, is returned as a diagnostic.
func (n *Normalizer) Parse(a Artifact) (p Parsed) {
	var sink diag.Sink
	text := DecodeText(a.Name, a.Data, &sink)
	raw := RawText(a.Data, text)

	m := n.registry.Classify(a.Name, head(text))
	a.Dialect, a.Entry = m.Dialect, m.Entry
	p = Parsed{Artifact: a, Text: text, Raw: raw}

	defer func() {
		if r := recover(); r != nil {
			sink.Artifact(a.Name, diag.CodeParserFailed, diag.SeverityError,
				"%s parser failed: %v", a.Dialect, r)
			p = Parsed{Artifact: a, Text: text, Raw: raw}
			p.Artifact.Dialect = registry.Unrecognized
		}
		p.Diagnostics = sink.Items()
	}()

	fn, ok := parsers[a.Dialect]
	if !ok {
		if !m.Registered() {
			sink.Artifact(a.Name, diag.CodeUnrecognized, diag.SeverityWarning,
				"no registry entry or content rule matched; kept as raw text")
		}
		return p
	}
	fn(n, &p, &sink)
	return p
}

func head(text string) []byte {
	if len(text) > registry.SniffBytes {
		text = text[:registry.SniffBytes]
	}
	return []byte(text)
}

func parseEvents(_ *Normalizer, p *Parsed, sink *diag.Sink) {
	a := p.Artifact
	opts := parse.DelimitedOptions{Artifact: a.Name}

	var ev schema.Event
	var typed bool
	if a.Entry != nil {
		opts.Delimiter = a.Entry.DelimiterByte()
		opts.Arity = a.Entry.Arity
		opts.JoinTail = a.Entry.JoinTail
		if a.Entry.Schema != "" {
			ev, typed = schema.Get(a.Entry.Schema)
		}
	}
	if typed {
		opts.Arity = ev.Arity()
	} else if opts.Arity == 0 {
		opts.Arity = inferArity(p.Text, opts.Delimiter)
	}

	log := EventLog{Columns: syntheticColumns(opts.Arity), Records: []EventRecord{}}
	if typed {
		log.Schema = ev.Key
		log.Columns = ev.Columns()
	}

	for _, rec := range parse.Delimited(p.Text, opts, sink) {
		if rec.Malformed {
			continue
		}
		fields := rec.Fields
		if typed {
			fields = ev.Normalize(fields)
			if err := ev.Validate(fields); err != nil {
				sink.Record(a.Name, rec.Line, diag.CodeTypedField, diag.SeverityError, "%v", err)
				continue
			}
		}
		log.Records = append(log.Records, EventRecord{Line: rec.Line, Fields: fields})
	}
	p.Events = &log
}

// inferArity takes the field count of the first non-blank line as the
// arity of an event log that has no registry entry.
func inferArity(text string, delim byte) int {
	if delim == 0 {
		delim = ','
	}
	for _, line := range parse.Lines(text) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields, err := parse.SplitFields(line, delim)
		if err != nil {
			return 0
		}
		return len(fields)
	}
	return 0
}

func syntheticColumns(n int) []string {
	cols := make([]string, n)
	for i := range cols {
		cols[i] = fmt.Sprintf("col%d", i)
	}
	return cols
}

func parseReport(n *Normalizer, p *Parsed, sink *diag.Sink) {
	p.Reports = parse.Report(p.Text, parse.ReportOptions{
		Artifact: p.Artifact.Name,
		Headers:  n.registry.ReportHeaders(),
	}, sink)
	if p.Reports == nil {
		p.Reports = []parse.ReportSection{}
	}
}

func parseStats(_ *Normalizer, p *Parsed, sink *diag.Sink) {
	opts := parse.TableOptions{Artifact: p.Artifact.Name}
	if e := p.Artifact.Entry; e != nil {
		opts.Delimiter = e.DelimiterByte()
		opts.Headerless = e.Headerless
	}
	p.Tables = parse.StatsTables(p.Text, opts, sink)
	if p.Tables == nil {
		p.Tables = []parse.GenericTable{}
	}
}

func parseSeries(_ *Normalizer, p *Parsed, sink *diag.Sink) {
	opts := parse.SeriesOptions{
		Artifact: p.Artifact.Name,
		Metric:   metricName(p.Artifact),
	}
	if e := p.Artifact.Entry; e != nil {
		opts.Delimiter = e.DelimiterByte()
	}
	p.Series = parse.TimeSeries(p.Text, opts, sink)
	if p.Series == nil {
		p.Series = []parse.Series{}
	}
}

// metricName prefers the registry metric and falls back to the file name
// without its extension.
func metricName(a Artifact) string {
	if a.Entry != nil && a.Entry.Metric != "" {
		return a.Entry.Metric
	}
	base := path.Base(a.Name)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}

// destination returns where an artifact is filed, or "" for raw-only
// artifacts.
func destination(a Artifact) string {
	if a.Dialect == registry.Unrecognized {
		return ""
	}
	if a.Entry != nil {
		return a.Entry.Destination
	}
	switch a.Dialect {
	case registry.EventCsv:
		return OtherEvents
	case registry.ReportBlock:
		return OtherSections
	case registry.GenericStats:
		return OtherTables
	case registry.TimeSeries:
		return OtherSeries
	}
	return ""
}

// Reduce folds parsed artifacts into a RecordSet. The result depends only
// on the archive and the set of results, not on their order.
func (n *Normalizer) Reduce(arc *Archive, results []Parsed) *RecordSet {
	rs := newRecordSet()
	var sink diag.Sink
	if arc != nil {
		rs.Format = arc.Format.String()
		for _, d := range arc.Diagnostics {
			sink.Add(d)
		}
	}

	sorted := make([]Parsed, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Artifact.Name < sorted[j].Artifact.Name
	})

	for _, p := range sorted {
		a := p.Artifact
		rs.Raw[a.Name] = p.Raw
		for _, d := range p.Diagnostics {
			sink.Add(d)
		}

		switch a.Dialect {
		case registry.EventCsv:
			if p.Events != nil {
				rs.Events[a.Name] = *p.Events
			}
		case registry.ReportBlock:
			rs.Reports[a.Name] = p.Reports
		case registry.GenericStats:
			rs.Tables[a.Name] = p.Tables
		case registry.TimeSeries:
			rs.Series[a.Name] = p.Series
		default:
			rs.Unrecognized = append(rs.Unrecognized, a.Name)
		}

		dest := destination(a)
		if dest != "" {
			rs.Destinations[dest] = append(rs.Destinations[dest], a.Name)
		}
		rs.Artifacts = append(rs.Artifacts, ArtifactInfo{
			Name:        a.Name,
			Size:        len(a.Data),
			Truncated:   a.Truncated,
			Dialect:     a.Dialect,
			Destination: dest,
		})
	}

	rs.Diagnostics = diag.Merge(&sink)
	return rs
}
