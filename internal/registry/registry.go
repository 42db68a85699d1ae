// Package registry maps artifact names inside a support archive to the
// dialect that parses them and the destination that holds the result.
//
// The mapping is data. A default registry is embedded in the binary and can
// be replaced by a YAML file with the same shape:
//
//	report_headers:
//	  - '^(?P<title>show\s+\S.*)$'
//	artifacts:
//	  - name: audit.log
//	    dialect: event_csv
//	    destination: audit
//	    schema: audit
//
// Classification tries entries in file order, then falls back to sniffing
// the first line of content.
package registry

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/ipsdiag/internal/parse"
	"github.com/JonMunkholm/ipsdiag/internal/schema"
)

// SniffBytes is how much of an artifact Classify needs to see.
const SniffBytes = 4096

// MinEventFields is the field count at which an unregistered comma
// separated first line is taken for an event log.
const MinEventFields = 4

//go:embed default_registry.yaml
var defaultRegistry []byte

// Entry is one artifact rule. Exactly one of Name, Prefix and Glob is set.
type Entry struct {
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Glob   string `yaml:"glob,omitempty" json:"glob,omitempty"`

	Dialect     Dialect `yaml:"dialect" json:"dialect"`
	Destination string  `yaml:"destination,omitempty" json:"destination,omitempty"`

	// Event logs.
	Schema   string `yaml:"schema,omitempty" json:"schema,omitempty"`
	Arity    int    `yaml:"arity,omitempty" json:"arity,omitempty"`
	JoinTail bool   `yaml:"join_tail,omitempty" json:"join_tail,omitempty"`

	// Tables and series.
	Delimiter  string `yaml:"delimiter,omitempty" json:"delimiter,omitempty"`
	Headerless bool   `yaml:"headerless,omitempty" json:"headerless,omitempty"`
	Metric     string `yaml:"metric,omitempty" json:"metric,omitempty"`
}

// Pattern returns whichever of Name, Prefix or Glob is set.
func (e Entry) Pattern() string {
	switch {
	case e.Name != "":
		return e.Name
	case e.Prefix != "":
		return e.Prefix + "*"
	default:
		return e.Glob
	}
}

var delimiters = map[string]byte{
	"":           0,
	"tab":        '\t',
	"comma":      ',',
	"pipe":       '|',
	"whitespace": parse.WhitespaceRun,
}

// DelimiterByte returns the parser delimiter for the entry, zero to sniff.
func (e Entry) DelimiterByte() byte {
	return delimiters[e.Delimiter]
}

func (e Entry) matches(candidates []string) bool {
	for _, c := range candidates {
		switch {
		case e.Name != "":
			if c == strings.ToLower(e.Name) {
				return true
			}
		case e.Prefix != "":
			if strings.HasPrefix(c, strings.ToLower(e.Prefix)) {
				return true
			}
		default:
			if ok, _ := path.Match(strings.ToLower(e.Glob), c); ok {
				return true
			}
		}
	}
	return false
}

func (e Entry) validate() error {
	set := 0
	for _, s := range []string{e.Name, e.Prefix, e.Glob} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return errors.New("exactly one of name, prefix, glob is required")
	}
	if e.Glob != "" {
		if _, err := path.Match(e.Glob, ""); err != nil {
			return fmt.Errorf("glob %q: %w", e.Glob, err)
		}
	}
	if e.Dialect != Unrecognized && e.Destination == "" {
		return errors.New("destination is required")
	}
	if _, ok := delimiters[e.Delimiter]; !ok {
		return fmt.Errorf("unknown delimiter %q (want tab, comma, pipe or whitespace)", e.Delimiter)
	}
	if e.Schema != "" {
		if e.Dialect != EventCsv {
			return fmt.Errorf("schema %q on a %s entry", e.Schema, e.Dialect)
		}
		if _, ok := schema.Get(e.Schema); !ok {
			return fmt.Errorf("unknown schema %q", e.Schema)
		}
	}
	if e.Arity < 0 {
		return fmt.Errorf("arity %d is negative", e.Arity)
	}
	return nil
}

// File is the on-disk shape of a registry.
type File struct {
	ReportHeaders []string `yaml:"report_headers,omitempty" json:"report_headers,omitempty"`
	Artifacts     []Entry  `yaml:"artifacts" json:"artifacts"`
}

// Registry is an immutable, validated artifact table. It is safe for
// concurrent use.
type Registry struct {
	file    File
	headers []*regexp.Regexp
}

// New validates f and builds a registry from it. All problems are reported
// together.
func New(f File) (*Registry, error) {
	var errs []error
	for i, e := range f.Artifacts {
		if err := e.validate(); err != nil {
			errs = append(errs, fmt.Errorf("artifacts[%d] (%s): %w", i, e.Pattern(), err))
		}
	}

	headers := parse.DefaultHeaders()
	if len(f.ReportHeaders) > 0 {
		compiled, err := parse.CompileHeaders(f.ReportHeaders)
		if err != nil {
			errs = append(errs, fmt.Errorf("report_headers: %w", err))
		}
		headers = compiled
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid registry: %w", errors.Join(errs...))
	}
	return &Registry{file: f, headers: headers}, nil
}

// Parse decodes a YAML registry. Unknown keys are rejected so that a typo
// does not silently disable an entry.
func Parse(data []byte) (*Registry, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return New(f)
}

// Load reads a registry file. An empty path returns the default registry.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(data)
}

var defaultOnce = sync.OnceValue(func() *Registry {
	r, err := Parse(defaultRegistry)
	if err != nil {
		panic(fmt.Sprintf("embedded registry: %v", err))
	}
	return r
})

// Default returns the embedded registry.
func Default() *Registry {
	return defaultOnce()
}

// File returns a copy of the registry's contents.
func (r *Registry) File() File {
	f := r.file
	f.ReportHeaders = append([]string(nil), r.file.ReportHeaders...)
	f.Artifacts = append([]Entry(nil), r.file.Artifacts...)
	return f
}

// Entries returns the artifact rules in match order.
func (r *Registry) Entries() []Entry {
	return append([]Entry(nil), r.file.Artifacts...)
}

// ReportHeaders returns the compiled section header patterns.
func (r *Registry) ReportHeaders() []*regexp.Regexp {
	return r.headers
}

// Match is the outcome of classifying one artifact. Entry is nil when the
// dialect came from content sniffing or nothing matched.
type Match struct {
	Dialect Dialect
	Entry   *Entry
}

// Registered reports whether a registry entry matched by name.
func (m Match) Registered() bool { return m.Entry != nil }

// Classify resolves the dialect of an artifact from its name, then from the
// first non-blank line of head. It does no I/O.
func (r *Registry) Classify(name string, head []byte) Match {
	candidates := nameCandidates(name)
	for i := range r.file.Artifacts {
		e := &r.file.Artifacts[i]
		if e.matches(candidates) {
			entry := *e
			return Match{Dialect: e.Dialect, Entry: &entry}
		}
	}
	return Match{Dialect: r.sniff(head)}
}

func (r *Registry) sniff(head []byte) Dialect {
	line := firstLine(head)
	if line == "" {
		return Unrecognized
	}
	if _, ok := parse.MatchHeader(line, r.headers); ok {
		return ReportBlock
	}
	fields, err := parse.SplitFields(line, ',')
	if err != nil {
		fields = strings.Split(line, ",")
	}
	if len(fields) >= MinEventFields {
		return EventCsv
	}
	return Unrecognized
}

// nameCandidates returns the lower-cased path and each of its suffixes
// that start after a slash, so "bundle/rrd/cpuutil" also matches rules
// written for "rrd/cpuutil" and "cpuutil".
func nameCandidates(name string) []string {
	name = strings.ToLower(strings.TrimPrefix(name, "./"))
	out := []string{name}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' && i+1 < len(name) {
			out = append(out, name[i+1:])
		}
	}
	return out
}

func firstLine(head []byte) string {
	for len(head) > 0 {
		line := head
		if i := bytes.IndexByte(head, '\n'); i >= 0 {
			line, head = head[:i], head[i+1:]
		} else {
			head = nil
		}
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) > 0 {
			return string(line)
		}
	}
	return ""
}
