package parse

import (
	"regexp"
	"strings"

	"github.com/JonMunkholm/ipsdiag/internal/diag"
)

// DefaultHeaderPatterns recognise command echoes, optionally behind a CLI
// prompt, and banner lines such as "==== Interfaces ====". A named group
// "title" selects the part of the line used as the section title.
var DefaultHeaderPatterns = []string{
	`^(?:[\w.\-]+[#>]\s*)?(?P<title>(?:show|debug|cat|ls|df|netstat|ifconfig|dmesg)\s+\S.*?)\s*$`,
	`^[=\-#*]{3,}\s*(?P<title>[^=\-#*\s].*?)\s*[=\-#*]{3,}$`,
}

var defaultHeaders = MustCompileHeaders(DefaultHeaderPatterns)

// DefaultHeaders returns the compiled DefaultHeaderPatterns.
func DefaultHeaders() []*regexp.Regexp {
	return defaultHeaders
}

// CompileHeaders compiles report header patterns.
func CompileHeaders(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// MustCompileHeaders is like CompileHeaders but panics on error.
func MustCompileHeaders(patterns []string) []*regexp.Regexp {
	out, err := CompileHeaders(patterns)
	if err != nil {
		panic(err)
	}
	return out
}

// BodyKind tags the variant held by a SectionBody.
type BodyKind string

const (
	BodyLines BodyKind = "lines"
	BodyTable BodyKind = "table"
)

// KeyValue is a "key: value" line from a plain section body.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SectionBody is either plain lines or a table. Exactly one of Lines and
// Table is meaningful, as selected by Kind.
type SectionBody struct {
	Kind  BodyKind      `json:"kind"`
	Lines []string      `json:"lines,omitempty"`
	Pairs []KeyValue    `json:"pairs,omitempty"`
	Table *GenericTable `json:"table,omitempty"`
}

// Value returns the first pair with the given key.
func (b SectionBody) Value(key string) (string, bool) {
	for _, kv := range b.Pairs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// ReportSection is one titled block of command output. Line is the header's
// source line, zero for the untitled preamble.
type ReportSection struct {
	Title string      `json:"title"`
	Line  int         `json:"line,omitempty"`
	Body  SectionBody `json:"body"`
}

// ReportOptions controls report parsing.
type ReportOptions struct {
	Artifact string

	// Headers replace DefaultHeaderPatterns when non-empty.
	Headers []*regexp.Regexp
}

// Report splits text into sections at header lines. Only lines starting in
// column zero can be headers. Text before the first header becomes a
// section titled with the artifact name.
func Report(text string, opts ReportOptions, sink *diag.Sink) []ReportSection {
	headers := opts.Headers
	if len(headers) == 0 {
		headers = defaultHeaders
	}

	var sections []ReportSection
	title := opts.Artifact
	headerLine := 0
	var body []string
	bodyStart := 1

	flush := func() {
		lines, offset := trimBlankEdges(body)
		if headerLine == 0 && len(lines) == 0 {
			return
		}
		sections = append(sections, ReportSection{
			Title: title,
			Line:  headerLine,
			Body:  sectionBody(title, lines, bodyStart+offset, opts.Artifact, sink),
		})
	}

	for n, line := range Lines(text) {
		if t, ok := MatchHeader(line, headers); ok {
			flush()
			title, headerLine = t, n
			body = nil
			bodyStart = n + 1
			continue
		}
		body = append(body, strings.TrimRight(line, " \t"))
	}
	flush()
	return sections
}

// MatchHeader returns the section title if line is a header under one of
// the patterns. Indented lines never match.
func MatchHeader(line string, headers []*regexp.Regexp) (string, bool) {
	if line == "" || line[0] == ' ' || line[0] == '\t' {
		return "", false
	}
	for _, re := range headers {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if i := re.SubexpIndex("title"); i > 0 && m[i] != "" {
			return m[i], true
		}
		return strings.TrimSpace(m[0]), true
	}
	return "", false
}

func trimBlankEdges(lines []string) ([]string, int) {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[start:end], start
}

func sectionBody(title string, lines []string, firstLine int, artifact string, sink *diag.Sink) SectionBody {
	if d, ok := consistentDelimiter(lines); ok {
		t := Table(lines, TableOptions{
			Artifact:  artifact,
			Title:     title,
			Delimiter: d,
			FirstLine: firstLine,
		}, sink)
		return SectionBody{Kind: BodyTable, Table: &t}
	}

	out := make([]string, len(lines))
	copy(out, lines)
	return SectionBody{Kind: BodyLines, Lines: out, Pairs: pairs(lines)}
}

// consistentDelimiter reports whether every non-blank line splits into the
// same number (at least two) of comma or tab separated fields, over at
// least two lines.
func consistentDelimiter(lines []string) (byte, bool) {
	for _, d := range []byte{',', '\t'} {
		width, rows := 0, 0
		ok := true
		for _, l := range lines {
			if strings.TrimSpace(l) == "" {
				continue
			}
			fields, err := SplitFields(l, d)
			if err != nil || len(fields) < 2 || (width != 0 && len(fields) != width) {
				ok = false
				break
			}
			width = len(fields)
			rows++
		}
		if ok && rows >= 2 {
			return d, true
		}
	}
	return 0, false
}

func pairs(lines []string) []KeyValue {
	var out []KeyValue
	for _, l := range lines {
		k, v, ok := strings.Cut(l, ":")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out = append(out, KeyValue{Key: k, Value: v})
	}
	return out
}
