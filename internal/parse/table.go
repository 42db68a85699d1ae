package parse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/JonMunkholm/ipsdiag/internal/diag"
)

// WhitespaceRun as a delimiter splits on runs of two or more spaces or tabs,
// which is how column-aligned "show" output separates cells.
const WhitespaceRun byte = ' '

var whitespaceRun = regexp.MustCompile(`[ \t]{2,}`)

// GenericTable is a titled grid of text cells. Every row has exactly
// len(Headers) cells.
type GenericTable struct {
	Title   string     `json:"title,omitempty"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Column returns the index of the named header, or -1.
func (t GenericTable) Column(name string) int {
	for i, h := range t.Headers {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

// TableOptions controls table parsing.
type TableOptions struct {
	Artifact string
	Title    string

	// Delimiter is one of '\t', ',', '|', WhitespaceRun, or zero to sniff.
	Delimiter byte

	// Headerless generates col0..colN instead of reading a header line.
	Headerless bool

	// FirstLine is the 1-based source line of lines[0], so diagnostics
	// point back into the artifact. Zero means 1.
	FirstLine int
}

// Table parses a run of tabular lines. Blank lines are ignored. Rows that
// do not match the header width are padded or truncated and reported to
// sink as warnings.
func Table(lines []string, opts TableOptions, sink *diag.Sink) GenericTable {
	first := opts.FirstLine
	if first <= 0 {
		first = 1
	}
	delim := opts.Delimiter
	if delim == 0 {
		delim = SniffDelimiter(lines)
	}

	type sourceRow struct {
		line  int
		cells []string
	}
	var rows []sourceRow
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rows = append(rows, sourceRow{line: first + i, cells: splitCells(line, delim)})
	}

	table := GenericTable{Title: opts.Title, Headers: []string{}, Rows: [][]string{}}
	if len(rows) == 0 {
		return table
	}

	if opts.Headerless {
		width := 0
		for _, r := range rows {
			width = max(width, len(r.cells))
		}
		for i := 0; i < width; i++ {
			table.Headers = append(table.Headers, fmt.Sprintf("col%d", i))
		}
	} else {
		table.Headers = uniqueHeaders(rows[0].cells, func(i int, from, to string) {
			if sink != nil && from != "" {
				sink.Record(opts.Artifact, rows[0].line, diag.CodeDuplicateHeader, diag.SeverityWarning,
					"duplicate header %q in column %d renamed to %q", from, i, to)
			}
		})
		rows = rows[1:]
	}

	width := len(table.Headers)
	for _, r := range rows {
		cells := r.cells
		switch {
		case len(cells) < width:
			if sink != nil {
				sink.Record(opts.Artifact, r.line, diag.CodeRowPadded, diag.SeverityWarning,
					"row has %d cells, header has %d; padded", len(cells), width)
			}
			padded := make([]string, width)
			copy(padded, cells)
			cells = padded
		case len(cells) > width:
			if sink != nil {
				sink.Record(opts.Artifact, r.line, diag.CodeRowTruncated, diag.SeverityWarning,
					"row has %d cells, header has %d; truncated", len(cells), width)
			}
			cells = cells[:width:width]
		}
		table.Rows = append(table.Rows, cells)
	}
	return table
}

// uniqueHeaders trims header cells, names empty ones colN and suffixes
// repeated ones with their column index. renamed is called for every
// header that had to change.
func uniqueHeaders(cells []string, renamed func(i int, from, to string)) []string {
	out := make([]string, len(cells))
	seen := make(map[string]bool, len(cells))
	for i, c := range cells {
		name := strings.TrimSpace(c)
		if name == "" {
			name = fmt.Sprintf("col%d", i)
		}
		if seen[name] {
			orig := name
			name = fmt.Sprintf("%s_%d", orig, i)
			for n := 2; seen[name]; n++ {
				name = fmt.Sprintf("%s_%d_%d", orig, i, n)
			}
			renamed(i, orig, name)
		}
		seen[name] = true
		out[i] = name
	}
	return out
}

// SniffDelimiter picks the delimiter from the first non-blank line: tab,
// comma, then pipe, then aligned whitespace. It returns zero when the line
// has a single column under all of them.
func SniffDelimiter(lines []string) byte {
	var head string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			head = l
			break
		}
	}
	for _, d := range []byte{'\t', ',', '|'} {
		if len(splitCells(head, d)) >= 2 {
			return d
		}
	}
	if len(splitCells(head, WhitespaceRun)) >= 2 {
		return WhitespaceRun
	}
	return 0
}

func splitCells(line string, delim byte) []string {
	var cells []string
	switch delim {
	case 0:
		cells = []string{line}
	case WhitespaceRun:
		cells = whitespaceRun.Split(strings.TrimSpace(line), -1)
	case '|':
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimPrefix(trimmed, "|")
		trimmed = strings.TrimSuffix(trimmed, "|")
		cells = strings.Split(trimmed, "|")
	default:
		var err error
		cells, err = SplitFields(line, delim)
		if err != nil {
			cells = strings.Split(line, string(delim))
		}
	}
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

// StatsTables parses a statistics artifact made of blank-line separated
// blocks. A block whose first line is a single cell followed by a wider
// line is titled by that first line.
func StatsTables(text string, opts TableOptions, sink *diag.Sink) []GenericTable {
	var tables []GenericTable
	var block []string
	blockStart := 0

	flush := func() {
		if len(block) == 0 {
			return
		}
		o := opts
		o.FirstLine = blockStart
		lines := block
		if len(lines) >= 2 {
			d := opts.Delimiter
			if d == 0 {
				d = SniffDelimiter(lines[1:])
			}
			if len(splitCells(lines[0], d)) == 1 && len(splitCells(lines[1], d)) >= 2 {
				o.Title = strings.TrimSpace(lines[0])
				o.Delimiter = d
				o.FirstLine = blockStart + 1
				lines = lines[1:]
			}
		}
		tables = append(tables, Table(lines, o, sink))
		block = nil
	}

	for n, line := range Lines(text) {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if len(block) == 0 {
			blockStart = n
		}
		block = append(block, line)
	}
	flush()
	return tables
}
