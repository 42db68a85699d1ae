package parse

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/JonMunkholm/ipsdiag/internal/diag"
)

// Point is one sample. Ordinal is the 0-based position of the source line
// among the data lines, so a rejected line leaves a gap instead of shifting
// later points.
type Point struct {
	Ordinal int     `json:"ordinal"`
	Value   float64 `json:"value"`
}

// Series is the ordered samples of one metric.
type Series struct {
	Metric string  `json:"metric"`
	Points []Point `json:"points"`
}

// SeriesOptions controls time-series parsing.
type SeriesOptions struct {
	Artifact string

	// Metric names a single-column series and prefixes generated column
	// names. Defaults to "value".
	Metric string

	// Delimiter separates columns. Zero sniffs comma, tab, then
	// whitespace from the first non-blank line.
	Delimiter byte
}

// TimeSeries parses a numeric dump with one value per line, or one value per
// column. In a dump of two or more columns, a first line made only of
// non-numeric cells names the columns. A single-column dump has no header:
// its first line is data like any other.
// Values may carry a trailing percent sign. Blank lines produce no point but
// still advance the ordinal.
func TimeSeries(text string, opts SeriesOptions, sink *diag.Sink) []Series {
	metric := opts.Metric
	if metric == "" {
		metric = "value"
	}

	var (
		split   func(string) []string
		series  []Series
		started bool
		ordinal int
	)

	for n, line := range Lines(text) {
		if !started {
			if strings.TrimSpace(line) == "" {
				continue
			}
			split = seriesSplitter(line, opts.Delimiter)
			cells := split(line)
			header := len(cells) >= 2 && allNonNumeric(cells)
			series = make([]Series, len(cells))
			for i := range series {
				series[i].Points = []Point{}
				switch {
				case header && cells[i] != "":
					series[i].Metric = cells[i]
				case len(cells) == 1:
					series[i].Metric = metric
				default:
					series[i].Metric = fmt.Sprintf("%s_col%d", metric, i)
				}
			}
			started = true
			if header {
				continue
			}
		}

		ord := ordinal
		ordinal++
		if strings.TrimSpace(line) == "" {
			continue
		}

		cells := split(line)
		for i := range series {
			if i >= len(cells) {
				recordNotNumeric(sink, opts.Artifact, n, ord, series[i].Metric, "missing value")
				continue
			}
			v, err := parseValue(cells[i])
			if err != nil {
				recordNotNumeric(sink, opts.Artifact, n, ord, series[i].Metric, err.Error())
				continue
			}
			series[i].Points = append(series[i].Points, Point{Ordinal: ord, Value: v})
		}
	}
	return series
}

func recordNotNumeric(sink *diag.Sink, artifact string, line, ordinal int, metric, reason string) {
	if sink == nil {
		return
	}
	sink.Record(artifact, line, diag.CodeNotNumeric, diag.SeverityError,
		"%s at ordinal %d: %s", metric, ordinal, reason)
}

func seriesSplitter(first string, delim byte) func(string) []string {
	if delim == 0 {
		switch {
		case strings.IndexByte(first, ',') >= 0:
			delim = ','
		case strings.IndexByte(first, '\t') >= 0:
			delim = '\t'
		}
	}
	if delim == 0 {
		return strings.Fields
	}
	return func(line string) []string {
		cells := strings.Split(line, string(delim))
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		return cells
	}
}

// allNonNumeric reports whether no cell parses as a float. NaN and Inf
// count as numeric here so that a leading "NaN" is data, not a header.
func allNonNumeric(cells []string) bool {
	for _, c := range cells {
		c = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(c), "%"))
		if _, err := strconv.ParseFloat(c, 64); err == nil {
			return false
		}
	}
	return true
}

func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	if s == "" {
		return 0, errors.New("empty value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %q", s)
	}
	return v, nil
}
