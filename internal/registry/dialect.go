package registry

import "fmt"

// Dialect is the format family of an artifact.
type Dialect int

const (
	Unrecognized Dialect = iota
	EventCsv
	ReportBlock
	GenericStats
	TimeSeries
)

var dialectNames = [...]string{
	Unrecognized: "unrecognized",
	EventCsv:     "event_csv",
	ReportBlock:  "report_block",
	GenericStats: "generic_stats",
	TimeSeries:   "time_series",
}

func (d Dialect) String() string {
	if d < 0 || int(d) >= len(dialectNames) {
		return fmt.Sprintf("Dialect(%d)", int(d))
	}
	return dialectNames[d]
}

// ParseDialect maps a dialect name back to its value.
func ParseDialect(s string) (Dialect, error) {
	for i, name := range dialectNames {
		if name == s {
			return Dialect(i), nil
		}
	}
	return Unrecognized, fmt.Errorf("unknown dialect %q", s)
}

// MarshalText encodes the dialect by name.
func (d Dialect) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a dialect name, so registry files can spell it out.
func (d *Dialect) UnmarshalText(b []byte) error {
	v, err := ParseDialect(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
