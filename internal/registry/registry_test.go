package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault_Loads(t *testing.T) {
	r := Default()
	if len(r.Entries()) == 0 {
		t.Fatal("default registry has no entries")
	}
	if len(r.ReportHeaders()) == 0 {
		t.Fatal("default registry has no report headers")
	}
}

func TestClassify(t *testing.T) {
	r := Default()

	tests := []struct {
		name        string
		artifact    string
		head        string
		want        Dialect
		destination string
		registered  bool
	}{
		{
			name:        "audit log by name",
			artifact:    "audit.log",
			head:        `15,2025-01-22 21:15:34,HOST,1,CLI,10.51.25.37,User,Fail,user1,"Login failed"`,
			want:        EventCsv,
			destination: "audit",
			registered:  true,
		},
		{
			name:        "nested path matches base name",
			artifact:    "sysinfo-20250811/logs/AUDIT.LOG",
			want:        EventCsv,
			destination: "audit",
			registered:  true,
		},
		{
			name:        "security glob",
			artifact:    "logs/ipsBlock.log",
			want:        EventCsv,
			destination: "securityEvents.ipsBlock",
			registered:  true,
		},
		{
			name:        "report by name",
			artifact:    "general.txt",
			want:        ReportBlock,
			destination: "general",
			registered:  true,
		},
		{
			name:        "stats by prefix",
			artifact:    "statistics_engine.txt",
			want:        GenericStats,
			destination: "statistics",
			registered:  true,
		},
		{
			name:        "rrd metric under a top directory",
			artifact:    "bundle/rrd/cpuutil.txt",
			want:        TimeSeries,
			destination: "rrdGraphs.cpuutil",
			registered:  true,
		},
		{
			name:        "other rrd",
			artifact:    "rrd/diskio",
			want:        TimeSeries,
			destination: "rrdGraphs",
			registered:  true,
		},
		{
			name:     "unknown csv by content",
			artifact: "extra/flows.dat",
			head:     "\n\na,b,c,d,e\n",
			want:     EventCsv,
		},
		{
			name:     "three fields is not an event log",
			artifact: "extra/small.csv",
			head:     "a,b,c\n",
			want:     Unrecognized,
		},
		{
			name:     "unknown report by content",
			artifact: "extra/clock.txt",
			head:     "show clock\n12:00\n",
			want:     ReportBlock,
		},
		{
			name:     "prose",
			artifact: "README",
			head:     "This bundle was generated on request.\nContact support.",
			want:     Unrecognized,
		},
		{
			name:     "empty",
			artifact: "empty.bin",
			want:     Unrecognized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := r.Classify(tt.artifact, []byte(tt.head))
			if m.Dialect != tt.want {
				t.Errorf("Dialect = %s, want %s", m.Dialect, tt.want)
			}
			if m.Registered() != tt.registered {
				t.Fatalf("Registered = %v, want %v", m.Registered(), tt.registered)
			}
			if tt.registered && m.Entry.Destination != tt.destination {
				t.Errorf("Destination = %q, want %q", m.Entry.Destination, tt.destination)
			}
		})
	}
}

func TestClassify_FirstEntryWins(t *testing.T) {
	r, err := New(File{Artifacts: []Entry{
		{Name: "a.txt", Dialect: ReportBlock, Destination: "first"},
		{Glob: "*.txt", Dialect: GenericStats, Destination: "second"},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m := r.Classify("a.txt", nil); m.Entry == nil || m.Entry.Destination != "first" {
		t.Errorf("a.txt matched %+v, want first", m.Entry)
	}
	if m := r.Classify("b.txt", nil); m.Entry == nil || m.Entry.Destination != "second" {
		t.Errorf("b.txt matched %+v, want second", m.Entry)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "valid",
			yaml: `
report_headers: ['^\[(?P<title>.+)\]$']
artifacts:
  - name: x.log
    dialect: event_csv
    destination: x
    arity: 3
    join_tail: true
  - glob: "*.tbl"
    dialect: generic_stats
    destination: tables
    delimiter: pipe
`,
		},
		{
			name: "unknown dialect",
			yaml: `
artifacts:
  - name: x.log
    dialect: xml
    destination: x
`,
			wantErr: "unknown dialect",
		},
		{
			name: "unknown key",
			yaml: `
artifacts:
  - name: x.log
    dialect: event_csv
    destnation: x
`,
			wantErr: "destnation",
		},
		{
			name: "two patterns",
			yaml: `
artifacts:
  - name: x.log
    prefix: x
    dialect: event_csv
    destination: x
`,
			wantErr: "exactly one of",
		},
		{
			name: "missing destination",
			yaml: `
artifacts:
  - name: x.log
    dialect: report_block
`,
			wantErr: "destination is required",
		},
		{
			name: "unknown schema",
			yaml: `
artifacts:
  - name: x.log
    dialect: event_csv
    destination: x
    schema: nope
`,
			wantErr: "unknown schema",
		},
		{
			name: "bad glob",
			yaml: `
artifacts:
  - glob: "[x"
    dialect: event_csv
    destination: x
`,
			wantErr: "glob",
		},
		{
			name: "bad delimiter",
			yaml: `
artifacts:
  - name: x
    dialect: generic_stats
    destination: x
    delimiter: semicolon
`,
			wantErr: "unknown delimiter",
		},
		{
			name: "bad header pattern",
			yaml: `
report_headers: ['(']
artifacts: []
`,
			wantErr: "report_headers",
		},
		{
			name: "unrecognized needs no destination",
			yaml: `
artifacts:
  - glob: "*.rrd"
    dialect: unrecognized
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_CollectsAllErrors(t *testing.T) {
	_, err := Parse([]byte(`
artifacts:
  - name: a
    dialect: report_block
  - name: b
    dialect: report_block
`))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "artifacts[0]") || !strings.Contains(err.Error(), "artifacts[1]") {
		t.Errorf("error should name both entries: %v", err)
	}
}

func TestLoad(t *testing.T) {
	r, err := Load("")
	if err != nil || r != Default() {
		t.Fatalf("Load(\"\") = %v, %v, want default", r, err)
	}

	path := filepath.Join(t.TempDir(), "registry.yaml")
	data := "artifacts:\n  - name: only.txt\n    dialect: report_block\n    destination: only\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := r.Classify("audit.log", []byte("a,b,c,d")); got.Registered() {
		t.Error("override registry should not contain default entries")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDialect_Text(t *testing.T) {
	for d := Unrecognized; d <= TimeSeries; d++ {
		b, _ := d.MarshalText()
		var got Dialect
		if err := got.UnmarshalText(b); err != nil || got != d {
			t.Errorf("%s: round trip gave %s, %v", d, got, err)
		}
	}
	if got := Dialect(42).String(); got != "Dialect(42)" {
		t.Errorf("String() = %q", got)
	}
}
