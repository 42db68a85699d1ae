package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/JonMunkholm/ipsdiag/internal/diag"
)

type testFile struct {
	name string
	body string
	typ  byte
}

func buildTar(t *testing.T, files []testFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		typ := f.typ
		if typ == 0 {
			typ = tar.TypeReg
		}
		hdr := &tar.Header{Name: f.name, Mode: 0o644, Typeflag: typ}
		switch typ {
		case tar.TypeReg:
			hdr.Size = int64(len(f.body))
		case tar.TypeSymlink:
			hdr.Linkname = "/etc/passwd"
		case tar.TypeDir:
			hdr.Mode = 0o755
		case tar.TypeXGlobalHeader:
			hdr.PAXRecords = map[string]string{"comment": f.body}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header %s: %v", f.name, err)
		}
		if typ == tar.TypeReg {
			if _, err := tw.Write([]byte(f.body)); err != nil {
				t.Fatalf("tar body %s: %v", f.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = name
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func lz4Bytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zipBytes(t *testing.T, files []testFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Store})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, f.body); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func readAll(t *testing.T, data []byte, opts Options) ([]Entry, []diag.Diagnostic) {
	t.Helper()
	var sink diag.Sink
	r, err := Open(data, opts, &sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	var entries []Entry
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		entries = append(entries, e)
	}
	return entries, sink.Items()
}

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func codes(ds []diag.Diagnostic) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Code
	}
	return out
}

var sampleFiles = []testFile{
	{name: "audit.log", body: "15,2025-01-22 21:15:34,HOST,1,CLI,10.51.25.37,User,Fail,user1,\"Login failed\"\n"},
	{name: "general.txt", body: "show health\nMemory:\nCurrent use in %: 28.9%\n"},
}

func TestOpen_Formats(t *testing.T) {
	tarData := buildTar(t, sampleFiles)

	tests := []struct {
		name   string
		data   []byte
		format Format
	}{
		{"tar", tarData, FormatTar},
		{"gzip", gzipBytes(t, "", tarData), FormatGzip},
		{"zstd", zstdBytes(t, tarData), FormatZstd},
		{"lz4", lz4Bytes(t, tarData), FormatLZ4},
		{"zip", zipBytes(t, sampleFiles), FormatZip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.data); got != tt.format {
				t.Fatalf("Detect = %s, want %s", got, tt.format)
			}
			entries, ds := readAll(t, tt.data, Options{})
			if len(ds) != 0 {
				t.Errorf("unexpected diagnostics: %v", ds)
			}
			if len(entries) != len(sampleFiles) {
				t.Fatalf("got %d entries, want %d", len(entries), len(sampleFiles))
			}
			for i, e := range entries {
				if e.Name != sampleFiles[i].name || string(e.Data) != sampleFiles[i].body {
					t.Errorf("entry %d = %s %q", i, e.Name, e.Data)
				}
			}
		})
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Format
	}{
		{"bzip2", []byte("BZh91AY&SY"), FormatBzip2},
		{"empty zip", []byte("PK\x05\x06rest"), FormatZip},
		{"empty tar", make([]byte, 1024), FormatTar},
		{"text", []byte("hello world"), FormatUnknown},
		{"nothing", nil, FormatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.data); got != tt.want {
				t.Errorf("Detect = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOpen_Unsupported(t *testing.T) {
	_, err := Open([]byte("just some text"), Options{}, nil)
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Kind != UnsupportedCompression {
		t.Fatalf("err = %v, want UnsupportedCompression", err)
	}

	_, err = Open(zstdBytes(t, []byte("not a tarball at all")), Options{}, nil)
	if !errors.As(err, &aerr) || aerr.Kind != UnsupportedCompression {
		t.Fatalf("err = %v, want UnsupportedCompression for non-tar zstd", err)
	}
}

func TestOpen_TruncatedBeforeFirstEntry(t *testing.T) {
	data := gzipBytes(t, "", buildTar(t, sampleFiles))[:12]

	_, err := Open(data, Options{}, nil)
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Kind != TruncatedContainer {
		t.Fatalf("err = %v, want TruncatedContainer", err)
	}
}

func TestNext_TruncatedAfterEntries(t *testing.T) {
	files := []testFile{
		{name: "a.txt", body: "a"},
		{name: "b.txt", body: "b"},
		{name: "c.txt", body: "c"},
	}
	data := buildTar(t, files)
	// Each entry is one header block and one data block; cut into the
	// third header.
	data = data[:2*1024+100]

	entries, ds := readAll(t, data, Options{})
	if got := names(entries); strings.Join(got, ",") != "a.txt,b.txt" {
		t.Errorf("entries = %q, want a.txt and b.txt", got)
	}
	if len(ds) != 1 || ds[0].Code != diag.CodeTruncatedContainer || ds[0].Kind != diag.KindArchive {
		t.Errorf("diagnostics = %v, want one truncated container", ds)
	}
}

func TestNext_CorruptEntryAmongFive(t *testing.T) {
	files := []testFile{
		{name: "one.txt", body: "first file"},
		{name: "two.txt", body: "second file"},
		{name: "three.txt", body: "CORRUPT-ME please"},
		{name: "four.txt", body: "fourth file"},
		{name: "five.txt", body: "fifth file"},
	}
	data := zipBytes(t, files)
	i := bytes.Index(data, []byte("CORRUPT-ME"))
	if i < 0 {
		t.Fatal("marker not found")
	}
	data[i] ^= 0xff

	entries, ds := readAll(t, data, Options{})
	if got := strings.Join(names(entries), ","); got != "one.txt,two.txt,four.txt,five.txt" {
		t.Errorf("entries = %s", got)
	}
	if len(ds) != 1 {
		t.Fatalf("got %d diagnostics, want 1: %v", len(ds), ds)
	}
	if ds[0].Code != diag.CodeCorruptEntry || ds[0].Kind != diag.KindArtifact || ds[0].Artifact != "three.txt" {
		t.Errorf("diagnostic = %+v", ds[0])
	}
}

func TestNext_CorruptTarHeaderAmongFive(t *testing.T) {
	files := []testFile{
		{name: "one.txt", body: "first file"},
		{name: "two.txt", body: "second file"},
		{name: "three.txt", body: strings.Repeat("third file\n", 100)},
		{name: "four.txt", body: "fourth file"},
		{name: "five.txt", body: "fifth file"},
	}
	tarData := buildTar(t, files)
	i := bytes.Index(tarData, []byte("three.txt"))
	if i < 0 || i%512 != 0 {
		t.Fatalf("three.txt header at %d", i)
	}
	// Break the header checksum.
	tarData[i+148] ^= 0x01

	tests := []struct {
		name string
		data []byte
	}{
		{name: "tar", data: tarData},
		{name: "gzip", data: gzipBytes(t, "", tarData)},
		{name: "zstd", data: zstdBytes(t, tarData)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, ds := readAll(t, tt.data, Options{})
			if got := strings.Join(names(entries), ","); got != "one.txt,two.txt,four.txt,five.txt" {
				t.Fatalf("entries = %s", got)
			}
			if string(entries[2].Data) != "fourth file" {
				t.Errorf("four.txt = %q", entries[2].Data)
			}
			if len(ds) != 1 {
				t.Fatalf("got %d diagnostics, want 1: %v", len(ds), ds)
			}
			if d := ds[0]; d.Code != diag.CodeCorruptEntry || d.Kind != diag.KindArtifact || d.Artifact != "three.txt" {
				t.Errorf("diagnostic = %+v", d)
			}
		})
	}
}

func TestNext_CorruptTarHeaderWithoutRecovery(t *testing.T) {
	data := buildTar(t, []testFile{{name: "a.txt", body: "a"}, {name: "b.txt", body: "b"}})
	i := bytes.Index(data, []byte("b.txt"))
	data[i+148] ^= 0x01

	entries, ds := readAll(t, data, Options{})
	if got := names(entries); len(got) != 1 || got[0] != "a.txt" {
		t.Errorf("entries = %q, want a.txt", got)
	}
	if got := codes(ds); len(got) != 1 || got[0] != diag.CodeTruncatedContainer {
		t.Errorf("codes = %v, want one truncated container", got)
	}
}

func TestValidHeader(t *testing.T) {
	data := buildTar(t, []testFile{{name: "a.txt", body: "a"}})
	block := slices.Clone(data[:512])
	if !validHeader(block) {
		t.Fatal("validHeader(written header) = false")
	}
	block[0] = 'b'
	if validHeader(block) {
		t.Error("validHeader accepted a header with a stale checksum")
	}
	if validHeader(make([]byte, 512)) {
		t.Error("validHeader accepted a zero block")
	}
}

func TestNext_EntryCap(t *testing.T) {
	data := buildTar(t, []testFile{{name: "big.log", body: strings.Repeat("x", 100)}, {name: "small.log", body: "ok"}})

	entries, ds := readAll(t, data, Options{MaxEntryBytes: 10})
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if !entries[0].Truncated || len(entries[0].Data) != 10 {
		t.Errorf("big.log truncated=%v len=%d, want truncated to 10", entries[0].Truncated, len(entries[0].Data))
	}
	if entries[1].Truncated || string(entries[1].Data) != "ok" {
		t.Errorf("small.log = %+v", entries[1])
	}
	if len(ds) != 1 || ds[0].Code != diag.CodeOversized || ds[0].Artifact != "big.log" {
		t.Errorf("diagnostics = %v, want one oversized", ds)
	}
}

func TestNext_TotalCap(t *testing.T) {
	var files []testFile
	for _, n := range []string{"1", "2", "3", "4", "5"} {
		files = append(files, testFile{name: n + ".bin", body: strings.Repeat(n, 1000)})
	}
	data := gzipBytes(t, "", buildTar(t, files))

	entries, ds := readAll(t, data, Options{MaxTotalBytes: 3000})
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1", len(entries))
	}
	if got := codes(ds); len(got) != 1 || got[0] != diag.CodeArchiveTooLarge {
		t.Errorf("diagnostics = %v, want one archive too large", ds)
	}
}

func TestNext_SkipsUnsafeAndLinks(t *testing.T) {
	data := buildTar(t, []testFile{
		{name: "logs/", typ: tar.TypeDir},
		{name: "../evil.txt", body: "x"},
		{name: "/etc/shadow", body: "x"},
		{name: "link", typ: tar.TypeSymlink},
		{name: "dev/pipe", typ: tar.TypeFifo},
		{name: "pax_global_header", body: "commit", typ: tar.TypeXGlobalHeader},
		{name: "./logs/ok.txt", body: "fine"},
	})

	entries, ds := readAll(t, data, Options{})
	if got := names(entries); len(got) != 1 || got[0] != "logs/ok.txt" {
		t.Errorf("entries = %q, want logs/ok.txt", got)
	}
	if got := codes(ds); strings.Join(got, ",") != "ART004,ART004,ART004,ART008" {
		t.Errorf("codes = %v", got)
	}
	if d := ds[3]; d.Artifact != "dev/pipe" || d.Kind != diag.KindArtifact {
		t.Errorf("special entry diagnostic = %+v", d)
	}
}

func TestNext_DuplicateNames(t *testing.T) {
	data := buildTar(t, []testFile{
		{name: "a.txt", body: "1"},
		{name: "a.txt", body: "2"},
		{name: "./a.txt", body: "3"},
	})

	entries, ds := readAll(t, data, Options{})
	if got := strings.Join(names(entries), ","); got != "a.txt,a.txt#2,a.txt#3" {
		t.Errorf("entries = %s", got)
	}
	if string(entries[1].Data) != "2" {
		t.Errorf("a.txt#2 = %q, want 2", entries[1].Data)
	}
	if got := codes(ds); strings.Join(got, ",") != "ART005,ART005" {
		t.Errorf("codes = %v", got)
	}
}

func TestNext_EmptyArchive(t *testing.T) {
	entries, ds := readAll(t, buildTar(t, nil), Options{})
	if len(entries) != 0 {
		t.Errorf("got %d entries", len(entries))
	}
	if len(ds) != 1 || ds[0].Code != diag.CodeEmptyArchive {
		t.Errorf("diagnostics = %v, want empty archive", ds)
	}
}

func TestNext_SingleGzipFile(t *testing.T) {
	data := gzipBytes(t, "audit.log", []byte("1,2,3,4\n"))
	entries, ds := readAll(t, data, Options{})
	if len(entries) != 1 || entries[0].Name != "audit.log" || string(entries[0].Data) != "1,2,3,4\n" {
		t.Errorf("entries = %+v", entries)
	}
	if len(ds) != 0 {
		t.Errorf("unexpected diagnostics: %v", ds)
	}
}

func TestCleanName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "audit.log", want: "audit.log"},
		{in: "./logs/audit.log", want: "logs/audit.log"},
		{in: "logs//rrd/../audit.log", want: "logs/audit.log"},
		{in: `logs\win.txt`, want: "logs/win.txt"},
		{in: "../x", wantErr: true},
		{in: "logs/../../x", wantErr: true},
		{in: "/abs", wantErr: true},
		{in: "C:/x", wantErr: true},
		{in: ".", wantErr: true},
		{in: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CleanName(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsafePath) {
					t.Errorf("CleanName(%q) = %q, %v, want ErrUnsafePath", tt.in, got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("CleanName(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
			}
		})
	}
}
