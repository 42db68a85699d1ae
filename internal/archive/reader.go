// Package archive decompresses a support archive and iterates the files
// inside it.
//
// Compressed tar streams are decompressed into memory first, so that a
// damaged tar header can be skipped by scanning for the next valid one.
// Problems with individual entries are recorded in a diag.Sink and the
// entry is skipped; only a container that cannot be read at all fails Open
// or the first Next.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/JonMunkholm/ipsdiag/internal/diag"
)

const (
	DefaultMaxEntryBytes int64 = 16 << 20
	DefaultMaxTotalBytes int64 = 1 << 30
)

// Options bounds how much a single archive may expand to.
type Options struct {
	// MaxEntryBytes caps one artifact. Longer entries are truncated.
	MaxEntryBytes int64

	// MaxTotalBytes caps the decompressed archive. Iteration stops once
	// it is exceeded.
	MaxTotalBytes int64
}

func (o Options) withDefaults() Options {
	if o.MaxEntryBytes <= 0 {
		o.MaxEntryBytes = DefaultMaxEntryBytes
	}
	if o.MaxTotalBytes <= 0 {
		o.MaxTotalBytes = DefaultMaxTotalBytes
	}
	return o
}

// Entry is one extracted regular file.
type Entry struct {
	Name      string
	Data      []byte
	Truncated bool
}

type memberKind int

const (
	memberFile memberKind = iota
	memberDir // directories and archive metadata
	memberLink
	memberOther
)

type member struct {
	name string
	kind memberKind
	open func() (io.ReadCloser, error)
}

// Reader yields the regular files of an archive in container order.
type Reader struct {
	format  Format
	opts    Options
	sink    *diag.Sink
	next     func() (member, error)
	closers  []func() error
	consumed func() int64

	produced int
	skipped  int
	total    int64
	names    map[string]int
	done     bool
}

// Open detects the archive format and prepares iteration. Diagnostics
// for skipped entries are appended to sink.
func Open(data []byte, opts Options, sink *diag.Sink) (*Reader, error) {
	if sink == nil {
		sink = &diag.Sink{}
	}
	r := &Reader{
		format: Detect(data),
		opts:   opts.withDefaults(),
		sink:   sink,
		names:  make(map[string]int),
	}

	var err error
	switch r.format {
	case FormatUnknown:
		return nil, &Error{Kind: UnsupportedCompression, Err: errors.New("no known magic bytes")}
	case FormatZip:
		err = r.openZip(data)
	default:
		err = r.openStream(data)
	}
	if err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Format returns the detected outer format.
func (r *Reader) Format() Format { return r.format }

// Close releases decompressor state. It is safe to call more than once.
func (r *Reader) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Reader) openStream(data []byte) error {
	var src io.Reader = bytes.NewReader(data)
	var gzipName string

	switch r.format {
	case FormatGzip:
		zr, err := gzip.NewReader(src)
		if err != nil {
			return &Error{Kind: TruncatedContainer, Err: fmt.Errorf("gzip header: %w", err)}
		}
		r.closers = append(r.closers, zr.Close)
		src, gzipName = zr, zr.Name
	case FormatZstd:
		zr, err := zstd.NewReader(src)
		if err != nil {
			return &Error{Kind: TruncatedContainer, Err: fmt.Errorf("zstd header: %w", err)}
		}
		r.closers = append(r.closers, func() error { zr.Close(); return nil })
		src = zr
	case FormatLZ4:
		src = lz4.NewReader(src)
	case FormatBzip2:
		src = bzip2.NewReader(src)
	}

	// One byte past the cap is enough to notice an oversized archive.
	buf, streamErr := io.ReadAll(io.LimitReader(src, r.opts.MaxTotalBytes+1))
	if streamErr != nil {
		streamErr = fmt.Errorf("%s stream: %w", r.format, streamErr)
		if len(buf) < tarBlockSize {
			return &Error{Kind: TruncatedContainer, Err: streamErr}
		}
	}

	if len(buf) == 0 || isTar(buf) {
		r.nextTar(newTarStream(buf, streamErr))
		return nil
	}
	if gzipName != "" {
		r.nextSingle(gzipName, buf, streamErr)
		return nil
	}
	return &Error{Kind: UnsupportedCompression, Err: fmt.Errorf("%s stream does not hold a tar archive", r.format)}
}

func (r *Reader) nextTar(ts *tarStream) {
	r.consumed = ts.consumed
	r.next = func() (member, error) {
		hdr, err := ts.Next()
		if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && hdr != nil) {
			return member{}, err
		}
		m := member{
			name: hdr.Name,
			open: func() (io.ReadCloser, error) { return io.NopCloser(ts.tr), nil },
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
			m.kind = memberFile
		case tar.TypeDir, tar.TypeXGlobalHeader:
			m.kind = memberDir
		case tar.TypeSymlink, tar.TypeLink:
			m.kind = memberLink
		default:
			m.kind = memberOther
		}
		return m, nil
	}
}

// nextSingle serves a gzip stream that wraps one file instead of a tar
// archive, named after the gzip header.
func (r *Reader) nextSingle(name string, buf []byte, streamErr error) {
	cr := &countingReader{r: bytes.NewReader(buf)}
	var body io.Reader = cr
	if streamErr != nil {
		body = io.MultiReader(cr, failingReader{streamErr})
	}
	r.consumed = func() int64 { return cr.n }
	served := false
	r.next = func() (member, error) {
		if served {
			return member{}, io.EOF
		}
		served = true
		return member{
			name: name,
			kind: memberFile,
			open: func() (io.ReadCloser, error) { return io.NopCloser(body), nil },
		}, nil
	}
}

func (r *Reader) openZip(data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return &Error{Kind: TruncatedContainer, Err: fmt.Errorf("zip directory: %w", err)}
	}
	i := 0
	r.next = func() (member, error) {
		if i >= len(zr.File) {
			return member{}, io.EOF
		}
		f := zr.File[i]
		i++
		m := member{name: f.Name, open: f.Open}
		mode := f.Mode()
		switch {
		case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
			m.kind = memberDir
		case mode&fs.ModeSymlink != 0:
			m.kind = memberLink
		case mode.IsRegular():
			m.kind = memberFile
		default:
			m.kind = memberOther
		}
		return m, nil
	}
	return nil
}

// Next returns the next regular file, or io.EOF when iteration is over.
// It returns a non-nil *Error only when the container fails before any
// entry could be read.
func (r *Reader) Next() (Entry, error) {
	for !r.done {
		if r.overLimit() {
			r.stopTooLarge()
			break
		}

		m, err := r.next()
		if errors.Is(err, io.EOF) {
			r.finish()
			break
		}
		var damaged *corruptHeader
		if errors.As(err, &damaged) {
			r.skipped++
			r.sink.Artifact(damaged.name, diag.CodeCorruptEntry, diag.SeverityError, "%v",
				&Error{Kind: CorruptEntry, Name: damaged.name, Err: damaged})
			continue
		}
		if err != nil {
			if ferr := r.containerFailure(err); ferr != nil {
				return Entry{}, ferr
			}
			break
		}

		switch m.kind {
		case memberDir:
			continue
		case memberLink:
			r.skipped++
			r.sink.Artifact(m.name, diag.CodeUnsafePath, diag.SeverityWarning, "link entries are not followed")
			continue
		case memberOther:
			r.skipped++
			r.sink.Artifact(m.name, diag.CodeSpecialEntry, diag.SeverityWarning, "special file entries are not extracted")
			continue
		}

		name, err := CleanName(m.name)
		if err != nil {
			r.skipped++
			r.sink.Artifact(m.name, diag.CodeUnsafePath, diag.SeverityError, "%v", err)
			continue
		}

		data, truncated, err := r.read(m)
		if err != nil {
			if r.overLimit() {
				r.stopTooLarge()
				break
			}
			r.skipped++
			r.sink.Artifact(name, diag.CodeCorruptEntry, diag.SeverityError, "%v",
				&Error{Kind: CorruptEntry, Name: name, Err: err})
			continue
		}
		r.total += int64(len(data))

		if truncated {
			r.sink.Artifact(name, diag.CodeOversized, diag.SeverityWarning,
				"entry exceeds %s; truncated", humanize.IBytes(uint64(r.opts.MaxEntryBytes)))
		}
		r.produced++
		return Entry{Name: r.unique(name), Data: data, Truncated: truncated}, nil
	}
	return Entry{}, io.EOF
}

func (r *Reader) read(m member) ([]byte, bool, error) {
	rc, err := m.open()
	if err != nil {
		return nil, false, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, r.opts.MaxEntryBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > r.opts.MaxEntryBytes {
		return data[:r.opts.MaxEntryBytes:r.opts.MaxEntryBytes], true, nil
	}
	return data, false, nil
}

func (r *Reader) overLimit() bool {
	if r.consumed != nil && r.consumed() > r.opts.MaxTotalBytes {
		return true
	}
	return r.total > r.opts.MaxTotalBytes
}

func (r *Reader) stopTooLarge() {
	r.done = true
	r.sink.Archive(diag.CodeArchiveTooLarge, "archive expands beyond %s; remaining entries skipped",
		humanize.IBytes(uint64(r.opts.MaxTotalBytes)))
}

func (r *Reader) containerFailure(err error) error {
	r.done = true
	if r.overLimit() {
		r.stopTooLarge()
		return nil
	}
	if r.produced == 0 && r.skipped == 0 {
		return &Error{Kind: TruncatedContainer, Err: err}
	}
	r.sink.Archive(diag.CodeTruncatedContainer, "container ends early after %d entries: %v", r.produced, err)
	return nil
}

func (r *Reader) finish() {
	r.done = true
	if r.produced == 0 && r.skipped == 0 {
		r.sink.Archive(diag.CodeEmptyArchive, "archive contains no files")
	}
}

// unique renames repeated entry names to name#2, name#3 and so on.
func (r *Reader) unique(name string) string {
	r.names[name]++
	if r.names[name] == 1 {
		return name
	}
	renamed := fmt.Sprintf("%s#%d", name, r.names[name])
	for r.names[renamed] > 0 {
		r.names[name]++
		renamed = fmt.Sprintf("%s#%d", name, r.names[name])
	}
	r.names[renamed]++
	r.sink.Artifact(renamed, diag.CodeDuplicateName, diag.SeverityWarning, "duplicate entry %q renamed", name)
	return renamed
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }
