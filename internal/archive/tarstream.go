package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// tarStream walks a decompressed tar archive held in memory. When a header
// does not decode it skips ahead to the next block that carries a valid
// ustar header and carries on from there.
type tarStream struct {
	buf []byte

	// streamErr is the decompressor failure that cut buf short, if any.
	streamErr error

	cr *countingReader
	tr *tar.Reader

	// next is the offset of the header after the current entry.
	next int64
}

// corruptHeader reports one header that was skipped during a resync.
type corruptHeader struct {
	name   string
	offset int64
	err    error
}

func (e *corruptHeader) Error() string {
	return fmt.Sprintf("damaged tar header at offset %d: %v", e.offset, e.err)
}

func (e *corruptHeader) Unwrap() error { return e.err }

func newTarStream(buf []byte, streamErr error) *tarStream {
	s := &tarStream{buf: buf, streamErr: streamErr}
	s.seek(0)
	return s
}

func (s *tarStream) seek(off int64) {
	s.cr = &countingReader{r: bytes.NewReader(s.buf[off:]), n: off}
	s.tr = tar.NewReader(s.cr)
	s.next = off
}

// consumed is the number of decompressed bytes read so far.
func (s *tarStream) consumed() int64 { return s.cr.n }

// Next returns the next header. A damaged header yields a *corruptHeader
// and the stream is repositioned past it. Any other error ends the stream.
func (s *tarStream) Next() (*tar.Header, error) {
	hdr, err := s.tr.Next()
	if err == nil || (hdr != nil && errors.Is(err, tar.ErrInsecurePath)) {
		s.next = s.cr.n + blockAlign(dataSize(hdr))
		return hdr, err
	}
	if errors.Is(err, io.EOF) {
		if s.streamErr != nil {
			return nil, s.streamErr
		}
		return nil, err
	}

	damaged := s.next
	off, ok := s.resync(damaged + tarBlockSize)
	if !ok {
		if s.streamErr != nil {
			return nil, s.streamErr
		}
		return nil, err
	}
	s.seek(off)
	return nil, &corruptHeader{name: s.headerName(damaged), offset: damaged, err: err}
}

// resync returns the offset of the first block at or after from that holds
// a valid ustar header.
func (s *tarStream) resync(from int64) (int64, bool) {
	for off := from; off+tarBlockSize <= int64(len(s.buf)); off += tarBlockSize {
		if validHeader(s.buf[off : off+tarBlockSize]) {
			return off, true
		}
	}
	return 0, false
}

// headerName recovers the entry name from a damaged header block, or
// describes the block when the name is unreadable.
func (s *tarStream) headerName(off int64) string {
	if off+tarBlockSize <= int64(len(s.buf)) {
		block := s.buf[off : off+tarBlockSize]
		name := cString(block[:100])
		if string(block[257:262]) == "ustar" {
			if prefix := cString(block[345:500]); prefix != "" {
				name = prefix + "/" + name
			}
		}
		name = strings.ToValidUTF8(name, "?")
		if strings.TrimSpace(name) != "" {
			return name
		}
	}
	return fmt.Sprintf("tar block at offset %d", off)
}

// validHeader reports whether block is a ustar header whose checksum
// matches.
func validHeader(block []byte) bool {
	if len(block) < tarBlockSize || block[0] == 0 || string(block[257:262]) != "ustar" {
		return false
	}
	want, err := strconv.ParseInt(strings.Trim(string(block[148:156]), " \x00"), 8, 64)
	if err != nil {
		return false
	}
	var sum int64
	for i, b := range block[:tarBlockSize] {
		if i >= 148 && i < 156 {
			b = ' '
		}
		sum += int64(b)
	}
	return sum == want
}

func dataSize(hdr *tar.Header) int64 {
	switch hdr.Typeflag {
	case tar.TypeLink, tar.TypeSymlink, tar.TypeChar, tar.TypeBlock, tar.TypeDir, tar.TypeFifo:
		return 0
	}
	return hdr.Size
}

func blockAlign(n int64) int64 {
	return (n + tarBlockSize - 1) / tarBlockSize * tarBlockSize
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
