package coreelf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// streamReader walks a core dump front to back. The input is usually a pipe,
// so it can only skip forward.
type streamReader struct {
	r   io.Reader
	pos uint64

	header   *Header
	order    binary.ByteOrder
	segments []ProgramHeader

	warn func(string)
}

func newStreamReader(r io.Reader, warn func(string)) *streamReader {
	return &streamReader{r: r, warn: warn}
}

// readFull reads until buf is full or the stream ends. Read errors end the
// stream early and are reported as a warning.
func (sr *streamReader) readFull(buf []byte) int {
	total := 0
	for total < len(buf) {
		n, err := sr.r.Read(buf[total:])
		total += n
		sr.pos += uint64(n)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				sr.warn(fmt.Sprintf("read() failure: %v", err))
			}
			break
		}
		if n == 0 {
			break
		}
	}
	return total
}

// skip discards n bytes and reports whether all of them were available
func (sr *streamReader) skip(n uint64) bool {
	if n == 0 {
		return true
	}
	skipped, err := io.CopyN(io.Discard, sr.r, int64(n))
	sr.pos += uint64(skipped)
	if err != nil && !errors.Is(err, io.EOF) {
		sr.warn(fmt.Sprintf("read() failure: %v", err))
	}
	return uint64(skipped) == n
}

// readHeaders reads the ELF header and the program header table
func (sr *streamReader) readHeaders() error {
	raw := make([]byte, HeaderSize)
	if n := sr.readFull(raw); n < HeaderSize {
		return fmt.Errorf("%w: short read while reading ELF header (%d bytes)", ErrTruncated, n)
	}

	hdr, order, err := ParseHeader(raw)
	if err != nil {
		return err
	}
	sr.header = hdr
	sr.order = order

	switch {
	case hdr.Phoff < sr.pos:
		return fmt.Errorf("%w: unexpected segment table offset %d", ErrNotCoreELF, hdr.Phoff)
	case hdr.Phoff > sr.pos:
		sr.warn("Ignoring data between header and segment table")
		if !sr.skip(hdr.Phoff - sr.pos) {
			return fmt.Errorf("%w: short read while skipping to segment table", ErrTruncated)
		}
	}

	tableSize := int(hdr.Phnum) * ProgramHeaderSize
	table := make([]byte, tableSize)
	if n := sr.readFull(table); n < tableSize {
		return fmt.Errorf("%w: short read while reading segment headers", ErrTruncated)
	}

	segments, err := ParseProgramHeaders(table, int(hdr.Phnum), order)
	if err != nil {
		return err
	}
	sr.segments = segments
	return nil
}

// readSegmentData reads the payload stored at offset. It returns the number
// of bytes read, which is zero if the stream is already past offset.
func (sr *streamReader) readSegmentData(offset uint64, buf []byte) int {
	if offset < sr.pos {
		return 0
	}
	if !sr.skip(offset - sr.pos) {
		return 0
	}
	return sr.readFull(buf)
}
