package coreelf

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const paddingChunkSize = 4096

// SegmentDataFunc produces the payload of a segment by calling
// Writer.WriteSegmentData until the segment's p_filesz bytes are written.
type SegmentDataFunc func(w *Writer, phdr *ProgramHeader) error

type writerSegment struct {
	header ProgramHeader
	data   []byte
	fill   SegmentDataFunc
}

// Writer lays out an ELF core: header, program header table, then segment
// data in table order. Segments are collected first and written by Write.
type Writer struct {
	sink   io.Writer
	order  binary.ByteOrder
	data   elf.Data
	offset uint64

	machine uint16
	flags   uint32

	segments []writerSegment
}

// NewWriter creates a writer that emits little-endian ELF to sink
func NewWriter(sink io.Writer) *Writer {
	return &Writer{
		sink:  sink,
		order: binary.LittleEndian,
		data:  elf.ELFDATA2LSB,
	}
}

// SetHeaderFields copies the fields that must match the crashed process
func (w *Writer) SetHeaderFields(machine uint16, flags uint32, order binary.ByteOrder) {
	w.machine = machine
	w.flags = flags
	w.order = order
	if order == binary.ByteOrder(binary.BigEndian) {
		w.data = elf.ELFDATA2MSB
	} else {
		w.data = elf.ELFDATA2LSB
	}
}

// ByteOrder returns the byte order of the output
func (w *Writer) ByteOrder() binary.ByteOrder {
	return w.order
}

// AddSegment queues a segment whose payload is already in memory
func (w *Writer) AddSegment(phdr ProgramHeader, data []byte) {
	w.segments = append(w.segments, writerSegment{header: phdr, data: data})
}

// AddSegmentFunc queues a segment whose payload is produced while writing
func (w *Writer) AddSegmentFunc(phdr ProgramHeader, fill SegmentDataFunc) {
	w.segments = append(w.segments, writerSegment{header: phdr, fill: fill})
}

// NumSegments returns the number of queued segments
func (w *Writer) NumSegments() int {
	return len(w.segments)
}

// Offset returns the number of bytes written so far
func (w *Writer) Offset() uint64 {
	return w.offset
}

// WriteSegmentData writes payload bytes for the segment currently being emitted
func (w *Writer) WriteSegmentData(p []byte) error {
	return w.writeAll(p)
}

func (w *Writer) writeAll(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := w.sink.Write(p)
	w.offset += uint64(n)
	if err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	if n < len(p) {
		return fmt.Errorf("failed to write: %w", io.ErrShortWrite)
	}
	return nil
}

func (w *Writer) writePadding(size uint64) error {
	var zeroes [paddingChunkSize]byte
	for size > 0 {
		sz := min(size, uint64(len(zeroes)))
		if err := w.writeAll(zeroes[:sz]); err != nil {
			return err
		}
		size -= sz
	}
	return nil
}

// padding returns the bytes needed to move offset up to the segment's p_align.
// Alignments of 0 and 1 mean no alignment is required.
func padding(offset uint64, phdr *ProgramHeader) uint64 {
	if phdr.Align <= 1 {
		return 0
	}
	rem := offset % phdr.Align
	if rem == 0 {
		return 0
	}
	return phdr.Align - rem
}

// Write emits the complete ELF. Segment offsets are recomputed for the output
// layout and every segment must end exactly where the table says it does.
func (w *Writer) Write() error {
	num := len(w.segments)
	// e_phnum of 0xffff (PN_XNUM) would mean the count lives in section 0
	if num >= math.MaxUint16 {
		return fmt.Errorf("%w: %d", ErrTooManySegments, num)
	}

	hdr := Header{
		Type:    uint16(elf.ET_CORE),
		Machine: w.machine,
		Version: uint32(elf.EV_CURRENT),
		Flags:   w.flags,
		Ehsize:  HeaderSize,
		Phnum:   uint16(num),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(w.data)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if num > 0 {
		hdr.Phoff = HeaderSize
		hdr.Phentsize = ProgramHeaderSize
	}

	if err := w.writeAll(encode(w.order, &hdr)); err != nil {
		return fmt.Errorf("failed to write ELF header: %w", err)
	}

	// Segment table
	dataOffset := w.offset + uint64(num)*ProgramHeaderSize
	for i := range w.segments {
		seg := &w.segments[i]
		pad := padding(dataOffset, &seg.header)
		seg.header.Off = dataOffset + pad
		dataOffset += pad + seg.header.Filesz

		if err := w.writeAll(encode(w.order, &seg.header)); err != nil {
			return fmt.Errorf("failed to write segment table: %w", err)
		}
	}

	// Segment data
	for i := range w.segments {
		seg := &w.segments[i]
		if err := w.writePadding(seg.header.Off - w.offset); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}

		var err error
		if seg.fill != nil {
			err = seg.fill(w, &seg.header)
		} else {
			err = w.writeAll(seg.data[:seg.header.Filesz])
		}
		if err != nil {
			return fmt.Errorf("failed to write segment %d: %w", i, err)
		}

		if end := seg.header.Off + seg.header.Filesz; w.offset != end {
			return fmt.Errorf("written segment data end (0x%x) did not match planned end (0x%x)", w.offset, end)
		}
	}
	return nil
}
