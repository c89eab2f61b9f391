// Package coreelf rewrites kernel ELF core dumps into self-describing
// artifacts: LOAD payloads are re-read through a memory copier, NOTE
// segments are kept verbatim and a metadata note is appended.
package coreelf

import (
	"debug/elf"
	"fmt"
	"io"
	"math"

	"go.uber.org/zap"
)

const (
	// CopyChunkSize bounds the memory used while copying a LOAD segment
	CopyChunkSize = 4096

	// PlaceholderByte fills LOAD bytes that could not be copied
	PlaceholderByte = 0xEF

	// MaxNoteSegmentSize caps the memory allocated for one NOTE segment
	MaxNoteSegmentSize = 64 << 20

	// MaxKeptSegments leaves room for the metadata note below PN_XNUM
	MaxKeptSegments = math.MaxUint16 - 2
)

// CopyFunc copies process memory starting at vaddr into buf. It returns the
// number of bytes copied, which may be fewer than len(buf).
type CopyFunc func(vaddr uint64, buf []byte) (int, error)

// Result summarizes a finished transform
type Result struct {
	Segments        int
	Warnings        []string
	DroppedWarnings int
	BytesWritten    uint64
}

// Transformer converts one core dump
type Transformer struct {
	metadata Metadata
	copyFn   CopyFunc
	logger   *zap.Logger
	warnings *Warnings
}

// NewTransformer creates a transformer that reads LOAD payloads through copyFn
func NewTransformer(metadata Metadata, copyFn CopyFunc, logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{
		metadata: metadata,
		copyFn:   copyFn,
		logger:   logger.Named("coreelf"),
		warnings: NewWarnings(MaxWarnings),
	}
}

func (t *Transformer) warn(msg string) {
	if !t.warnings.Add(msg) {
		t.logger.Debug("Dropping warning", zap.String("warning", msg))
		return
	}
	t.logger.Warn("Core transform warning", zap.String("warning", msg))
}

// Transform reads a core dump from in and writes the transformed core to out.
// Unsupported segments only produce warnings; malformed headers and sink
// errors fail the transform.
func (t *Transformer) Transform(in io.Reader, out Sink) (*Result, error) {
	sr := newStreamReader(in, t.warn)
	if err := sr.readHeaders(); err != nil {
		return nil, fmt.Errorf("failed to read core headers: %w", err)
	}

	w := NewWriter(out)
	w.SetHeaderFields(sr.header.Machine, sr.header.Flags, sr.order)

	for i := range sr.segments {
		phdr := sr.segments[i]
		if w.NumSegments() >= MaxKeptSegments {
			t.warn(fmt.Sprintf("Ignoring segment %d: segment table full", i))
			continue
		}
		switch elf.ProgType(phdr.Type) {
		case elf.PT_NOTE:
			t.addNoteSegment(sr, w, phdr)
		case elf.PT_LOAD:
			w.AddSegmentFunc(phdr, t.copyLoadSegment)
		default:
			t.warn(fmt.Sprintf("Unexpected segment type: %d", phdr.Type))
		}
	}

	note, err := MetadataNote(t.metadata, w.ByteOrder())
	if err != nil {
		return nil, err
	}
	w.AddSegment(ProgramHeader{
		Type:   uint32(elf.PT_NOTE),
		Filesz: uint64(len(note)),
	}, note)

	if err := w.Write(); err != nil {
		return nil, err
	}
	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync core output: %w", err)
	}

	return &Result{
		Segments:        w.NumSegments(),
		Warnings:        t.warnings.List(),
		DroppedWarnings: t.warnings.Dropped(),
		BytesWritten:    w.Offset(),
	}, nil
}

func (t *Transformer) addNoteSegment(sr *streamReader, w *Writer, phdr ProgramHeader) {
	if phdr.Filesz > MaxNoteSegmentSize {
		t.warn(fmt.Sprintf("Note at %d too large (%d bytes)", phdr.Off, phdr.Filesz))
		return
	}

	buf := make([]byte, phdr.Filesz)
	if n := sr.readSegmentData(phdr.Off, buf); uint64(n) != phdr.Filesz {
		t.warn(fmt.Sprintf("Failed to read note at %d (%d bytes)", phdr.Off, phdr.Filesz))
		return
	}
	w.AddSegment(phdr, buf)
}

// copyLoadSegment streams a LOAD payload through the copy function. Chunks
// that cannot be copied are filled with PlaceholderByte so the layout holds.
func (t *Transformer) copyLoadSegment(w *Writer, phdr *ProgramHeader) error {
	var buf [CopyChunkSize]byte
	vaddr := phdr.Vaddr
	remaining := phdr.Filesz

	for remaining > 0 {
		sz := int(min(remaining, CopyChunkSize))
		n, err := t.copyFn(vaddr, buf[:sz])
		if err != nil || n <= 0 {
			for i := range buf[:sz] {
				buf[i] = PlaceholderByte
			}
			n = sz
		}
		n = min(n, sz)

		if err := w.WriteSegmentData(buf[:n]); err != nil {
			return err
		}
		remaining -= uint64(n)
		vaddr += uint64(n)
	}
	return nil
}
