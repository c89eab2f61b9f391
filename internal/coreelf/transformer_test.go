package coreelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type rawSegment struct {
	typ   elf.ProgType
	vaddr uint64
	align uint64
	data  []byte
}

func testMetadata() Metadata {
	return Metadata{
		SDKVersion:      "1.4.0",
		CapturedTime:    time.Unix(1700000000, 0),
		DeviceSerial:    "DEMO-0001",
		HardwareVersion: "evt",
		SoftwareType:    "main",
		SoftwareVersion: "2.0.1",
	}
}

// buildCore assembles a little-endian core with gap junk bytes between the
// ELF header and the program header table.
func buildCore(t *testing.T, segs []rawSegment, gap int) []byte {
	t.Helper()

	hdr := Header{
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_AARCH64),
		Version:   uint32(elf.EV_CURRENT),
		Flags:     0x7,
		Phoff:     uint64(HeaderSize + gap),
		Ehsize:    HeaderSize,
		Phentsize: ProgramHeaderSize,
		Phnum:     uint16(len(segs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var table, data bytes.Buffer
	offset := uint64(HeaderSize + gap + len(segs)*ProgramHeaderSize)
	for _, s := range segs {
		phdr := ProgramHeader{
			Type:   uint32(s.typ),
			Off:    offset,
			Vaddr:  s.vaddr,
			Filesz: uint64(len(s.data)),
			Memsz:  uint64(len(s.data)),
			Align:  s.align,
		}
		table.Write(encode(binary.LittleEndian, &phdr))
		data.Write(s.data)
		offset += uint64(len(s.data))
	}

	var out bytes.Buffer
	out.Write(encode(binary.LittleEndian, &hdr))
	out.Write(bytes.Repeat([]byte{0xAA}, gap))
	out.Write(table.Bytes())
	out.Write(data.Bytes())
	return out.Bytes()
}

func pattern(addr uint64) byte {
	return byte(addr*7 + addr>>8)
}

func patternCopy(chunks *[]int) CopyFunc {
	return func(vaddr uint64, buf []byte) (int, error) {
		*chunks = append(*chunks, len(buf))
		for i := range buf {
			buf[i] = pattern(vaddr + uint64(i))
		}
		return len(buf), nil
	}
}

func noteSegment(name string, typ uint32, desc string) []byte {
	return EncodeNote(Note{Name: name, Type: typ, Desc: []byte(desc)}, binary.LittleEndian)
}

func segmentData(t *testing.T, p *elf.Prog) []byte {
	t.Helper()
	data, err := io.ReadAll(p.Open())
	require.NoError(t, err)
	return data
}

func transformBytes(t *testing.T, in []byte, copyFn CopyFunc) (*Result, []byte) {
	t.Helper()
	out := NewMemoryWriter(1 << 20)
	tr := NewTransformer(testMetadata(), copyFn, zaptest.NewLogger(t))
	result, err := tr.Transform(NewMemoryReader(in), out)
	require.NoError(t, err)
	return result, out.Bytes()
}

func TestTransformSegmentLayout(t *testing.T) {
	notes := [][]byte{
		noteSegment("CORE", uint32(elf.NT_PRSTATUS), "prstatus-thread-1"),
		noteSegment("LINUX", 0x200, "xstate"),
	}
	segs := []rawSegment{
		{typ: elf.PT_NOTE, data: notes[0]},
		{typ: elf.PT_LOAD, vaddr: 0x400000, align: 0x1000, data: make([]byte, 100)},
		{typ: elf.PT_DYNAMIC, data: []byte("dynamic")},
		{typ: elf.PT_NOTE, data: notes[1]},
		{typ: elf.PT_LOAD, vaddr: 0x7fff0000, data: make([]byte, 3*CopyChunkSize+123)},
		{typ: elf.PT_LOAD, vaddr: 0x10000, data: make([]byte, 5)},
	}

	var chunks []int
	result, out := transformBytes(t, buildCore(t, segs, 0), patternCopy(&chunks))

	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)

	// 3 LOAD + 2 NOTE + metadata
	require.Len(t, f.Progs, 6)
	assert.Equal(t, 6, result.Segments)
	assert.Equal(t, elf.ET_CORE, f.Type)
	assert.Equal(t, elf.EM_AARCH64, f.Machine)
	assert.Equal(t, []string{"Unexpected segment type: 2"}, result.Warnings)

	wantTypes := []elf.ProgType{elf.PT_NOTE, elf.PT_LOAD, elf.PT_NOTE, elf.PT_LOAD, elf.PT_LOAD, elf.PT_NOTE}
	for i, p := range f.Progs {
		assert.Equal(t, wantTypes[i], p.Type, "segment %d", i)
	}

	t.Run("note bytes are unchanged", func(t *testing.T) {
		assert.Equal(t, notes[0], segmentData(t, f.Progs[0]))
		assert.Equal(t, notes[1], segmentData(t, f.Progs[2]))
	})

	t.Run("load bytes come from the copier", func(t *testing.T) {
		for _, idx := range []int{1, 3, 4} {
			p := f.Progs[idx]
			data := segmentData(t, p)
			require.Len(t, data, int(p.Filesz))
			for i, b := range data {
				if b != pattern(p.Vaddr+uint64(i)) {
					t.Fatalf("segment %d byte %d: got 0x%x want 0x%x", idx, i, b, pattern(p.Vaddr+uint64(i)))
				}
			}
		}
		for _, c := range chunks {
			assert.LessOrEqual(t, c, CopyChunkSize)
		}
		assert.Greater(t, len(chunks), 4)
	})

	t.Run("load addresses and sizes are preserved", func(t *testing.T) {
		assert.Equal(t, uint64(0x400000), f.Progs[1].Vaddr)
		assert.Equal(t, uint64(100), f.Progs[1].Filesz)
		assert.Equal(t, uint64(0x7fff0000), f.Progs[3].Vaddr)
		assert.Equal(t, uint64(3*CopyChunkSize+123), f.Progs[3].Filesz)
		assert.Zero(t, f.Progs[1].Off%0x1000)
	})

	t.Run("metadata note is last", func(t *testing.T) {
		last := f.Progs[len(f.Progs)-1]
		parsed, err := ParseNotes(segmentData(t, last), binary.LittleEndian)
		require.NoError(t, err)
		require.Len(t, parsed, 1)
		assert.Equal(t, MetadataNoteName, parsed[0].Name)
		assert.Equal(t, MetadataNoteType, parsed[0].Type)

		md, err := DecodeMetadata(parsed[0].Desc)
		require.NoError(t, err)
		want := testMetadata()
		assert.Equal(t, want.DeviceSerial, md.DeviceSerial)
		assert.Equal(t, want.SoftwareVersion, md.SoftwareVersion)
		assert.Equal(t, want.CapturedTime.Unix(), md.CapturedTime.Unix())
	})
}

func TestTransformCopyFailuresUsePlaceholder(t *testing.T) {
	segs := []rawSegment{
		{typ: elf.PT_LOAD, vaddr: 0x1000, data: make([]byte, 2*CopyChunkSize)},
	}
	calls := 0
	failing := func(vaddr uint64, buf []byte) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("EIO")
		}
		return 0, nil
	}

	result, out := transformBytes(t, buildCore(t, segs, 0), failing)
	assert.Empty(t, result.Warnings)

	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	data := segmentData(t, f.Progs[0])
	assert.Equal(t, bytes.Repeat([]byte{PlaceholderByte}, 2*CopyChunkSize), data)
	assert.Equal(t, 2, calls)
}

func TestTransformShortCopies(t *testing.T) {
	segs := []rawSegment{
		{typ: elf.PT_LOAD, vaddr: 0x2000, data: make([]byte, 1000)},
	}
	short := func(vaddr uint64, buf []byte) (int, error) {
		n := min(len(buf), 7)
		for i := range buf[:n] {
			buf[i] = pattern(vaddr + uint64(i))
		}
		return n, nil
	}

	_, out := transformBytes(t, buildCore(t, segs, 0), short)
	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)

	data := segmentData(t, f.Progs[0])
	require.Len(t, data, 1000)
	for i, b := range data {
		require.Equal(t, pattern(0x2000+uint64(i)), b)
	}
}

func TestTransformWarningOverflow(t *testing.T) {
	var segs []rawSegment
	for i := 0; i < MaxWarnings+4; i++ {
		segs = append(segs, rawSegment{typ: elf.PT_DYNAMIC, data: []byte{byte(i)}})
	}
	segs = append(segs, rawSegment{typ: elf.PT_LOAD, vaddr: 0x1000, data: make([]byte, 10)})

	var chunks []int
	result, out := transformBytes(t, buildCore(t, segs, 0), patternCopy(&chunks))

	assert.Len(t, result.Warnings, MaxWarnings)
	assert.Equal(t, 4, result.DroppedWarnings)

	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	require.Len(t, f.Progs, 2)
	assert.Equal(t, elf.PT_LOAD, f.Progs[0].Type)
	assert.Equal(t, elf.PT_NOTE, f.Progs[1].Type)
}

func TestTransformSkipsGapBeforeTable(t *testing.T) {
	note := noteSegment("CORE", 1, "regs")
	segs := []rawSegment{{typ: elf.PT_NOTE, data: note}}

	result, out := transformBytes(t, buildCore(t, segs, 24), nil)
	assert.Equal(t, []string{"Ignoring data between header and segment table"}, result.Warnings)

	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	require.Len(t, f.Progs, 2)
	assert.Equal(t, note, segmentData(t, f.Progs[0]))
	assert.Equal(t, uint64(HeaderSize), uint64(f.Progs[0].Off)-2*ProgramHeaderSize)
}

func TestTransformUnreadableNoteIsDropped(t *testing.T) {
	segs := []rawSegment{
		{typ: elf.PT_NOTE, data: noteSegment("CORE", 1, "a")},
	}
	raw := buildCore(t, segs, 0)
	// Point the note back into the ELF header, which has already been consumed.
	binary.LittleEndian.PutUint64(raw[HeaderSize+8:], 8)

	result, out := transformBytes(t, raw, nil)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "Failed to read note at 8")

	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Len(t, f.Progs, 1)
}

func TestTransformRejectsMalformedInput(t *testing.T) {
	valid := buildCore(t, []rawSegment{{typ: elf.PT_NOTE, data: noteSegment("CORE", 1, "x")}}, 0)

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr error
	}{
		{
			name:    "bad magic",
			mutate:  func(b []byte) []byte { b[0] = 0; return b },
			wantErr: ErrNotCoreELF,
		},
		{
			name:    "32-bit class",
			mutate:  func(b []byte) []byte { b[elf.EI_CLASS] = byte(elf.ELFCLASS32); return b },
			wantErr: ErrNotCoreELF,
		},
		{
			name: "executable instead of core",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint16(b[16:], uint16(elf.ET_EXEC))
				return b
			},
			wantErr: ErrNotCoreELF,
		},
		{
			name: "wrong program header size",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint16(b[54:], 32)
				return b
			},
			wantErr: ErrNotCoreELF,
		},
		{
			name: "segment table overlaps header",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint64(b[32:], 10)
				return b
			},
			wantErr: ErrNotCoreELF,
		},
		{
			name:    "truncated header",
			mutate:  func(b []byte) []byte { return b[:40] },
			wantErr: ErrTruncated,
		},
		{
			name:    "truncated segment table",
			mutate:  func(b []byte) []byte { return b[:HeaderSize+10] },
			wantErr: ErrTruncated,
		},
		{
			name:    "empty input",
			mutate:  func(b []byte) []byte { return nil },
			wantErr: ErrTruncated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.mutate(bytes.Clone(valid))
			out := NewMemoryWriter(1 << 16)
			tr := NewTransformer(testMetadata(), nil, zaptest.NewLogger(t))

			result, err := tr.Transform(NewMemoryReader(in), out)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, result)
			assert.Zero(t, out.Len())
		})
	}
}

func TestTransformSinkErrors(t *testing.T) {
	segs := []rawSegment{{typ: elf.PT_LOAD, vaddr: 0x1000, data: make([]byte, 8192)}}
	var chunks []int

	t.Run("memory sink full", func(t *testing.T) {
		tr := NewTransformer(testMetadata(), patternCopy(&chunks), zaptest.NewLogger(t))
		_, err := tr.Transform(NewMemoryReader(buildCore(t, segs, 0)), NewMemoryWriter(1024))
		assert.ErrorIs(t, err, ErrBufferFull)
	})

	t.Run("file sink limit", func(t *testing.T) {
		f, err := createTempFile(t)
		require.NoError(t, err)
		defer f.Close()

		tr := NewTransformer(testMetadata(), patternCopy(&chunks), zaptest.NewLogger(t))
		_, err = tr.Transform(NewMemoryReader(buildCore(t, segs, 0)), NewFileSink(f, 4096))
		assert.ErrorIs(t, err, ErrMaxSizeReached)
	})
}

func TestTransformGzipOutput(t *testing.T) {
	segs := []rawSegment{
		{typ: elf.PT_NOTE, data: noteSegment("CORE", 1, "regs")},
		{typ: elf.PT_LOAD, vaddr: 0x1000, data: make([]byte, 10000)},
	}
	var chunks []int

	mem := NewMemoryWriter(1 << 20)
	tr := NewTransformer(testMetadata(), patternCopy(&chunks), zaptest.NewLogger(t))
	result, err := tr.Transform(NewMemoryReader(buildCore(t, segs, 0)), NewGzipSink(mem))
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(mem.Bytes()))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, result.BytesWritten, uint64(len(plain)))

	f, err := elf.NewFile(bytes.NewReader(plain))
	require.NoError(t, err)
	assert.Len(t, f.Progs, 3)
}

func TestTransformKeepsSegmentCountBelowXNum(t *testing.T) {
	segs := make([]rawSegment, math.MaxUint16-1)
	for i := range segs {
		segs[i] = rawSegment{typ: elf.PT_LOAD, vaddr: uint64(i) * 0x1000}
	}

	var chunks []int
	tr := NewTransformer(testMetadata(), patternCopy(&chunks), zaptest.NewLogger(t))
	out := NewMemoryWriter(16 << 20)
	result, err := tr.Transform(NewMemoryReader(buildCore(t, segs, 0)), out)
	require.NoError(t, err)

	assert.Equal(t, MaxKeptSegments+1, result.Segments)
	assert.Equal(t, []string{"Ignoring segment 65533: segment table full"}, result.Warnings)

	hdr, _, err := ParseHeader(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint16(MaxKeptSegments+1), hdr.Phnum)

	again := NewMemoryWriter(16 << 20)
	_, err = NewTransformer(testMetadata(), patternCopy(&chunks), zaptest.NewLogger(t)).
		Transform(NewMemoryReader(out.Bytes()), again)
	require.NoError(t, err)
}

func TestWriterRejectsExtendedNumbering(t *testing.T) {
	w := NewWriter(NewMemoryWriter(16 << 20))
	for i := 0; i < math.MaxUint16; i++ {
		w.AddSegment(ProgramHeader{Type: uint32(elf.PT_LOAD)}, nil)
	}
	assert.ErrorIs(t, w.Write(), ErrTooManySegments)
}
