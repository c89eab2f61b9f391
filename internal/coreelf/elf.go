package coreelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// HeaderSize is the size of an ELF64 file header
	HeaderSize = 64

	// ProgramHeaderSize is the size of an ELF64 program header entry
	ProgramHeaderSize = 56
)

var (
	// ErrNotCoreELF is returned when the input is not a 64-bit ELF core dump
	ErrNotCoreELF = errors.New("not an ELF coredump")

	// ErrTruncated is returned when the input ends inside a header or the segment table
	ErrTruncated = errors.New("unexpected end of ELF stream")

	// ErrTooManySegments is returned when a segment count does not fit e_phnum
	ErrTooManySegments = errors.New("too many segments for e_phnum")
)

// ProgramHeader is a 64-bit program header entry
type ProgramHeader = elf.Prog64

// Header is a 64-bit ELF file header
type Header = elf.Header64

// byteOrder returns the data encoding declared in the ELF identification bytes
func byteOrder(ident [elf.EI_NIDENT]byte) (binary.ByteOrder, error) {
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		return binary.LittleEndian, nil
	case elf.ELFDATA2MSB:
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("%w: unknown data encoding %d", ErrNotCoreELF, ident[elf.EI_DATA])
	}
}

// ParseHeader decodes and validates an ELF core header
func ParseHeader(raw []byte) (*Header, binary.ByteOrder, error) {
	if len(raw) < HeaderSize {
		return nil, nil, fmt.Errorf("%w: header is %d bytes", ErrTruncated, len(raw))
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], raw)
	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return nil, nil, fmt.Errorf("%w: bad magic", ErrNotCoreELF)
	}
	if elf.Class(ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil, nil, fmt.Errorf("%w: class %d is not ELFCLASS64", ErrNotCoreELF, ident[elf.EI_CLASS])
	}

	order, err := byteOrder(ident)
	if err != nil {
		return nil, nil, err
	}

	var hdr Header
	if err := binary.Read(bytes.NewReader(raw[:HeaderSize]), order, &hdr); err != nil {
		return nil, nil, fmt.Errorf("failed to decode ELF header: %w", err)
	}

	if err := validateHeader(&hdr); err != nil {
		return nil, nil, err
	}
	return &hdr, order, nil
}

func validateHeader(hdr *Header) error {
	if elf.Version(hdr.Version) != elf.EV_CURRENT {
		return fmt.Errorf("%w: version %d", ErrNotCoreELF, hdr.Version)
	}
	if hdr.Ehsize != HeaderSize {
		return fmt.Errorf("%w: e_ehsize %d", ErrNotCoreELF, hdr.Ehsize)
	}
	if hdr.Phentsize != ProgramHeaderSize {
		return fmt.Errorf("%w: e_phentsize %d", ErrNotCoreELF, hdr.Phentsize)
	}
	if elf.Type(hdr.Type) != elf.ET_CORE {
		return fmt.Errorf("%w: e_type %s", ErrNotCoreELF, elf.Type(hdr.Type))
	}
	// PN_XNUM moves the real count into section 0, which cores written
	// by the kernel's pipe helper never use.
	if hdr.Phnum == math.MaxUint16 {
		return fmt.Errorf("%w: extended program header numbering is not supported", ErrNotCoreELF)
	}
	return nil
}

// ParseProgramHeaders decodes a program header table
func ParseProgramHeaders(raw []byte, count int, order binary.ByteOrder) ([]ProgramHeader, error) {
	if len(raw) < count*ProgramHeaderSize {
		return nil, fmt.Errorf("%w: segment table is %d bytes, want %d", ErrTruncated, len(raw), count*ProgramHeaderSize)
	}

	phdrs := make([]ProgramHeader, count)
	if err := binary.Read(bytes.NewReader(raw[:count*ProgramHeaderSize]), order, phdrs); err != nil {
		return nil, fmt.Errorf("failed to decode program headers: %w", err)
	}
	return phdrs, nil
}

// encode serializes a fixed-size ELF structure with the given byte order
func encode(order binary.ByteOrder, v any) []byte {
	var buf bytes.Buffer
	buf.Grow(binary.Size(v))
	// bytes.Buffer writes never fail and v is always a fixed-size struct
	_ = binary.Write(&buf, order, v)
	return buf.Bytes()
}
