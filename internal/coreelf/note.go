package coreelf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const noteHeaderSize = 12

func align4(n int) int {
	return (n + 3) &^ 3
}

// Note is a single ELF note record
type Note struct {
	Name string
	Type uint32
	Desc []byte
}

// NoteSize returns the encoded size of a note, including padding
func NoteSize(name string, descLen int) int {
	return noteHeaderSize + align4(len(name)+1) + align4(descLen)
}

// EncodeNote serializes a note. The name is NUL-terminated and both name and
// descriptor are padded to 4 bytes.
func EncodeNote(n Note, order binary.ByteOrder) []byte {
	namesz := len(n.Name) + 1
	buf := make([]byte, NoteSize(n.Name, len(n.Desc)))

	order.PutUint32(buf[0:], uint32(namesz))
	order.PutUint32(buf[4:], uint32(len(n.Desc)))
	order.PutUint32(buf[8:], n.Type)
	copy(buf[noteHeaderSize:], n.Name)
	copy(buf[noteHeaderSize+align4(namesz):], n.Desc)
	return buf
}

// ParseNotes decodes the records of a NOTE segment
func ParseNotes(data []byte, order binary.ByteOrder) ([]Note, error) {
	var notes []Note
	for len(data) > 0 {
		if len(data) < noteHeaderSize {
			return notes, errors.New("truncated note header")
		}
		namesz := int(order.Uint32(data[0:]))
		descsz := int(order.Uint32(data[4:]))
		typ := order.Uint32(data[8:])

		nameEnd := noteHeaderSize + align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if namesz < 0 || descsz < 0 || descEnd > len(data) || nameEnd > len(data) {
			return notes, fmt.Errorf("note of %d+%d bytes overruns segment", namesz, descsz)
		}

		name := data[noteHeaderSize : noteHeaderSize+namesz]
		if namesz > 0 && name[namesz-1] == 0 {
			name = name[:namesz-1]
		}
		notes = append(notes, Note{
			Name: string(name),
			Type: typ,
			Desc: data[nameEnd : nameEnd+descsz],
		})
		data = data[descEnd:]
	}
	return notes, nil
}
