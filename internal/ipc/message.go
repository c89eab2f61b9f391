// Package ipc implements the control socket protocol between the daemon and
// short-lived clients such as the core handler. A message is a datagram of
// NUL-terminated strings, the first being the tag of the target plugin, and
// may carry one file descriptor as SCM_RIGHTS ancillary data.
package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
)

const (
	// MaxMessageSize bounds the payload of one datagram
	MaxMessageSize = 1024

	// ReplySize is the size of a status reply (a C int)
	ReplySize = 4

	// CoreTag routes core handler messages
	CoreTag = "CORE"

	// CoreSubtypeELF is the only core format the handler sends
	CoreSubtypeELF = "ELF"
)

const (
	// StatusOK is replied when the handler succeeded
	StatusOK int32 = 0

	// StatusError is replied when the handler failed
	StatusError int32 = 1
)

var (
	// ErrEmptyMessage is returned for a datagram without a tag
	ErrEmptyMessage = errors.New("empty message")

	// ErrMessageTooLarge is returned when an encoded message exceeds MaxMessageSize
	ErrMessageTooLarge = errors.New("message too large")
)

// Message is a decoded control message
type Message struct {
	Tag  string
	Args []string

	// FD is the descriptor transferred with the message, if any
	FD *TransferredFD
}

// Arg returns the i-th argument or "" if absent
func (m *Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

// Close releases a transferred descriptor nobody took
func (m *Message) Close() error {
	if m.FD == nil {
		return nil
	}
	return m.FD.Close()
}

// Encode packs the tag and arguments as contiguous NUL-terminated strings
func Encode(tag string, args ...string) ([]byte, error) {
	if tag == "" {
		return nil, ErrEmptyMessage
	}

	var buf bytes.Buffer
	for _, s := range append([]string{tag}, args...) {
		if bytes.IndexByte([]byte(s), 0) >= 0 {
			return nil, fmt.Errorf("argument %q contains NUL", s)
		}
		buf.WriteString(s)
		buf.WriteByte(0)
	}

	if buf.Len() > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, buf.Len(), MaxMessageSize)
	}
	return buf.Bytes(), nil
}

// Decode splits a payload into tag and arguments. A final string without a
// terminating NUL is accepted.
func Decode(payload []byte) (tag string, args []string, err error) {
	payload = bytes.TrimSuffix(payload, []byte{0})
	if len(payload) == 0 {
		return "", nil, ErrEmptyMessage
	}

	parts := bytes.Split(payload, []byte{0})
	if len(parts[0]) == 0 {
		return "", nil, ErrEmptyMessage
	}

	tag = string(parts[0])
	args = make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		args = append(args, string(p))
	}
	return tag, args, nil
}

// EncodeStatus encodes a reply in host byte order
func EncodeStatus(code int32) []byte {
	buf := make([]byte, ReplySize)
	binary.NativeEndian.PutUint32(buf, uint32(code))
	return buf
}

// DecodeStatus decodes a reply. Anything but exactly ReplySize bytes is invalid.
func DecodeStatus(buf []byte) (int32, error) {
	if len(buf) != ReplySize {
		return 0, fmt.Errorf("invalid reply of %d bytes", len(buf))
	}
	return int32(binary.NativeEndian.Uint32(buf)), nil
}

// TransferredFD owns a descriptor received from another process. Take hands
// the descriptor to exactly one consumer.
type TransferredFD struct {
	mu   sync.Mutex
	file *os.File
}

// NewTransferredFD takes ownership of fd
func NewTransferredFD(fd int, name string) *TransferredFD {
	return &TransferredFD{file: os.NewFile(uintptr(fd), name)}
}

// Take returns the descriptor as a file. Only the first call gets it; later
// calls return nil.
func (t *TransferredFD) Take() *os.File {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	f := t.file
	t.file = nil
	return f
}

// Close closes the descriptor if it was never taken
func (t *TransferredFD) Close() error {
	if f := t.Take(); f != nil {
		return f.Close()
	}
	return nil
}
