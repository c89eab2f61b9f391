package coreelf

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

var (
	// ErrBufferFull is returned when a memory sink has no room left
	ErrBufferFull = errors.New("buffer full")

	// ErrMaxSizeReached is returned when a file sink would exceed its size limit
	ErrMaxSizeReached = errors.New("cannot write corefile, max size reached")
)

// Sink is the output side of a transform. Sync flushes everything written so
// far to durable storage and is called once after the last segment.
type Sink interface {
	io.Writer
	Sync() error
}

// MemoryReader reads from an owned buffer. Reads never go past end.
type MemoryReader struct {
	buf    []byte
	cursor int
	end    int
}

// NewMemoryReader creates a reader over buf
func NewMemoryReader(buf []byte) *MemoryReader {
	return &MemoryReader{buf: buf, end: len(buf)}
}

// Read copies up to len(p) bytes and returns io.EOF once the buffer is drained
func (r *MemoryReader) Read(p []byte) (int, error) {
	if r.cursor >= r.end {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.cursor:r.end])
	r.cursor += n
	return n, nil
}

// MemoryWriter writes into a fixed-capacity owned buffer
type MemoryWriter struct {
	buf    []byte
	cursor int
	end    int
}

// NewMemoryWriter creates a writer that holds at most capacity bytes
func NewMemoryWriter(capacity int) *MemoryWriter {
	return &MemoryWriter{buf: make([]byte, capacity), end: capacity}
}

// Write appends p. Nothing is written if p does not fit.
func (w *MemoryWriter) Write(p []byte) (int, error) {
	if len(p) > w.end-w.cursor {
		return 0, fmt.Errorf("%w: %d bytes requested, %d available", ErrBufferFull, len(p), w.end-w.cursor)
	}
	n := copy(w.buf[w.cursor:w.end], p)
	w.cursor += n
	return n, nil
}

// Sync is a no-op for memory buffers
func (w *MemoryWriter) Sync() error {
	return nil
}

// Bytes returns the bytes written so far
func (w *MemoryWriter) Bytes() []byte {
	return w.buf[:w.cursor]
}

// Len returns the number of bytes written so far
func (w *MemoryWriter) Len() int {
	return w.cursor
}

// FileSink writes to a file and refuses to grow it past maxSize bytes. Any
// file with Sync works, including *os.File and afero files.
type FileSink struct {
	file    Sink
	maxSize uint64
	written uint64
}

// NewFileSink wraps file. A maxSize of zero means no limit.
func NewFileSink(file Sink, maxSize uint64) *FileSink {
	return &FileSink{file: file, maxSize: maxSize}
}

// Write writes p unless that would push the file over the size limit
func (s *FileSink) Write(p []byte) (int, error) {
	if s.maxSize > 0 && s.written+uint64(len(p)) > s.maxSize {
		return 0, fmt.Errorf("%w: limit %d bytes", ErrMaxSizeReached, s.maxSize)
	}
	n, err := s.file.Write(p)
	s.written += uint64(n)
	return n, err
}

// Sync fsyncs the file
func (s *FileSink) Sync() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("fsync failed: %w", err)
	}
	return nil
}

// Written returns the number of bytes accepted so far
func (s *FileSink) Written() uint64 {
	return s.written
}

// GzipSink compresses into another sink. Sync terminates the gzip stream,
// so nothing may be written after it.
type GzipSink struct {
	gz     *gzip.Writer
	next   Sink
	closed bool
}

// NewGzipSink creates a gzip layer on top of next
func NewGzipSink(next Sink) *GzipSink {
	return &GzipSink{gz: gzip.NewWriter(next), next: next}
}

// Write compresses p into the next sink
func (s *GzipSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("write to finished gzip stream")
	}
	n, err := s.gz.Write(p)
	if err != nil {
		return n, fmt.Errorf("deflate error: %w", err)
	}
	return n, nil
}

// Sync writes the gzip trailer and syncs the next sink
func (s *GzipSink) Sync() error {
	if !s.closed {
		s.closed = true
		if err := s.gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	}
	return s.next.Sync()
}
