package coreelf

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTempFile(t *testing.T) (*os.File, error) {
	t.Helper()
	return os.Create(filepath.Join(t.TempDir(), "core.elf"))
}

func TestMemoryReader(t *testing.T) {
	r := NewMemoryReader([]byte("abcdefgh"))

	buf := make([]byte, 3)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "defgh", string(rest))

	n, err = r.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMemoryWriterBounds(t *testing.T) {
	w := NewMemoryWriter(8)

	n, err := w.Write([]byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = w.Write([]byte("6789"))
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Zero(t, n)
	assert.Equal(t, "12345", string(w.Bytes()))

	_, err = w.Write([]byte("678"))
	require.NoError(t, err)
	assert.Equal(t, 8, w.Len())
	assert.NoError(t, w.Sync())
}

func TestFileSinkLimit(t *testing.T) {
	f, err := createTempFile(t)
	require.NoError(t, err)
	defer f.Close()

	sink := NewFileSink(f, 10)
	_, err = sink.Write([]byte("0123456789"))
	require.NoError(t, err)
	_, err = sink.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrMaxSizeReached)
	assert.Equal(t, uint64(10), sink.Written())
	require.NoError(t, sink.Sync())

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestFileSinkUnlimited(t *testing.T) {
	f, err := createTempFile(t)
	require.NoError(t, err)
	defer f.Close()

	sink := NewFileSink(f, 0)
	_, err = sink.Write(make([]byte, 1<<16))
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<16), sink.Written())
}

func TestGzipSinkRejectsWritesAfterSync(t *testing.T) {
	mem := NewMemoryWriter(1024)
	sink := NewGzipSink(mem)

	_, err := sink.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, sink.Sync())
	require.NoError(t, sink.Sync())

	_, err = sink.Write([]byte("late"))
	assert.Error(t, err)
	assert.NotZero(t, mem.Len())
}
