package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestQueueFIFO(t *testing.T) {
	q, err := Open(Config{InMemory: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer q.Close()

	first, err := q.Enqueue(Entry{Kind: KindCoredump, Path: "/data/core/corefile-1.gz"})
	require.NoError(t, err)
	second, err := q.Enqueue(Entry{Kind: KindReboot, Payload: json.RawMessage(`{"reason":2}`)})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err := q.Peek(10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first, items[0].Seq)
	assert.Equal(t, KindCoredump, items[0].Entry.Kind)
	assert.False(t, items[0].Entry.CreatedAt.IsZero())
	assert.JSONEq(t, `{"reason":2}`, string(items[1].Entry.Payload))

	require.NoError(t, q.Ack(first))
	items, err = q.Peek(1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, second, items[0].Seq)
}

func TestQueueRejectsEntryWithoutKind(t *testing.T) {
	q, err := Open(Config{InMemory: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue(Entry{Path: "/x"})
	assert.Error(t, err)
}

func TestQueuePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	created := time.Unix(1700000000, 0).UTC()

	q, err := Open(Config{Dir: dir, SyncWrites: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	seq, err := q.Enqueue(Entry{Kind: KindAttributes, CreatedAt: created})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	reopened, err := Open(Config{Dir: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer reopened.Close()

	items, err := reopened.Peek(10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, seq, items[0].Seq)
	assert.True(t, created.Equal(items[0].Entry.CreatedAt))

	next, err := reopened.Enqueue(Entry{Kind: KindAttributes})
	require.NoError(t, err)
	assert.Greater(t, next, seq)
}
