// Package queue is the persistent hand-off between capture plugins and the
// upload subsystem. Entries survive restarts and are removed once acknowledged.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	entryPrefix   = "entry/"
	sequenceKey   = "meta/sequence"
	sequenceLease = 64
)

// Entry kinds produced by the plugins
const (
	KindCoredump   = "coredump"
	KindReboot     = "reboot"
	KindAttributes = "attributes"
	KindMetrics    = "metrics"
)

// Entry is one artifact waiting for upload
type Entry struct {
	Kind      string          `json:"kind"`
	Path      string          `json:"path,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Item is a queued entry and its sequence number
type Item struct {
	Seq   uint64
	Entry Entry
}

// Config configures the queue storage
type Config struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir        string
	InMemory   bool
	SyncWrites bool
}

// Queue is a FIFO of entries stored in badger
type Queue struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *zap.Logger
}

// badgerLogger adapts zap to badger's logger interface
type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.sugar.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.sugar.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.sugar.Debugf(format, args...) }

// Open opens or creates the queue
func Open(cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("queue")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("queue directory is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create queue directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{sugar: logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	seq, err := db.GetSequence([]byte(sequenceKey), sequenceLease)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open queue sequence: %w", err)
	}

	return &Queue{db: db, seq: seq, logger: logger}, nil
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], seq)
	return key
}

// Enqueue appends an entry and returns its sequence number
func (q *Queue) Enqueue(e Entry) (uint64, error) {
	if e.Kind == "" {
		return 0, errors.New("entry kind is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	seq, err := q.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("failed to encode entry: %w", err)
	}

	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(seq), data)
	}); err != nil {
		return 0, fmt.Errorf("failed to store entry: %w", err)
	}

	q.logger.Debug("Queued entry",
		zap.Uint64("seq", seq),
		zap.String("kind", e.Kind),
		zap.String("path", e.Path))
	return seq, nil
}

// Peek returns up to limit of the oldest entries without removing them
func (q *Queue) Peek(limit int) ([]Item, error) {
	var items []Item
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(items) < limit; it.Next() {
			item := it.Item()
			seq := binary.BigEndian.Uint64(item.Key()[len(entryPrefix):])

			var e Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("failed to decode entry %d: %w", seq, err)
			}
			items = append(items, Item{Seq: seq, Entry: e})
		}
		return nil
	})
	return items, err
}

// Ack removes an entry once it has been handled
func (q *Queue) Ack(seq uint64) error {
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(seq))
	})
}

// Len returns the number of queued entries
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close releases the sequence lease and closes the database
func (q *Queue) Close() error {
	var errs []error
	if err := q.seq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release sequence: %w", err))
	}
	if err := q.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close queue database: %w", err))
	}
	return errors.Join(errs...)
}
