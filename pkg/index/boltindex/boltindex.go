// Package boltindex implements the key-value log-structured index backend:
// a key-value log-structured store, with batched writes flushed every K
// writes, committed as a single bbolt transaction per batch.
package boltindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/vecthash/embedcache/pkg/index"
)

var bucketName = []byte("embeddings")

// openTimeout bounds how long Open waits for bbolt's own file lock, should
// another process already hold the writable handle.
const openTimeout = 5 * time.Second

// Writer is the DCP's exclusive writable handle onto a model's bolt index.
// bbolt enforces a single writer per file itself and asserts in-process
// multithread safety; this type layers count-based batching on top.
type Writer struct {
	db         *bolt.DB
	flushEvery int
	log        zerolog.Logger

	mu      sync.Mutex
	pending map[string]uint64
}

// OpenWriter opens (creating if needed) a writable bolt index at path,
// flushing buffered writes every flushEvery puts.
func OpenWriter(path string, flushEvery int, log zerolog.Logger) (*Writer, error) {
	if flushEvery <= 0 {
		return nil, fmt.Errorf("boltindex: flushEvery must be > 0, got %d", flushEvery)
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("boltindex: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltindex: create bucket: %w", err)
	}

	return &Writer{db: db, flushEvery: flushEvery, pending: make(map[string]uint64), log: log}, nil
}

// Get implements index.Store.
func (w *Writer) Get(_ context.Context, hash string) (uint64, bool, error) {
	return get(w.db, hash)
}

// Put implements index.Writer: stages (hash, offset) in a mutex-guarded map
// and flushes every flushEvery puts.
func (w *Writer) Put(ctx context.Context, hash string, offset uint64) error {
	w.mu.Lock()
	w.pending[hash] = offset
	shouldFlush := len(w.pending) >= w.flushEvery
	w.mu.Unlock()

	if shouldFlush {
		return w.Flush(ctx)
	}

	return nil
}

// Flush commits any buffered writes in a single bbolt transaction.
func (w *Writer) Flush(_ context.Context) error {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]uint64, len(batch))
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)

		for hash, offset := range batch {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], offset)

			if err := b.Put([]byte(hash), buf[:]); err != nil {
				return fmt.Errorf("put %s: %w", hash, err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("boltindex: flush: %w", err)
	}

	w.log.Debug().Int("n", len(batch)).Msg("boltindex: flushed batch")

	return nil
}

// Close flushes any pending writes and closes the database file.
func (w *Writer) Close() error {
	if err := w.Flush(context.Background()); err != nil {
		return err
	}

	return w.db.Close()
}

func get(db *bolt.DB, hash string) (uint64, bool, error) {
	var (
		offset uint64
		found  bool
	)

	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}

		v := b.Get([]byte(hash))
		if v == nil {
			return nil
		}

		if len(v) != 8 {
			return fmt.Errorf("boltindex: corrupt value for %s: length %d != 8", hash, len(v))
		}

		offset = binary.BigEndian.Uint64(v)
		found = true

		return nil
	})
	if err != nil {
		return 0, false, err
	}

	return offset, found, nil
}

var _ index.Writer = (*Writer)(nil)
