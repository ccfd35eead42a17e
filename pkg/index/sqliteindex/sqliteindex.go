// Package sqliteindex implements the transactional row-store index
// backend: a transactional row store (schema: (documentHash TEXT PRIMARY
// KEY, offset INTEGER)), with periodic commit after every K writes.
package sqliteindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/vecthash/embedcache/pkg/index"
)

// sqliteBusyTimeout is how long SQLite waits on a locked database before
// returning SQLITE_BUSY.
const sqliteBusyTimeout = 10000 // milliseconds

const schema = `
CREATE TABLE IF NOT EXISTS embeddings (
	documentHash TEXT PRIMARY KEY,
	offset INTEGER NOT NULL
);
`

// Writer is the DCP's exclusive writable handle onto a model's sqlite index.
type Writer struct {
	db         *sql.DB
	flushEvery int
	log        zerolog.Logger

	mu      sync.Mutex
	pending []entry
}

type entry struct {
	hash   string
	offset uint64
}

// OpenWriter opens (creating if needed) a writable sqlite index at path,
// flushing buffered writes every flushEvery puts.
func OpenWriter(ctx context.Context, path string, flushEvery int, log zerolog.Logger) (*Writer, error) {
	if flushEvery <= 0 {
		return nil, fmt.Errorf("sqliteindex: flushEvery must be > 0, got %d", flushEvery)
	}

	db, err := openDB(ctx, path, false)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqliteindex: create schema: %w", err)
	}

	return &Writer{db: db, flushEvery: flushEvery, log: log}, nil
}

// OpenReadOnly opens a read-only handle onto an existing sqlite index, used
// by workers to bypass the DCP on reads entirely.
func OpenReadOnly(ctx context.Context, path string) (*ReadOnlyStore, error) {
	db, err := openDB(ctx, path, true)
	if err != nil {
		return nil, err
	}

	return &ReadOnlyStore{db: db}, nil
}

func openDB(ctx context.Context, path string, readOnly bool) (*sql.DB, error) {
	dsn := path
	if readOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqliteindex: open: %w", err)
	}

	// A single connection serializes per-connection PRAGMAs (busy_timeout,
	// WAL); the sqlite3 driver itself handles intra-process serialization
	// from there, opened with relaxed-thread checking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqliteindex: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
	`, sqliteBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqliteindex: apply pragmas: %w", err)
	}

	return db, nil
}

// Get implements index.Store.
func (w *Writer) Get(ctx context.Context, hash string) (uint64, bool, error) {
	return get(ctx, w.db, hash)
}

// Put implements index.Writer: stages (hash, offset) in a mutex-guarded
// buffer and flushes every flushEvery puts. Thread-local staging is
// simplified here to one shared buffer behind a mutex, since sqlite
// already serializes all writes through a single connection —
// per-goroutine staging would only defer contention that openDB's
// SetMaxOpenConns(1) re-introduces at flush time anyway.
func (w *Writer) Put(ctx context.Context, hash string, offset uint64) error {
	w.mu.Lock()
	w.pending = append(w.pending, entry{hash: hash, offset: offset})
	shouldFlush := len(w.pending) >= w.flushEvery
	w.mu.Unlock()

	if shouldFlush {
		return w.Flush(ctx)
	}

	return nil
}

// Flush commits any buffered writes in a single transaction.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqliteindex: begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO embeddings (documentHash, offset) VALUES (?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqliteindex: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx, e.hash, int64(e.offset)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqliteindex: exec: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqliteindex: commit: %w", err)
	}

	w.log.Debug().Int("n", len(batch)).Msg("sqliteindex: flushed batch")

	return nil
}

// Close flushes any pending writes and closes the database handle.
func (w *Writer) Close() error {
	if err := w.Flush(context.Background()); err != nil {
		return err
	}

	return w.db.Close()
}

// ReadOnlyStore is a worker's direct, DCP-bypassing read handle.
type ReadOnlyStore struct {
	db *sql.DB
}

// Get implements index.Store.
func (r *ReadOnlyStore) Get(ctx context.Context, hash string) (uint64, bool, error) {
	return get(ctx, r.db, hash)
}

// Close closes the read-only handle.
func (r *ReadOnlyStore) Close() error {
	return r.db.Close()
}

func get(ctx context.Context, db *sql.DB, hash string) (uint64, bool, error) {
	row := db.QueryRowContext(ctx, `SELECT offset FROM embeddings WHERE documentHash = ?`, hash)

	var offset int64

	switch err := row.Scan(&offset); {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("sqliteindex: get: %w", err)
	}

	return uint64(offset), true, nil
}

var (
	_ index.Writer = (*Writer)(nil)
	_ index.Store  = (*ReadOnlyStore)(nil)
)
