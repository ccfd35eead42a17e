// Package index defines the abstract H -> O lookup/write capability shared
// by the DCP and the worker-side cache client: the orchestrator and cache
// client import only these interfaces, never a concrete backend, and the
// DCP/supervisor wire up a concrete backend (sqliteindex or boltindex) at
// startup.
package index

import "context"

// Store is the read path: a document hash maps to a byte offset, or is
// unknown. Both backends satisfy Store; a sqlite-backed read-only handle is
// additionally handed directly to workers, bypassing the DCP entirely.
type Store interface {
	// Get looks up hash, returning the offset and true on a hit, or
	// (0, false, nil) on a miss.
	Get(ctx context.Context, hash string) (offset uint64, found bool, err error)

	// Close releases the backend's resources.
	Close() error
}

// Writer is the write path, held exclusively by the DCP, the sole mutator
// of the index.
type Writer interface {
	Store

	// Put stages (hash, offset) into the backend's batched write buffer.
	// It does not guarantee durability until Flush is called.
	Put(ctx context.Context, hash string, offset uint64) error

	// Flush commits any buffered writes. The backends' Put calls it after
	// every K puts; the DCP also calls it on a timer and once more at
	// shutdown.
	Flush(ctx context.Context) error
}

// Backend names accepted by --db-type. "leveldb" names the kv-store
// backend, kept as the external flag vocabulary even though the concrete
// implementation is bbolt (see DESIGN.md).
const (
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"
)
