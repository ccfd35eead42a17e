// Package fs is the narrow filesystem seam the service writes through: the
// blob store opens, grows, and stats per-model blob files, and the
// supervisor atomically rewrites the worker-identity roster. Tests swap in
// an instrumented implementation; production uses [Real].
package fs

import (
	"io"
	"os"
)

// File is an open blob or roster file, satisfied by [os.File]. It carries
// only what the blob store's append/read paths use.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Stat returns the file's metadata. The blob store derives the append
	// offset from the reported size, so implementations must report the
	// size as of the last completed write.
	Stat() (os.FileInfo, error)

	// Sync flushes written bytes to stable storage, like [os.File.Sync].
	Sync() error
}

// FS is the set of filesystem operations the service performs. Paths use
// OS semantics, as in the os package. Implementations must be safe for
// concurrent use: blob appends from deferred-write goroutines overlap.
type FS interface {
	// Open opens a file for reading, like [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with explicit flags and permissions, like
	// [os.OpenFile]. The blob store uses it to open-or-create a blob for
	// read/write.
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// MkdirAll creates a directory and any missing parents, like
	// [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file metadata, like [os.Stat]. A missing path reports
	// an error satisfying os.IsNotExist.
	Stat(path string) (os.FileInfo, error)

	// WriteFileAtomic replaces path's content via a same-directory temp
	// file and rename, so a concurrent reader observes either the old
	// content or the new, never a partial write.
	WriteFileAtomic(path string, data []byte) error
}

// Compile-time interface check.
var _ File = (*os.File)(nil)
