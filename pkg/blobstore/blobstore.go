// Package blobstore implements the append-only, per-model embedding blob
// file: the content is a concatenation of packed float32 vectors in
// little-endian byte order, with no framing or checksum -- the index is
// the only way to locate a record.
//
// Writing happens in the request worker, not the DCP, so that large vector
// bytes never have to travel through the shared-memory channel.
package blobstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/vecthash/embedcache/internal/layout"
	"github.com/vecthash/embedcache/pkg/flock"
	"github.com/vecthash/embedcache/pkg/fs"
)

// AppendLockTimeout bounds how long Append waits to acquire the per-model
// blob lock.
const AppendLockTimeout = 59 * time.Second

// Store appends and reads embedding vectors for a fixed data directory.
type Store struct {
	dataDir string
	fsys    fs.FS
}

// New returns a Store rooted at dataDir, backed by the real filesystem.
func New(dataDir string) *Store {
	return NewWithFS(dataDir, fs.NewReal())
}

// NewWithFS returns a Store rooted at dataDir on an explicit filesystem.
func NewWithFS(dataDir string, fsys fs.FS) *Store {
	return &Store{dataDir: dataDir, fsys: fsys}
}

// Append acquires the model's exclusive append lock, appends the vector's
// little-endian float32 bytes to the model's blob file, and returns the
// byte offset at which the vector now starts. The blob-write-then-
// index-write order is the caller's responsibility: Append never touches
// the index.
func (s *Store) Append(modelName string, vector []float32) (offset uint64, err error) {
	lockPath := layout.BlobLockPath(modelName)

	lock, err := flock.LockWithTimeout(lockPath, AppendLockTimeout)
	if err != nil {
		return 0, fmt.Errorf("blobstore: acquire lock for %q: %w", modelName, err)
	}
	defer lock.Close()

	blobPath := layout.BlobPath(s.dataDir, modelName)

	if err := s.fsys.MkdirAll(layout.ModelDir(s.dataDir, modelName), 0o755); err != nil {
		return 0, fmt.Errorf("blobstore: mkdir for %q: %w", modelName, err)
	}

	f, err := s.fsys.OpenFile(blobPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("blobstore: open %s: %w", blobPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("blobstore: stat %s: %w", blobPath, err)
	}

	pos := info.Size()
	if pos < 0 || uint64(pos) >= shmSafeMax {
		return 0, fmt.Errorf("blobstore: blob %s is too large to append to safely", blobPath)
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return 0, fmt.Errorf("blobstore: seek %s: %w", blobPath, err)
	}

	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	if _, err := f.Write(buf); err != nil {
		return 0, fmt.Errorf("blobstore: write %s: %w", blobPath, err)
	}

	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("blobstore: sync %s: %w", blobPath, err)
	}

	return uint64(pos), nil
}

// shmSafeMax is a ceiling well under shmproto.OffsetSentinel (2^63-1); an
// offset at or beyond it would be indistinguishable from the sentinel.
const shmSafeMax = 1 << 62

// Read reads a dim-length float32 vector starting at offset from modelName's
// blob file.
func (s *Store) Read(modelName string, offset uint64, dim int) ([]float32, error) {
	blobPath := layout.BlobPath(s.dataDir, modelName)

	f, err := s.fsys.Open(blobPath)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", blobPath, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("blobstore: seek %s to %d: %w", blobPath, offset, err)
	}

	buf := make([]byte, 4*dim)

	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("blobstore: read %s at %d: %w", blobPath, offset, err)
	}

	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}

	return vec, nil
}

// Len returns the current length of a model's blob file, or 0 if it does
// not exist yet.
func (s *Store) Len(modelName string) (int64, error) {
	info, err := s.fsys.Stat(layout.BlobPath(s.dataDir, modelName))
	if os.IsNotExist(err) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}
