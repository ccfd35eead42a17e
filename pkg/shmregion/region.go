// Package shmregion implements the mmap'd named shared-memory regions used
// for the worker <-> DCP channel: a fixed-size vector of S fixed-width
// cells, backed by a file under /dev/shm (or a temp-dir fallback) so that
// unrelated OS processes can map the same bytes. Each cell's kind byte is
// an atomic field used for cross-process ownership signaling.
package shmregion

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vecthash/embedcache/internal/shmproto"
)

// ErrSizeMismatch is returned by Open when an existing region's size does
// not match the expected (slots * shmproto.CellLen).
var ErrSizeMismatch = errors.New("shmregion: size mismatch")

// Region is a shared-memory region of fixed-width cells, mmap'd from a
// backing file.
type Region struct {
	path  string
	slots int
	data  []byte // mmap'd bytes, length slots*shmproto.CellLen
	file  *os.File
}

// DefaultDir picks the shared-memory backing directory: /dev/shm if it
// exists and is writable, otherwise a subdirectory of os.TempDir(). Region
// names (DatabaseCommitProcessSHM<pid>) resolve to files within this
// directory.
func DefaultDir() string {
	const devShm = "/dev/shm"

	if info, err := os.Stat(devShm); err == nil && info.IsDir() {
		probe := filepath.Join(devShm, ".embedcached-write-probe")

		if f, err := os.Create(probe); err == nil {
			_ = f.Close()
			_ = os.Remove(probe)

			return devShm
		}
	}

	return filepath.Join(os.TempDir(), "embedcached-shm")
}

// Create creates a new region of the given name (under dir) with the given
// number of slots, each shmproto.CellLen bytes. It truncates any existing
// file of the same name.
func Create(dir, name string, slots int) (*Region, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("shmregion: slots must be > 0, got %d", slots)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shmregion: mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, name)

	size := slots * shmproto.CellLen

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmregion: create %s: %w", path, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shmregion: truncate %s: %w", path, err)
	}

	return mapOpenFile(f, path, slots, size)
}

// Open attaches to an existing region previously created with Create,
// expecting exactly slots cells.
func Open(dir, name string, slots int) (*Region, error) {
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmregion: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shmregion: stat %s: %w", path, err)
	}

	wantSize := slots * shmproto.CellLen
	if info.Size() != int64(wantSize) {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, path, info.Size(), wantSize)
	}

	return mapOpenFile(f, path, slots, wantSize)
}

func mapOpenFile(f *os.File, path string, slots, size int) (*Region, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shmregion: mmap %s: %w", path, err)
	}

	return &Region{path: path, slots: slots, data: data, file: f}, nil
}

// Slots returns the number of cells in the region.
func (r *Region) Slots() int {
	return r.slots
}

// Path returns the backing file path.
func (r *Region) Path() string {
	return r.path
}

func (r *Region) cellBytes(i int) []byte {
	off := i * shmproto.CellLen
	return r.data[off : off+shmproto.CellLen]
}

func (r *Region) kindPtr(i int) *uint32 {
	off := i * shmproto.CellLen
	return (*uint32)(unsafe.Pointer(&r.data[off]))
}

// Kind atomically loads the kind tag of cell i.
func (r *Region) Kind(i int) byte {
	return byte(atomic.LoadUint32(r.kindPtr(i)))
}

// Payload returns the (non-atomic) payload bytes of cell i -- valid to read
// only after observing a non-empty Kind, and valid to write only by the
// single party with write authority for that state (see package doc).
func (r *Region) Payload(i int) []byte {
	off := i*shmproto.CellLen + shmproto.KindHeaderLen
	return r.data[off : off+shmproto.PayloadLen]
}

// SetKind atomically stores the kind tag of cell i. Callers must write the
// payload bytes first; SetKind acts as the publish/release barrier that
// makes those bytes visible to a concurrent reader polling Kind.
func (r *Region) SetKind(i int, kind byte) {
	atomic.StoreUint32(r.kindPtr(i), uint32(kind))
}

// Fill sets every cell to kind, zeroing payloads. A worker calls
// Fill(KindEmpty) to blank its region as handshake acknowledgement.
func (r *Region) Fill(kind byte) {
	for i := 0; i < r.slots; i++ {
		cell := r.cellBytes(i)
		for j := range cell {
			cell[j] = 0
		}

		r.SetKind(i, kind)
	}
}

// AllEmpty reports whether every cell in the region is empty.
func (r *Region) AllEmpty() bool {
	for i := 0; i < r.slots; i++ {
		if r.Kind(i) != shmproto.KindEmpty {
			return false
		}
	}

	return true
}

// AnyKind reports whether any cell in the region has the given kind.
func (r *Region) AnyKind(kind byte) bool {
	for i := 0; i < r.slots; i++ {
		if r.Kind(i) == kind {
			return true
		}
	}

	return false
}

// Close unmaps the region and closes the backing file descriptor. It does
// not remove the backing file; call Remove for that.
func (r *Region) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return fmt.Errorf("shmregion: munmap %s: %w", r.path, err)
		}

		r.data = nil
	}

	return r.file.Close()
}

// Remove deletes the backing file. Regions exist only for the lifetime of
// the DCP; call Close then Remove at shutdown.
func (r *Region) Remove() error {
	return os.Remove(r.path)
}
