package shmregion

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Raw is a shared-memory region of arbitrary bytes, used for the transient
// handshake region: a serialized descriptor of every worker's per-worker
// region, published once at DCP startup so workers can locate their
// channel without the DCP knowing N at spawn time.
type Raw struct {
	path string
	data []byte
	file *os.File
}

// CreateRaw creates a new raw region of exactly size bytes.
func CreateRaw(dir, name string, size int) (*Raw, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmregion: raw size must be > 0, got %d", size)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shmregion: mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmregion: create %s: %w", path, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shmregion: truncate %s: %w", path, err)
	}

	return mapRawFile(f, path, size)
}

// OpenRaw attaches to an existing raw region of exactly size bytes.
func OpenRaw(dir, name string, size int) (*Raw, error) {
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

	if info.Size() != int64(size) {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, path, info.Size(), size)
	}

	return mapRawFile(f, path, size)
}

func mapRawFile(f *os.File, path string, size int) (*Raw, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shmregion: mmap %s: %w", path, err)
	}

	return &Raw{path: path, data: data, file: f}, nil
}

// Bytes returns the raw region's backing bytes.
func (r *Raw) Bytes() []byte {
	return r.data
}

// Close unmaps the region and closes the backing file descriptor.
func (r *Raw) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return fmt.Errorf("shmregion: munmap %s: %w", r.path, err)
		}

		r.data = nil
	}

	return r.file.Close()
}

// Remove deletes the backing file.
func (r *Raw) Remove() error {
	return os.Remove(r.path)
}
