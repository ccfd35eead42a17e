package supervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vecthash/embedcache/internal/layout"
)

// CleanStaleLocks removes the worker-identity publication file and the
// per-model blob lock directory left behind by a completed (or abruptly
// terminated) run.
//
// It is always safe to call: a missing file/directory is not an error.
func CleanStaleLocks() error {
	if err := removeIfExists(layout.WorkerPIDsPath()); err != nil {
		return fmt.Errorf("supervisor: remove worker-identity file: %w", err)
	}

	blobLockDir := filepath.Dir(layout.BlobLockPath("placeholder"))
	if err := os.RemoveAll(blobLockDir); err != nil {
		return fmt.Errorf("supervisor: remove blob lock dir: %w", err)
	}

	return nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}

	return err
}
