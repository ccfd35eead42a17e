// Package layout centralizes the filesystem paths used by the service, so
// the blob store, index backends, and supervisor agree on where things
// live without each re-deriving path conventions.
package layout

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// NormalizeModelName replaces every path separator in a model name with
// "_", so a model name can never escape its data-dir subdirectory.
func NormalizeModelName(name string) string {
	r := strings.NewReplacer("/", "_", string(os.PathSeparator), "_")
	return r.Replace(name)
}

// ModelDir returns "<dataDir>/<normalized model name>".
func ModelDir(dataDir, modelName string) string {
	return filepath.Join(dataDir, NormalizeModelName(modelName))
}

// BlobPath returns "<dataDir>/<normalized model name>/embeddings.bin".
func BlobPath(dataDir, modelName string) string {
	return filepath.Join(ModelDir(dataDir, modelName), "embeddings.bin")
}

// IndexPath returns "<dataDir>/<normalized model name>/indexDatabase" with
// the given extension (".db" for sqlite, "" for the bolt index file).
func IndexPath(dataDir, modelName, ext string) string {
	return filepath.Join(ModelDir(dataDir, modelName), "indexDatabase"+ext)
}

// BlobLockPath returns the per-model advisory lock path used to serialize
// blob appends: "<tempdir>/embeddingService.py/<normalized model name>.lock".
func BlobLockPath(modelName string) string {
	return filepath.Join(os.TempDir(), "embeddingService.py", NormalizeModelName(modelName)+".lock")
}

// WorkerPIDsPath returns the worker-identity publication file path:
// "<tempdir>/DatabaseCommitProcess_pids.lock".
func WorkerPIDsPath() string {
	return filepath.Join(os.TempDir(), "DatabaseCommitProcess_pids.lock")
}

// SHMRegionName returns the shared-memory region name for a worker pid:
// "DatabaseCommitProcessSHM<pid>".
func SHMRegionName(pid int) string {
	return "DatabaseCommitProcessSHM" + strconv.Itoa(pid)
}

// HandshakeRegionName returns the transient handshake region's name.
func HandshakeRegionName() string {
	return "DatabaseCommitProcessSHMhandshake"
}
