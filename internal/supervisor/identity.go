// Package supervisor implements the process supervisor: starts the DCP
// first, then N request-worker processes, learns the full worker set via a
// shared, lock-guarded pid-publication file (rather than knowing N at DCP
// spawn time), and cleans up stale lock files after the DCP exits.
package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vecthash/embedcache/internal/layout"
	"github.com/vecthash/embedcache/pkg/flock"
	"github.com/vecthash/embedcache/pkg/fs"
)

// IdentityLockTimeout bounds how long a worker waits to append its pid to
// the publication file under its exclusive lock.
const IdentityLockTimeout = 59 * time.Second

// PublishWorkerIdentity appends pid as a new line to the worker-identity
// publication file, under an exclusive lock so concurrently starting
// workers don't interleave writes.
func PublishWorkerIdentity(pid int) error {
	path := layout.WorkerPIDsPath()

	lock, err := flock.LockWithTimeout(path, IdentityLockTimeout)
	if err != nil {
		return fmt.Errorf("supervisor: lock worker-identity file: %w", err)
	}
	defer lock.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("supervisor: open worker-identity file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		return fmt.Errorf("supervisor: write worker-identity file: %w", err)
	}

	return f.Sync()
}

// ResetWorkerIdentities atomically replaces the publication file with an
// empty one, discarding pids left behind by an abruptly terminated previous
// run. The supervisor calls this at startup, before any worker of the new
// run has published; the atomic rename means a concurrently starting DCP
// can never read a half-truncated roster.
func ResetWorkerIdentities() error {
	if err := fs.NewReal().WriteFileAtomic(layout.WorkerPIDsPath(), nil); err != nil {
		return fmt.Errorf("supervisor: reset worker-identity file: %w", err)
	}

	return nil
}

// ReadWorkerIdentities reads the full set of published worker pids.
// Returns an empty slice (not an error) if the file does not exist yet.
func ReadWorkerIdentities() ([]int, error) {
	path := layout.WorkerPIDsPath()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("supervisor: open worker-identity file: %w", err)
	}
	defer f.Close()

	var pids []int

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("supervisor: parse pid %q: %w", line, err)
		}

		pids = append(pids, pid)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("supervisor: scan worker-identity file: %w", err)
	}

	return pids, nil
}

// WaitForWorkerRoster polls ReadWorkerIdentities until it reports at least
// wantCount pids and returns the first wantCount of them, or fails once
// rosterTimeout elapses. Duplicate pids are not filtered out.
func WaitForWorkerRoster(wantCount int, rosterTimeout, pollInterval time.Duration) ([]int, error) {
	deadline := time.Now().Add(rosterTimeout)

	for {
		pids, err := ReadWorkerIdentities()
		if err != nil {
			return nil, err
		}

		if len(pids) >= wantCount {
			return pids[:wantCount], nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("supervisor: roster timeout after %s, have %d/%d workers", rosterTimeout, len(pids), wantCount)
		}

		time.Sleep(pollInterval)
	}
}
