package dcp

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/vecthash/embedcache/internal/layout"
	"github.com/vecthash/embedcache/internal/supervisor"
	"github.com/vecthash/embedcache/pkg/index"
	"github.com/vecthash/embedcache/pkg/index/boltindex"
	"github.com/vecthash/embedcache/pkg/index/sqliteindex"
	"github.com/vecthash/embedcache/pkg/shmregion"
)

// ProcessConfig configures a standalone DCP process run (cmd/embedcached
// --role=dcp).
type ProcessConfig struct {
	Config

	DataDir     string
	ModelName   string
	DBType      string // index.BackendLevelDB or index.BackendSQLite
	FlushEvery  int
	WorkerCount int

	// FlushInterval, if positive, additionally flushes the index on a
	// timer regardless of how many puts have accumulated -- a
	// belt-and-suspenders bound on how stale the on-disk index can get
	// under light, steady traffic that never reaches FlushEvery puts.
	FlushInterval time.Duration

	RosterTimeout      time.Duration
	RosterPollInterval time.Duration

	// OnReady, if non-nil, is called once the writable index handle is
	// open, before waiting for the worker roster -- the supervisor uses
	// this to signal readiness over its pipe and only then starts the
	// workers, which in turn publish the pids this process is waiting on.
	// Calling it any later would deadlock startup.
	OnReady func() error
}

// RunProcess runs the DCP end to end: opens the index handle (fail hard on
// failure), waits for the worker roster, allocates and hands out
// per-worker regions via the handshake protocol, services every worker
// until ctx is cancelled, then flushes and closes the index.
func RunProcess(ctx context.Context, cfg ProcessConfig, log zerolog.Logger) error {
	writer, err := openWriter(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("dcp: open index: %w", err)
	}

	d := New(cfg.Config, writer, log)

	if cfg.OnReady != nil {
		if err := cfg.OnReady(); err != nil {
			_ = writer.Close()
			return fmt.Errorf("dcp: report ready: %w", err)
		}
	}

	pollInterval := cfg.RosterPollInterval
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}

	pids, err := supervisor.WaitForWorkerRoster(cfg.WorkerCount, cfg.RosterTimeout, pollInterval)
	if err != nil {
		_ = writer.Close()
		return fmt.Errorf("dcp: %w", err)
	}

	regions := make(map[int]*shmregion.Region, len(pids))

	defer func() {
		for _, r := range regions {
			_ = r.Close()
			_ = r.Remove()
		}
	}()

	for _, pid := range pids {
		region, err := d.AllocateRegion(pid)
		if err != nil {
			return fmt.Errorf("dcp: %w", err)
		}

		regions[pid] = region
	}

	hs, err := d.PublishHandshake(regions)
	if err != nil {
		return fmt.Errorf("dcp: %w", err)
	}

	ackErr := d.AwaitHandshakeAck(ctx, regions)

	_ = hs.Close()
	_ = hs.Remove()

	if ackErr != nil {
		return fmt.Errorf("dcp: %w", ackErr)
	}

	log.Info().Int("workers", len(regions)).Msg("dcp: handshake complete, servicing requests")

	if cfg.FlushInterval > 0 {
		go flushOnTimer(ctx, writer, cfg.FlushInterval, log)
	}

	d.RunAll(ctx, regions)

	log.Info().Msg("dcp: shutting down")

	return d.Shutdown(context.Background())
}

// flushOnTimer flushes the writer every interval until ctx is cancelled.
// Count-based flushing inside Put already bounds batch size; this bounds
// batch age under light traffic that never reaches the count.
func flushOnTimer(ctx context.Context, writer index.Writer, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("dcp: timed flush failed")
			}
		}
	}
}

func openWriter(ctx context.Context, cfg ProcessConfig, log zerolog.Logger) (index.Writer, error) {
	// First boot of a model: neither backend creates parent directories.
	if err := os.MkdirAll(layout.ModelDir(cfg.DataDir, cfg.ModelName), 0o755); err != nil {
		return nil, fmt.Errorf("dcp: mkdir model dir: %w", err)
	}

	switch cfg.DBType {
	case index.BackendSQLite:
		return sqliteindex.OpenWriter(ctx, layout.IndexPath(cfg.DataDir, cfg.ModelName, ".db"), cfg.FlushEvery, log)
	case index.BackendLevelDB:
		return boltindex.OpenWriter(layout.IndexPath(cfg.DataDir, cfg.ModelName, ""), cfg.FlushEvery, log)
	default:
		return nil, fmt.Errorf("dcp: unknown db-type %q", cfg.DBType)
	}
}
