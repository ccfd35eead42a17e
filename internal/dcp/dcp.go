// Package dcp implements the Database Commit Process: the sole owner of
// the writable index handle, running one servicing goroutine per worker
// that polls that worker's shared-memory region and applies writes or
// answers reads.
package dcp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vecthash/embedcache/internal/handshake"
	"github.com/vecthash/embedcache/internal/layout"
	"github.com/vecthash/embedcache/internal/shmproto"
	"github.com/vecthash/embedcache/pkg/index"
	"github.com/vecthash/embedcache/pkg/shmregion"
)

// Config tunes a DCP instance.
type Config struct {
	// Slots is S, the number of cells per worker region (per the wire format).
	Slots int
	// ShmDir is the directory backing shared-memory regions.
	ShmDir string
	// ScanInterval is how often a servicing task scans an idle region.
	ScanInterval time.Duration
	// HandshakeAckTimeout bounds how long Startup waits for every worker to
	// blank its region ("≈30 s").
	HandshakeAckTimeout time.Duration
}

// DefaultConfig returns the default tuning used in production.
func DefaultConfig() Config {
	return Config{
		Slots:               15,
		ShmDir:              shmregion.DefaultDir(),
		ScanInterval:        shmproto.DCPScanInterval,
		HandshakeAckTimeout: 30 * time.Second,
	}
}

// DCP is the database commit process: the sole owner of a writable index
// handle, dispatching one servicing goroutine per worker.
type DCP struct {
	cfg    Config
	writer index.Writer
	log    zerolog.Logger
}

// New constructs a DCP around an already-opened writable index handle.
// Opening the index handle is the caller's responsibility ("fail hard on failure" happens before New is even reached).
func New(cfg Config, writer index.Writer, log zerolog.Logger) *DCP {
	return &DCP{cfg: cfg, writer: writer, log: log}
}

// AllocateRegion creates the per-worker region for pid and pre-fills every
// cell with a maximum-length dummy payload, so the region's in-memory size
// matches the worst case (every page is committed up front) and so the
// worker's handshake acknowledgement -- blanking every cell -- is
// observable by AwaitHandshakeAck. The dummy bytes (0xFF) are deliberately
// not valid hex, so a pre-filled cell can never decode as a real request.
func (d *DCP) AllocateRegion(pid int) (*shmregion.Region, error) {
	region, err := shmregion.Create(d.cfg.ShmDir, layout.SHMRegionName(pid), d.cfg.Slots)
	if err != nil {
		return nil, fmt.Errorf("dcp: allocate region for pid %d: %w", pid, err)
	}

	for i := 0; i < region.Slots(); i++ {
		payload := region.Payload(i)
		for j := range payload {
			payload[j] = 0xFF
		}

		region.SetKind(i, shmproto.KindHandshakePrefill)
	}

	return region, nil
}

// PublishHandshake creates the transient handshake region describing every worker's region, sized to fit the descriptor.
func (d *DCP) PublishHandshake(regions map[int]*shmregion.Region) (*shmregion.Raw, error) {
	desc := handshake.Descriptor{
		Dir:     d.cfg.ShmDir,
		Regions: make(map[int]handshake.RegionDescriptor, len(regions)),
	}

	for pid, r := range regions {
		desc.Regions[pid] = handshake.RegionDescriptor{RegionName: regionBaseName(r), Slots: r.Slots()}
	}

	enc, err := handshake.Encode(desc, handshake.Size)
	if err != nil {
		return nil, fmt.Errorf("dcp: encode handshake: %w", err)
	}

	raw, err := shmregion.CreateRaw(d.cfg.ShmDir, layout.HandshakeRegionName(), handshake.Size)
	if err != nil {
		return nil, fmt.Errorf("dcp: create handshake region: %w", err)
	}

	copy(raw.Bytes(), enc)

	return raw, nil
}

func regionBaseName(r *shmregion.Region) string {
	// Region.Path() is "<dir>/<name>"; the name is what workers pass back
	// into shmregion.Open alongside the shared dir.
	path := r.Path()
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}

	return path[idx+1:]
}

// AwaitHandshakeAck blocks until every region in regions has been blanked
// by its worker, or returns an error once HandshakeAckTimeout elapses. A
// region counts as acked once no cell still holds the handshake prefill:
// a fast worker may blank its region and immediately write a real request
// before this loop observes it, so all-empty would be too strict a test.
func (d *DCP) AwaitHandshakeAck(ctx context.Context, regions map[int]*shmregion.Region) error {
	deadline := time.Now().Add(d.cfg.HandshakeAckTimeout)

	remaining := make(map[int]*shmregion.Region, len(regions))
	for pid, r := range regions {
		remaining[pid] = r
	}

	for len(remaining) > 0 {
		for pid, r := range remaining {
			if !r.AnyKind(shmproto.KindHandshakePrefill) {
				delete(remaining, pid)
			}
		}

		if len(remaining) == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			pids := make([]int, 0, len(remaining))
			for pid := range remaining {
				pids = append(pids, pid)
			}

			return fmt.Errorf("dcp: handshake ack timeout, pending pids=%v", pids)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.ScanInterval):
		}
	}

	return nil
}

// ServiceWorker runs one worker's servicing task until ctx is cancelled. It scans cells in order; on an idle scan
// it sleeps ScanInterval. Decode errors blank the cell and log; read
// requests are answered via d.writer.Get; write requests are staged via
// d.writer.Put (which flushes internally every K, per the index.Writer
// implementations in pkg/index/sqliteindex and pkg/index/boltindex).
func (d *DCP) ServiceWorker(ctx context.Context, pid int, region *shmregion.Region) {
	log := d.log.With().Int("worker_pid", pid).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if d.scanOnce(ctx, region, log) {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.ScanInterval):
		}
	}
}

// scanOnce scans every cell once, servicing any non-empty one. It returns
// true if it serviced at least one cell (so the caller can skip the idle
// sleep and immediately rescan, matching a busy-poll under load).
func (d *DCP) scanOnce(ctx context.Context, region *shmregion.Region, log zerolog.Logger) bool {
	serviced := false

	for i := 0; i < region.Slots(); i++ {
		kind := region.Kind(i)
		if kind != shmproto.KindWorkerRequest {
			continue
		}

		d.service(ctx, region, i, log)

		serviced = true
	}

	return serviced
}

func (d *DCP) service(ctx context.Context, region *shmregion.Region, cell int, log zerolog.Logger) {
	hash, offset, err := shmproto.DecodePayload(region.Payload(cell))
	if err != nil {
		log.Warn().Err(err).Int("cell", cell).Msg("dcp: malformed payload, blanking cell")
		region.SetKind(cell, shmproto.KindEmpty)

		return
	}

	if offset == shmproto.OffsetSentinel {
		d.serviceRead(ctx, region, cell, hash, log)
		return
	}

	d.serviceWrite(ctx, region, cell, hash, offset, log)
}

func (d *DCP) serviceRead(ctx context.Context, region *shmregion.Region, cell int, hash string, log zerolog.Logger) {
	found, ok, err := d.writer.Get(ctx, hash)
	if err != nil {
		log.Error().Err(err).Str("hash", hash).Msg("dcp: read-offset lookup failed")
		region.SetKind(cell, shmproto.KindEmpty)

		return
	}

	reply := shmproto.OffsetSentinel
	if ok {
		reply = found
	}

	if err := shmproto.EncodePayload(region.Payload(cell), hash, reply); err != nil {
		log.Error().Err(err).Msg("dcp: encode reply")
		region.SetKind(cell, shmproto.KindEmpty)

		return
	}

	region.SetKind(cell, shmproto.KindDCPReply)
}

func (d *DCP) serviceWrite(ctx context.Context, region *shmregion.Region, cell int, hash string, offset uint64, log zerolog.Logger) {
	// Blank the cell first: the ownership rule only requires this
	// after the write "completes", but buffering in d.writer.Put is
	// effectively instantaneous (it only blocks on the K-th put, which
	// triggers a flush) and blanking promptly frees the worker's slot for
	// reuse without waiting on disk I/O here.
	region.SetKind(cell, shmproto.KindEmpty)

	if err := d.writer.Put(ctx, hash, offset); err != nil {
		// Tolerated: the embedding itself is already on
		// disk; a lost index entry is a cache miss on next lookup, not a
		// correctness bug.
		log.Error().Err(err).Str("hash", hash).Uint64("offset", offset).Msg("dcp: index write failed")
	}
}

// Shutdown flushes any pending writes and closes the index handle.
func (d *DCP) Shutdown(ctx context.Context) error {
	if err := d.writer.Flush(ctx); err != nil {
		return fmt.Errorf("dcp: flush on shutdown: %w", err)
	}

	return d.writer.Close()
}

// RunAll spawns one ServiceWorker goroutine per region and blocks until ctx
// is cancelled and every goroutine has returned.
func (d *DCP) RunAll(ctx context.Context, regions map[int]*shmregion.Region) {
	var wg sync.WaitGroup

	for pid, region := range regions {
		wg.Add(1)

		go func(pid int, region *shmregion.Region) {
			defer wg.Done()
			d.ServiceWorker(ctx, pid, region)
		}(pid, region)
	}

	wg.Wait()
}

// ParsePIDList parses the newline/whitespace separated pid list published
// by workers at the worker-identity file, skipping blank
// lines.
func ParsePIDList(raw []byte) ([]int, error) {
	fields := strings.Fields(string(raw))

	pids := make([]int, 0, len(fields))

	for _, f := range fields {
		pid, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("dcp: parse pid %q: %w", f, err)
		}

		pids = append(pids, pid)
	}

	return pids, nil
}
