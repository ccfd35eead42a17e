// Package cacheclient implements the worker-side cache client (the "Model"
// object): locates its shared-memory channel to the DCP, sends insert/read
// messages, and waits for replies.
package cacheclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vecthash/embedcache/internal/handshake"
	"github.com/vecthash/embedcache/internal/layout"
	"github.com/vecthash/embedcache/internal/shmproto"
	"github.com/vecthash/embedcache/pkg/index"
	"github.com/vecthash/embedcache/pkg/shmregion"
)

// ErrSlotsExhausted is returned when a worker has no free cell to write a
// request into; the request is dropped with a warning.
var ErrSlotsExhausted = errors.New("cacheclient: no free slot, request dropped")

// ErrReplyTimeout is returned by ReadOffset when the DCP does not answer a
// read request within WorkerReplyTimeout.
var ErrReplyTimeout = errors.New("cacheclient: timed out waiting for DCP reply")

// Client is a worker's per-process handle onto its shared-memory channel to
// the DCP. It is safe for concurrent use: the HTTP server runs one
// goroutine per accepted connection, all calling into this one Client.
type Client struct {
	region *shmregion.Region

	// readStore, when non-nil, is a direct read-only index handle used to
	// bypass the DCP on reads entirely -- the transactional row-store
	// backend's behavior.
	readStore index.Store

	// mu serializes the scan-claim-encode-publish sequence. Without it,
	// two connection goroutines could claim the same free cell and
	// interleave payload writes. Once a cell's kind is published the
	// claiming goroutine owns it exclusively until the DCP hands it back,
	// so polling a reply needs no lock.
	mu sync.Mutex

	replyPollInterval time.Duration
	replyTimeout      time.Duration
}

// Option customizes a Client's polling behavior; used by tests to shrink
// timeouts.
type Option func(*Client)

// WithReplyTiming overrides the reply poll interval and timeout.
func WithReplyTiming(pollInterval, timeout time.Duration) Option {
	return func(c *Client) {
		c.replyPollInterval = pollInterval
		c.replyTimeout = timeout
	}
}

// AttachTimeout bounds how long Attach waits for the handshake region to
// appear.
const AttachTimeout = 10 * time.Second

// Attach performs a worker's handshake: opens the handshake region under
// the known name, finds this worker's region descriptor by pid, attaches
// to that region, and blanks every cell to acknowledge the handshake.
//
// readStore, if non-nil, makes ReadOffset bypass the DCP entirely (the
// sqlite backend's direct read-only handle); pass nil for the kv-store
// backend, where reads travel over shared memory like writes.
func Attach(ctx context.Context, shmDir string, pid int, readStore index.Store, opts ...Option) (*Client, error) {
	deadline := time.Now().Add(AttachTimeout)

	var (
		desc handshake.Descriptor
		err  error
	)

	for {
		desc, err = readHandshake(shmDir)
		if err == nil {
			break
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("cacheclient: handshake not available after %s: %w", AttachTimeout, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	rd, ok := desc.Regions[pid]
	if !ok {
		return nil, fmt.Errorf("cacheclient: no region published for pid %d", pid)
	}

	region, err := shmregion.Open(desc.Dir, rd.RegionName, rd.Slots)
	if err != nil {
		return nil, fmt.Errorf("cacheclient: open region %q: %w", rd.RegionName, err)
	}

	// Acknowledge the handshake by blanking every cell.
	region.Fill(shmproto.KindEmpty)

	c := &Client{
		region:            region,
		readStore:         readStore,
		replyPollInterval: shmproto.WorkerReplyPollInterval,
		replyTimeout:      shmproto.WorkerReplyTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func readHandshake(shmDir string) (handshake.Descriptor, error) {
	raw, err := shmregion.OpenRaw(shmDir, layout.HandshakeRegionName(), handshake.Size)
	if err != nil {
		return handshake.Descriptor{}, err
	}
	defer raw.Close()

	return handshake.Decode(raw.Bytes())
}

// Close releases this worker's handle onto its region (but does not remove
// the backing file -- the DCP owns that).
func (c *Client) Close() error {
	return c.region.Close()
}

// ReadOffset reads the offset for hash: for the sqlite backend (readStore
// != nil), it queries the direct read-only handle with no IPC; for the
// kv-store backend, it sends a read request into a free slot and polls for
// the reply.
func (c *Client) ReadOffset(ctx context.Context, hash string) (offset uint64, found bool, err error) {
	if c.readStore != nil {
		return c.readStore.Get(ctx, hash)
	}

	cell, err := c.claimCell(hash, shmproto.OffsetSentinel)
	if err != nil {
		return 0, false, err
	}

	return c.pollForReply(ctx, cell)
}

// claimCell finds the first empty cell, writes the payload, and publishes
// the cell as a worker request, as one critical section under c.mu. After
// the publish the cell belongs to the DCP (and then, for read requests, to
// the caller polling its reply); no other goroutine's scan can claim it
// because its kind is no longer empty.
func (c *Client) claimCell(hash string, offset uint64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cell, err := c.findFreeCell()
	if err != nil {
		return 0, err
	}

	if err := shmproto.EncodePayload(c.region.Payload(cell), hash, offset); err != nil {
		return 0, fmt.Errorf("cacheclient: encode request: %w", err)
	}

	c.region.SetKind(cell, shmproto.KindWorkerRequest)

	return cell, nil
}

func (c *Client) pollForReply(ctx context.Context, cell int) (uint64, bool, error) {
	deadline := time.Now().Add(c.replyTimeout)

	for {
		if c.region.Kind(cell) == shmproto.KindDCPReply {
			_, offset, err := shmproto.DecodePayload(c.region.Payload(cell))

			c.region.SetKind(cell, shmproto.KindEmpty)

			if err != nil {
				return 0, false, fmt.Errorf("cacheclient: decode reply: %w", err)
			}

			if offset == shmproto.OffsetSentinel {
				return 0, false, nil
			}

			return offset, true, nil
		}

		if time.Now().After(deadline) {
			return 0, false, fmt.Errorf("%w after %s", ErrReplyTimeout, c.replyTimeout)
		}

		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-time.After(c.replyPollInterval):
		}
	}
}

// WriteOffset sends a write request into a free slot. No reply is awaited;
// the DCP blanks the cell as it takes the request, then stages the write.
// Returns
// ErrSlotsExhausted if no cell is free.
func (c *Client) WriteOffset(hash string, offset uint64) error {
	_, err := c.claimCell(hash, offset)

	return err
}

// findFreeCell scans this worker's region for the first empty cell.
// Callers must hold c.mu.
func (c *Client) findFreeCell() (int, error) {
	for i := 0; i < c.region.Slots(); i++ {
		if c.region.Kind(i) == shmproto.KindEmpty {
			return i, nil
		}
	}

	return 0, ErrSlotsExhausted
}
