package dcp_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vecthash/embedcache/internal/dcp"
	"github.com/vecthash/embedcache/internal/shmproto"
	"github.com/vecthash/embedcache/pkg/index/boltindex"
	"github.com/vecthash/embedcache/pkg/shmregion"
)

func newTestDCP(t *testing.T) (*dcp.DCP, string) {
	t.Helper()

	shmDir := t.TempDir()
	indexPath := filepath.Join(t.TempDir(), "index.db")

	writer, err := boltindex.OpenWriter(indexPath, 10, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	cfg := dcp.DefaultConfig()
	cfg.ShmDir = shmDir
	cfg.Slots = 4
	cfg.ScanInterval = time.Millisecond

	return dcp.New(cfg, writer, zerolog.Nop()), shmDir
}

func TestServiceWorker_WriteRequest_EmptiesCell(t *testing.T) {
	d, shmDir := newTestDCP(t)

	region, err := d.AllocateRegion(4242)
	require.NoError(t, err)
	defer region.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.ServiceWorker(ctx, 4242, region)

	hash := strings.Repeat("a", shmproto.HashLen)
	require.NoError(t, shmproto.EncodePayload(region.Payload(0), hash, 128))
	region.SetKind(0, shmproto.KindWorkerRequest)

	require.Eventually(t, func() bool {
		return region.Kind(0) == shmproto.KindEmpty
	}, time.Second, time.Millisecond, "dcp did not empty the cell")

	_ = shmDir
}

func TestServiceWorker_ReadRequest_RepliesWithOffsetOrMiss(t *testing.T) {
	d, _ := newTestDCP(t)

	region, err := d.AllocateRegion(5555)
	require.NoError(t, err)
	defer region.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.ServiceWorker(ctx, 5555, region)

	hash := strings.Repeat("b", shmproto.HashLen)
	require.NoError(t, shmproto.EncodePayload(region.Payload(0), hash, shmproto.OffsetSentinel))
	region.SetKind(0, shmproto.KindWorkerRequest)

	require.Eventually(t, func() bool {
		return region.Kind(0) == shmproto.KindDCPReply
	}, time.Second, time.Millisecond, "dcp did not reply")

	_, offset, err := shmproto.DecodePayload(region.Payload(0))
	require.NoError(t, err)
	require.Equal(t, shmproto.OffsetSentinel, offset, "unknown hash should be reported as a miss")
}

func TestServiceWorker_MalformedPayload_BlanksCellWithoutCrashing(t *testing.T) {
	d, _ := newTestDCP(t)

	region, err := d.AllocateRegion(7777)
	require.NoError(t, err)
	defer region.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.ServiceWorker(ctx, 7777, region)

	// Payload bytes left as the 0xFF prefill dummy: not valid hex for the
	// offset field.
	region.SetKind(0, shmproto.KindWorkerRequest)

	require.Eventually(t, func() bool {
		return region.Kind(0) == shmproto.KindEmpty
	}, time.Second, time.Millisecond, "dcp did not blank the malformed cell")
}

func TestAwaitHandshakeAck_ReturnsOnceAllRegionsEmpty(t *testing.T) {
	d, _ := newTestDCP(t)

	region, err := d.AllocateRegion(1)
	require.NoError(t, err)
	defer region.Close()

	region.SetKind(0, shmproto.KindWorkerRequest) // not yet acked

	done := make(chan error, 1)

	go func() {
		done <- d.AwaitHandshakeAck(context.Background(), map[int]*shmregion.Region{1: region})
	}()

	time.Sleep(20 * time.Millisecond)
	region.Fill(shmproto.KindEmpty) // worker acks

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitHandshakeAck did not return")
	}
}

func TestParsePIDList(t *testing.T) {
	pids, err := dcp.ParsePIDList([]byte("123\n456 789\n"))
	require.NoError(t, err)
	require.Equal(t, []int{123, 456, 789}, pids)
}
