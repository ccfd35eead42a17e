package cacheclient_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vecthash/embedcache/internal/handshake"
	"github.com/vecthash/embedcache/internal/layout"
	"github.com/vecthash/embedcache/internal/shmproto"
	"github.com/vecthash/embedcache/pkg/cacheclient"
	"github.com/vecthash/embedcache/pkg/shmregion"
)

func publishHandshakeAndRegion(t *testing.T, shmDir string, pid, slots int) *shmregion.Region {
	t.Helper()

	region, err := shmregion.Create(shmDir, layout.SHMRegionName(pid), slots)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })

	desc := handshake.Descriptor{
		Dir: shmDir,
		Regions: map[int]handshake.RegionDescriptor{
			pid: {RegionName: layout.SHMRegionName(pid), Slots: slots},
		},
	}

	enc, err := handshake.Encode(desc, handshake.Size)
	require.NoError(t, err)

	raw, err := shmregion.CreateRaw(shmDir, layout.HandshakeRegionName(), handshake.Size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	copy(raw.Bytes(), enc)

	return region
}

func TestAttach_BlanksRegionToAckHandshake(t *testing.T) {
	shmDir := t.TempDir()
	region := publishHandshakeAndRegion(t, shmDir, 1, 4)

	hash := strings.Repeat("a", shmproto.HashLen)
	require.NoError(t, shmproto.EncodePayload(region.Payload(0), hash, 1))
	region.SetKind(0, shmproto.KindWorkerRequest)

	client, err := cacheclient.Attach(context.Background(), shmDir, 1, nil)
	require.NoError(t, err)
	defer client.Close()

	require.True(t, region.AllEmpty())
}

func TestWriteOffset_SendsRequestIntoFreeCell(t *testing.T) {
	shmDir := t.TempDir()
	region := publishHandshakeAndRegion(t, shmDir, 2, 4)

	client, err := cacheclient.Attach(context.Background(), shmDir, 2, nil)
	require.NoError(t, err)
	defer client.Close()

	hash := strings.Repeat("b", shmproto.HashLen)
	require.NoError(t, client.WriteOffset(hash, 256))

	require.Equal(t, shmproto.KindWorkerRequest, region.Kind(0))

	gotHash, gotOffset, err := shmproto.DecodePayload(region.Payload(0))
	require.NoError(t, err)
	require.Equal(t, hash, gotHash)
	require.Equal(t, uint64(256), gotOffset)
}

func TestWriteOffset_DropsWhenSlotsExhausted(t *testing.T) {
	shmDir := t.TempDir()
	region := publishHandshakeAndRegion(t, shmDir, 3, 2)

	client, err := cacheclient.Attach(context.Background(), shmDir, 3, nil)
	require.NoError(t, err)
	defer client.Close()

	hash := strings.Repeat("c", shmproto.HashLen)
	require.NoError(t, client.WriteOffset(hash, 1))
	require.NoError(t, client.WriteOffset(hash, 2))

	err = client.WriteOffset(hash, 3)
	require.ErrorIs(t, err, cacheclient.ErrSlotsExhausted)

	_ = region
}

func TestWriteOffset_ConcurrentCallersClaimDistinctCells(t *testing.T) {
	const slots = 8

	shmDir := t.TempDir()
	region := publishHandshakeAndRegion(t, shmDir, 7, slots)

	client, err := cacheclient.Attach(context.Background(), shmDir, 7, nil)
	require.NoError(t, err)
	defer client.Close()

	// One goroutine per slot, as the HTTP server would under concurrent
	// connections. Every send must land, each in its own cell.
	hashFor := func(i int) string {
		return strings.Repeat(string(rune('a'+i)), shmproto.HashLen)
	}

	var wg sync.WaitGroup

	errs := make([]error, slots)

	for i := 0; i < slots; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			errs[i] = client.WriteOffset(hashFor(i), uint64(i*4))
		}(i)
	}

	wg.Wait()

	got := make(map[string]uint64, slots)

	for i := 0; i < slots; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, shmproto.KindWorkerRequest, region.Kind(i))

		hash, offset, err := shmproto.DecodePayload(region.Payload(i))
		require.NoError(t, err)

		got[hash] = offset
	}

	require.Len(t, got, slots, "two callers claimed the same cell")

	for i := 0; i < slots; i++ {
		require.Equal(t, uint64(i*4), got[hashFor(i)])
	}
}

func TestReadOffset_PollsUntilDCPReplies(t *testing.T) {
	shmDir := t.TempDir()
	region := publishHandshakeAndRegion(t, shmDir, 4, 4)

	client, err := cacheclient.Attach(
		context.Background(), shmDir, 4, nil,
		cacheclient.WithReplyTiming(time.Millisecond, time.Second),
	)
	require.NoError(t, err)
	defer client.Close()

	hash := strings.Repeat("d", shmproto.HashLen)

	// Simulate the DCP servicing the read request in the background.
	go func() {
		for {
			if region.Kind(0) == shmproto.KindWorkerRequest {
				_ = shmproto.EncodePayload(region.Payload(0), hash, 999)
				region.SetKind(0, shmproto.KindDCPReply)

				return
			}

			time.Sleep(time.Millisecond)
		}
	}()

	offset, found, err := client.ReadOffset(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(999), offset)
}

func TestReadOffset_MissReturnsNotFound(t *testing.T) {
	shmDir := t.TempDir()
	region := publishHandshakeAndRegion(t, shmDir, 5, 4)

	client, err := cacheclient.Attach(
		context.Background(), shmDir, 5, nil,
		cacheclient.WithReplyTiming(time.Millisecond, time.Second),
	)
	require.NoError(t, err)
	defer client.Close()

	hash := strings.Repeat("e", shmproto.HashLen)

	go func() {
		for {
			if region.Kind(0) == shmproto.KindWorkerRequest {
				_ = shmproto.EncodePayload(region.Payload(0), hash, shmproto.OffsetSentinel)
				region.SetKind(0, shmproto.KindDCPReply)

				return
			}

			time.Sleep(time.Millisecond)
		}
	}()

	_, found, err := client.ReadOffset(context.Background(), hash)
	require.NoError(t, err)
	require.False(t, found)
}

func TestReadOffset_BypassesIPCWithReadStore(t *testing.T) {
	shmDir := t.TempDir()
	publishHandshakeAndRegion(t, shmDir, 6, 4)

	client, err := cacheclient.Attach(context.Background(), shmDir, 6, fakeStore{hash: strings.Repeat("f", shmproto.HashLen), offset: 42})
	require.NoError(t, err)
	defer client.Close()

	offset, found, err := client.ReadOffset(context.Background(), strings.Repeat("f", shmproto.HashLen))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(42), offset)
}

type fakeStore struct {
	hash   string
	offset uint64
}

func (f fakeStore) Get(_ context.Context, hash string) (uint64, bool, error) {
	if hash == f.hash {
		return f.offset, true, nil
	}

	return 0, false, nil
}

func (f fakeStore) Close() error { return nil }
