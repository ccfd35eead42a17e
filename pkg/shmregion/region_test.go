package shmregion_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vecthash/embedcache/internal/shmproto"
	"github.com/vecthash/embedcache/pkg/shmregion"
)

func TestCreate_AllCellsStartEmpty(t *testing.T) {
	dir := t.TempDir()

	r, err := shmregion.Create(dir, "region-a", 4)
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.AllEmpty())
	require.Equal(t, 4, r.Slots())
}

func TestWriteThenOpenSecondHandle_SeesWrite(t *testing.T) {
	dir := t.TempDir()

	writer, err := shmregion.Create(dir, "region-b", 4)
	require.NoError(t, err)
	defer writer.Close()

	hash := strings.Repeat("b", shmproto.HashLen)
	require.NoError(t, shmproto.EncodePayload(writer.Payload(0), hash, 512))
	writer.SetKind(0, shmproto.KindWorkerRequest)

	// A second handle onto the same backing file stands in for a
	// different OS process attaching to the region.
	reader, err := shmregion.Open(dir, "region-b", 4)
	require.NoError(t, err)
	defer reader.Close()

	require.Equal(t, shmproto.KindWorkerRequest, reader.Kind(0))

	gotHash, gotOffset, err := shmproto.DecodePayload(reader.Payload(0))
	require.NoError(t, err)
	require.Equal(t, hash, gotHash)
	require.Equal(t, uint64(512), gotOffset)

	require.False(t, reader.AllEmpty())
	require.Equal(t, shmproto.KindEmpty, reader.Kind(1))
}

func TestOpen_RejectsSizeMismatch(t *testing.T) {
	dir := t.TempDir()

	r, err := shmregion.Create(dir, "region-c", 4)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = shmregion.Open(dir, "region-c", 8)
	require.ErrorIs(t, err, shmregion.ErrSizeMismatch)
}

func TestFill_SetsEveryCellKind(t *testing.T) {
	dir := t.TempDir()

	r, err := shmregion.Create(dir, "region-d", 3)
	require.NoError(t, err)
	defer r.Close()

	r.Fill(shmproto.KindDCPReply)

	for i := 0; i < r.Slots(); i++ {
		require.Equal(t, shmproto.KindDCPReply, r.Kind(i))
	}

	r.Fill(shmproto.KindEmpty)
	require.True(t, r.AllEmpty())
}

func TestRemove_DeletesBackingFile(t *testing.T) {
	dir := t.TempDir()

	r, err := shmregion.Create(dir, "region-e", 2)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Remove())

	_, err = shmregion.Open(dir, "region-e", 2)
	require.Error(t, err)
}
