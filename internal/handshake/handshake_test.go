package handshake_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vecthash/embedcache/internal/handshake"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := handshake.Descriptor{
		Dir: "/dev/shm",
		Regions: map[int]handshake.RegionDescriptor{
			101: {RegionName: "DatabaseCommitProcessSHM101", Slots: 15},
			202: {RegionName: "DatabaseCommitProcessSHM202", Slots: 15},
		},
	}

	raw := make([]byte, 256)
	enc, err := handshake.Encode(d, len(raw))
	require.NoError(t, err)

	copy(raw, enc)

	got, err := handshake.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestEncodeTooLarge(t *testing.T) {
	d := handshake.Descriptor{Regions: map[int]handshake.RegionDescriptor{1: {RegionName: "x", Slots: 1}}}

	_, err := handshake.Encode(d, 4)
	require.Error(t, err)
}
