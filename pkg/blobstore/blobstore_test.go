package blobstore_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/vecthash/embedcache/pkg/blobstore"
)

func TestAppendThenRead_RoundTrips(t *testing.T) {
	dataDir := t.TempDir()
	s := blobstore.New(dataDir)

	vec := []float32{1, -2.5, 3.25, 0}

	offset, err := s.Append("minilm", vec)
	require.NoError(t, err)
	require.Equal(t, uint64(0), offset)

	got, err := s.Read("minilm", offset, len(vec))
	require.NoError(t, err)

	// Bitwise equality matters here: the cache promises byte-identical
	// vectors across reads, so no float tolerance.
	if diff := cmp.Diff(vec, got); diff != "" {
		t.Fatalf("vector round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestAppend_GrowsBlobByExactRecordSize(t *testing.T) {
	dataDir := t.TempDir()
	s := blobstore.New(dataDir)

	vec := make([]float32, 512)

	offset1, err := s.Append("minilm", vec)
	require.NoError(t, err)
	require.Equal(t, uint64(0), offset1)

	offset2, err := s.Append("minilm", vec)
	require.NoError(t, err)
	require.Equal(t, uint64(4*512), offset2)

	length, err := s.Len("minilm")
	require.NoError(t, err)
	require.Equal(t, int64(2*4*512), length)
}

func TestLen_ZeroForUnknownModel(t *testing.T) {
	s := blobstore.New(t.TempDir())

	length, err := s.Len("never-written")
	require.NoError(t, err)
	require.Equal(t, int64(0), length)
}
