package embedsvc_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vecthash/embedcache/pkg/embedsvc"
)

type fakeEncoder struct {
	dim       int
	known     bool
	calls     int
	vectorFor func(document string) []float32
}

func (e *fakeEncoder) Dimension(string) (int, bool) { return e.dim, e.known }

func (e *fakeEncoder) Encode(_ context.Context, _ string, document string) ([]float32, error) {
	e.calls++
	return e.vectorFor(document), nil
}

type fakeCacheClient struct {
	offsets map[string]uint64
	writes  []struct {
		hash   string
		offset uint64
	}
	writeErr error
}

func (c *fakeCacheClient) ReadOffset(_ context.Context, hash string) (uint64, bool, error) {
	offset, found := c.offsets[hash]
	return offset, found, nil
}

func (c *fakeCacheClient) WriteOffset(hash string, offset uint64) error {
	if c.writeErr != nil {
		return c.writeErr
	}

	c.writes = append(c.writes, struct {
		hash   string
		offset uint64
	}{hash, offset})

	return nil
}

type fakeBlobStore struct {
	nextOffset uint64
	written    map[uint64][]float32
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{written: make(map[uint64][]float32)}
}

func (b *fakeBlobStore) Append(_ string, vector []float32) (uint64, error) {
	offset := b.nextOffset
	b.written[offset] = vector
	b.nextOffset += uint64(4 * len(vector))

	return offset, nil
}

func (b *fakeBlobStore) Read(_ string, offset uint64, dim int) ([]float32, error) {
	v, ok := b.written[offset]
	if !ok || len(v) != dim {
		return nil, errors.New("not found")
	}

	return v, nil
}

func TestGetEmbeddings_CacheHitReturnsStoredVectorNoCompute(t *testing.T) {
	blobs := newFakeBlobStore()
	offset, err := blobs.Append("minilm", []float32{1, 2, 3})
	require.NoError(t, err)

	client := &fakeCacheClient{offsets: map[string]uint64{embedsvc.HashDocument("hello"): offset}}
	enc := &fakeEncoder{dim: 3, known: true, vectorFor: func(string) []float32 { return []float32{9, 9, 9} }}

	svc := embedsvc.New(client, blobs, enc, zerolog.Nop())

	vector, deferred, err := svc.GetEmbeddings(context.Background(), "hello", "minilm", true)
	require.NoError(t, err)
	require.Nil(t, deferred)
	require.Equal(t, []float32{1, 2, 3}, vector)
	require.Zero(t, enc.calls)
}

func TestGetEmbeddings_MissComputesAndReturnsDeferredWrite(t *testing.T) {
	blobs := newFakeBlobStore()
	client := &fakeCacheClient{offsets: map[string]uint64{}}
	enc := &fakeEncoder{dim: 3, known: true, vectorFor: func(string) []float32 { return []float32{4, 5, 6} }}

	svc := embedsvc.New(client, blobs, enc, zerolog.Nop())

	vector, deferred, err := svc.GetEmbeddings(context.Background(), "hello", "minilm", true)
	require.NoError(t, err)
	require.Equal(t, []float32{4, 5, 6}, vector)
	require.NotNil(t, deferred)
	require.Equal(t, embedsvc.HashDocument("hello"), deferred.Hash)
	require.Equal(t, "minilm", deferred.Model)
	require.Equal(t, 1, enc.calls)
}

func TestGetEmbeddings_ReadCacheFalseSkipsLookup(t *testing.T) {
	blobs := newFakeBlobStore()
	offset, err := blobs.Append("minilm", []float32{1})
	require.NoError(t, err)

	client := &fakeCacheClient{offsets: map[string]uint64{embedsvc.HashDocument("hello"): offset}}
	enc := &fakeEncoder{dim: 1, known: true, vectorFor: func(string) []float32 { return []float32{42} }}

	svc := embedsvc.New(client, blobs, enc, zerolog.Nop())

	vector, deferred, err := svc.GetEmbeddings(context.Background(), "hello", "minilm", false)
	require.NoError(t, err)
	require.Equal(t, []float32{42}, vector)
	require.NotNil(t, deferred)
}

func TestWriteEmbeddings_AppendsThenEnqueues(t *testing.T) {
	blobs := newFakeBlobStore()
	client := &fakeCacheClient{offsets: map[string]uint64{}}
	enc := &fakeEncoder{dim: 2, known: true, vectorFor: func(string) []float32 { return []float32{1, 2} }}

	svc := embedsvc.New(client, blobs, enc, zerolog.Nop())

	dw := &embedsvc.DeferredWrite{Vector: []float32{1, 2}, Hash: "h", Model: "minilm"}
	require.NoError(t, svc.WriteEmbeddings(context.Background(), dw))

	require.Len(t, client.writes, 1)
	require.Equal(t, "h", client.writes[0].hash)
	require.Equal(t, []float32{1, 2}, blobs.written[client.writes[0].offset])
}

func TestWriteEmbeddings_EnqueueFailureStillReturnsError(t *testing.T) {
	blobs := newFakeBlobStore()
	client := &fakeCacheClient{writeErr: errors.New("slots exhausted")}
	enc := &fakeEncoder{dim: 2, known: true}

	svc := embedsvc.New(client, blobs, enc, zerolog.Nop())

	dw := &embedsvc.DeferredWrite{Vector: []float32{1, 2}, Hash: "h", Model: "minilm"}
	err := svc.WriteEmbeddings(context.Background(), dw)
	require.Error(t, err)

	// The blob append itself must have already succeeded: the vector is on
	// disk even though the index entry was dropped.
	require.Len(t, blobs.written, 1)
}
