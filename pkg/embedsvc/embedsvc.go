// Package embedsvc implements the per-worker embedding orchestrator
// ("EmbeddingService"): hashes the document, consults the cache client for
// an existing offset, reads the blob on hit, or on miss returns the
// computed vector plus a deferred-write closure.
//
// Service carries no package-level state -- every request threads its own
// *Service value, an explicit application context rather than process-wide
// mutable state.
package embedsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
)

// Encoder is the out-of-scope neural collaborator, delegated to an
// external neural-model library: a deterministic function
// document -> vector<f32, D>.
type Encoder interface {
	// Dimension returns D for a known model name.
	Dimension(modelName string) (int, bool)

	// Encode computes the embedding vector for document under modelName.
	Encode(ctx context.Context, modelName string, document string) ([]float32, error)
}

// CacheClient is the subset of pkg/cacheclient.Client the orchestrator
// needs: read/write the H -> O index entry over shared memory (or a direct
// read-only bypass, backend permitting).
type CacheClient interface {
	ReadOffset(ctx context.Context, hash string) (offset uint64, found bool, err error)
	WriteOffset(hash string, offset uint64) error
}

// BlobStore is the subset of pkg/blobstore.Store the orchestrator needs.
type BlobStore interface {
	Append(modelName string, vector []float32) (offset uint64, err error)
	Read(modelName string, offset uint64, dim int) ([]float32, error)
}

// Service is the per-worker embedding orchestrator.
type Service struct {
	client  CacheClient
	blobs   BlobStore
	encoder Encoder
	log     zerolog.Logger
}

// New constructs a Service. client may be nil only in tests that never
// exercise the cache path.
func New(client CacheClient, blobs BlobStore, encoder Encoder, log zerolog.Logger) *Service {
	return &Service{client: client, blobs: blobs, encoder: encoder, log: log}
}

// DeferredWrite is a closure-equivalent value: the caller is expected to
// call Service.WriteEmbeddings(ctx, dw) after sending the HTTP response,
// keeping request latency independent of disk I/O.
type DeferredWrite struct {
	Vector []float32
	Hash   string
	Model  string
}

// HashDocument returns H, the lowercase hex SHA-256 digest of document.
func HashDocument(document string) string {
	sum := sha256.Sum256([]byte(document))
	return hex.EncodeToString(sum[:])
}

// GetEmbeddings: on a cache hit (readCache true, model known, and a cached
// offset exists) it returns the cached vector and a nil DeferredWrite;
// otherwise it computes a fresh vector via the encoder and returns it
// alongside a DeferredWrite the caller should pass to WriteEmbeddings
// after responding.
func (s *Service) GetEmbeddings(ctx context.Context, document, modelName string, readCache bool) ([]float32, *DeferredWrite, error) {
	hash := HashDocument(document)

	dim, known := s.encoder.Dimension(modelName)

	if readCache && known {
		vector, hit, err := s.tryCacheRead(ctx, hash, modelName, dim)
		if err != nil {
			// Cache failures never deny the caller a freshly computed
			// answer; log and fall through to computing a fresh vector.
			s.log.Error().Err(err).Str("hash", hash).Str("model", modelName).Msg("embedsvc: cache read failed, computing fresh")
		} else if hit {
			return vector, nil, nil
		}
	}

	vector, err := s.encoder.Encode(ctx, modelName, document)
	if err != nil {
		return nil, nil, fmt.Errorf("embedsvc: encode: %w", err)
	}

	return vector, &DeferredWrite{Vector: vector, Hash: hash, Model: modelName}, nil
}

func (s *Service) tryCacheRead(ctx context.Context, hash, modelName string, dim int) ([]float32, bool, error) {
	offset, found, err := s.client.ReadOffset(ctx, hash)
	if err != nil {
		return nil, false, fmt.Errorf("read offset: %w", err)
	}

	if !found {
		return nil, false, nil
	}

	vector, err := s.blobs.Read(modelName, offset, dim)
	if err != nil {
		return nil, false, fmt.Errorf("read blob at offset %d: %w", offset, err)
	}

	return vector, true, nil
}

// WriteEmbeddings appends the vector to the model's blob (acquiring its
// file lock internally), then enqueues (H, O) to the DCP. The
// blob-write-then-index-send order is mandatory and is exactly the order
// below.
func (s *Service) WriteEmbeddings(ctx context.Context, dw *DeferredWrite) error {
	offset, err := s.blobs.Append(dw.Model, dw.Vector)
	if err != nil {
		return fmt.Errorf("embedsvc: append blob: %w", err)
	}

	if err := s.client.WriteOffset(dw.Hash, offset); err != nil {
		// Tolerated: the embedding is already durably on disk; only the
		// index entry (and thus future cache hits) is at risk.
		s.log.Warn().Err(err).Str("hash", dw.Hash).Str("model", dw.Model).Uint64("offset", offset).
			Msg("embedsvc: index enqueue failed or dropped")

		return fmt.Errorf("embedsvc: enqueue index write: %w", err)
	}

	return nil
}
