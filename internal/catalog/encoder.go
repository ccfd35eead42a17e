package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// DeterministicEncoder is a stand-in for the real, out-of-scope neural
// model library, used in tests and local development. It never loads or
// runs a real model; it expands a SHA-256 of (modelName, document) into a
// seeded PRNG vector of the catalog's declared dimension, so the same
// (document, model) pair always yields the same vector -- the one property
// the cache's correctness actually depends on.
type DeterministicEncoder struct {
	catalog *Catalog
}

// NewDeterministicEncoder wraps a Catalog for dimension lookups.
func NewDeterministicEncoder(c *Catalog) *DeterministicEncoder {
	return &DeterministicEncoder{catalog: c}
}

// Dimension implements embedsvc.Encoder.
func (e *DeterministicEncoder) Dimension(modelName string) (int, bool) {
	return e.catalog.Dimension(modelName)
}

// Encode implements embedsvc.Encoder.
func (e *DeterministicEncoder) Encode(_ context.Context, modelName string, document string) ([]float32, error) {
	dim, ok := e.catalog.Dimension(modelName)
	if !ok {
		return nil, fmt.Errorf("catalog: unknown model %q", modelName)
	}

	seed := sha256.Sum256([]byte(modelName + "\x00" + document))

	vec := make([]float32, dim)

	state := binary.BigEndian.Uint64(seed[:8])

	for i := range vec {
		state = splitmix64(state)
		// Map the PRNG's uint64 output into a bounded, finite float32 so
		// the generated vector can never contain NaN/Inf (which a real
		// model also never emits, and which would break bitwise
		// round-trip comparison in tests).
		vec[i] = float32(int64(state>>11)) / float32(1<<52) //nolint:gosec // deterministic test fixture, not security sensitive

		if math.IsNaN(float64(vec[i])) || math.IsInf(float64(vec[i]), 0) {
			vec[i] = 0
		}
	}

	return vec, nil
}

// splitmix64 is a small, fast, well-distributed PRNG step -- plenty for
// generating deterministic test fixtures, not for anything security
// sensitive.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	z := x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB

	return z ^ (z >> 31)
}
