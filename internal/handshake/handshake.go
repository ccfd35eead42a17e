// Package handshake defines the descriptor the DCP publishes in the
// transient handshake region so workers can locate their own per-worker
// shared-memory region without the DCP knowing N at spawn time, and
// without a worker needing to guess another worker's pid.
package handshake

import (
	"encoding/json"
	"fmt"
)

// Size is the fixed byte size of the handshake region, large enough to
// hold a JSON-encoded Descriptor for any realistic worker count.
const Size = 64 * 1024

// RegionDescriptor names one worker's per-worker region.
type RegionDescriptor struct {
	RegionName string `json:"region_name"`
	Slots      int    `json:"slots"`
}

// Descriptor is the full handshake payload: one RegionDescriptor per worker
// pid, plus the shared-memory directory they all live under.
type Descriptor struct {
	Dir     string                   `json:"dir"`
	Regions map[int]RegionDescriptor `json:"regions"`
}

// Encode serializes d as JSON into a byte slice no larger than maxSize.
func Encode(d Descriptor, maxSize int) ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("handshake: marshal: %w", err)
	}

	if len(b) > maxSize {
		return nil, fmt.Errorf("handshake: descriptor is %d bytes, exceeds region size %d", len(b), maxSize)
	}

	return b, nil
}

// Decode parses a handshake region's raw bytes. Trailing NUL padding (from
// the region being larger than the encoded JSON) is trimmed automatically.
func Decode(raw []byte) (Descriptor, error) {
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}

	var d Descriptor
	if err := json.Unmarshal(raw[:end], &d); err != nil {
		return Descriptor{}, fmt.Errorf("handshake: unmarshal: %w", err)
	}

	return d, nil
}
