// Package shmproto defines the wire format for the shared-memory channel
// between a request worker and the database commit process (DCP).
//
// Each cell in a worker's region is a fixed-width byte slice:
//
//	[4 kind header][64 hash bytes][16 hex-offset bytes]  = 84 bytes
//
// The kind header is 4 bytes (not 1) so it can be manipulated with an
// aligned atomic uint32 load/store from [github.com/vecthash/embedcache/pkg/shmregion] —
// ordinary byte stores are not atomic across process boundaries, but a
// lock-prefixed CPU store/load to an aligned word is, which is exactly the
// technique the source protocol's DIGEST_SENTINEL-prefix scan relied on in
// spirit. Only byte 0 of the header is meaningful; bytes 1-3 are reserved
// and always zero.
//
// The hash is the lowercase hex SHA-256 digest of a document (always 64
// bytes). The offset is rendered as 16 lowercase hex digits (zero-padded),
// enough to hold any value up to 2^63-1.
package shmproto

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// HashLen is the length, in bytes, of a lowercase hex SHA-256 digest.
const HashLen = 64

// offsetHexLen is the number of hex digits used to render an offset.
const offsetHexLen = 16

// KindHeaderLen is the size, in bytes, of the atomic kind header.
const KindHeaderLen = 4

// PayloadLen is the size, in bytes, of the hash+offset payload (everything
// after the kind header).
const PayloadLen = HashLen + offsetHexLen

// CellLen is the fixed size, in bytes, of one shared-memory cell.
const CellLen = KindHeaderLen + PayloadLen

// Cell kinds, stored in byte 0 of the kind header.
const (
	// KindEmpty marks a cell with no pending request or reply.
	KindEmpty byte = 0
	// KindWorkerRequest marks a cell holding a worker-authored request
	// (write-offset or, for the kv-store backend, read-offset).
	KindWorkerRequest byte = 1
	// KindDCPReply marks a cell holding a DCP-authored reply to a read
	// request.
	KindDCPReply byte = 2
	// KindHandshakePrefill marks a cell the DCP pre-filled with a dummy
	// payload at region allocation. A worker blanks every pre-filled cell
	// to acknowledge the handshake; the DCP's servicing loop never
	// services cells of this kind.
	KindHandshakePrefill byte = 3
)

// OffsetSentinel doubles as "this is a read-offset request" (when sent by a
// worker) and "not found" (when sent back by the DCP). It must never be
// produced by a real blob append, since no file can be 2^63-1 bytes long.
const OffsetSentinel uint64 = 1<<63 - 1

// ErrMalformedPayload is returned by DecodePayload when the hash or offset
// bytes cannot be parsed. Callers should log and blank the cell.
var ErrMalformedPayload = errors.New("shmproto: malformed payload")

// EncodePayload renders hash and offset into dst, which must be exactly
// PayloadLen bytes (a cell's bytes after its kind header). It validates the
// hash length once, in one place, per the design note about the packed
// payload's implicit length assumption.
func EncodePayload(dst []byte, hash string, offset uint64) error {
	if len(dst) != PayloadLen {
		return fmt.Errorf("shmproto: dst length %d != %d", len(dst), PayloadLen)
	}

	if len(hash) != HashLen {
		return fmt.Errorf("shmproto: hash length %d != %d", len(hash), HashLen)
	}

	copy(dst[:HashLen], hash)

	hexOffset := fmt.Sprintf("%0*x", offsetHexLen, offset)
	copy(dst[HashLen:], hexOffset)

	return nil
}

// DecodePayload parses a PayloadLen-byte slice into a hash and offset.
func DecodePayload(src []byte) (hash string, offset uint64, err error) {
	if len(src) != PayloadLen {
		return "", 0, fmt.Errorf("%w: length %d != %d", ErrMalformedPayload, len(src), PayloadLen)
	}

	hash = string(src[:HashLen])

	raw, err := hex.DecodeString(string(src[HashLen:]))
	if err != nil || len(raw) != 8 {
		return "", 0, fmt.Errorf("%w: bad hex offset %q", ErrMalformedPayload, string(src[HashLen:]))
	}

	return hash, binary.BigEndian.Uint64(raw), nil
}

// EncodeOffsetHex is a helper exposed for tests/diagnostics; production code
// should prefer EncodePayload.
func EncodeOffsetHex(offset uint64) string {
	return fmt.Sprintf("%0*x", offsetHexLen, offset)
}

// Polling cadence for the worker<->DCP channel.
const (
	// DCPScanInterval is how often a DCP servicing task scans an empty
	// region for new requests.
	DCPScanInterval = 5 * time.Millisecond

	// WorkerReplyPollInterval is how often a worker polls a cell for a
	// DCP reply after submitting a read-offset request.
	WorkerReplyPollInterval = 1 * time.Millisecond

	// WorkerReplyTimeout bounds how long a worker waits for a reply
	// before giving up.
	WorkerReplyTimeout = 5 * time.Second
)
