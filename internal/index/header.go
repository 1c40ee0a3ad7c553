// Package index implements the two on-disk archive index formats: .didx
// (dynamic, variable-size chunk entries addressed by end offset) and .fidx
// (fixed, uniform-size chunk entries addressed by slot number).
//
// Both share one 4096-byte header, generalizing the 4-byte
// signature/type/version/flags shape in internal/format to a fixed larger
// size that also carries an archive UUID, creation time, and a running
// checksum over the entry sequence — grounded on internal/format/header.go's
// Encode/Decode/DecodeAndValidate pattern and on
// internal/chunk/file/record.go's fixed-width entry encoding.
package index

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"dedupvault/internal/format"

	"github.com/google/uuid"
)

// HeaderSize is the fixed on-disk size of every index header, as specified
// by the on-disk layout.
const HeaderSize = 4096

const indexVersion = 1

var (
	ErrHeaderTooSmall    = errors.New("index: header too small")
	ErrChecksumMismatch  = errors.New("index: checksum mismatch")
	ErrNonMonotonicEntry = errors.New("index: end offset not strictly increasing")
)

// checksumHex hex-encodes a running checksum the same way on both the
// write side (DynamicWriter/FixedWriter.Close) and the client, so the two
// can be compared as plain strings over the wire.
func checksumHex(sum [sha256.Size]byte) string {
	return hex.EncodeToString(sum[:])
}

// Header is the common prefix of every .didx/.fidx file.
type Header struct {
	Format   format.Header // Type is format.TypeDynamicIdx or format.TypeFixedIdx
	UUID     uuid.UUID
	Created  time.Time
	Checksum [sha256.Size]byte

	// ChunkSize is only meaningful for fixed indexes: the uniform size of
	// every chunk slot except possibly the last. Zero for dynamic indexes.
	ChunkSize uint64
	// EntryCount is the number of entries following the header.
	EntryCount uint64
}

// offsets within the 4096-byte header, after the 4-byte format.Header.
const (
	offUUID       = format.HeaderSize
	offCreated    = offUUID + 16
	offChunkSize  = offCreated + 8
	offEntryCount = offChunkSize + 8
	offChecksum   = offEntryCount + 8
)

// encode writes h into a freshly allocated 4096-byte header block.
func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	h.Format.EncodeInto(buf)
	copy(buf[offUUID:], h.UUID[:])
	binary.BigEndian.PutUint64(buf[offCreated:], uint64(h.Created.Unix()))
	binary.BigEndian.PutUint64(buf[offChunkSize:], h.ChunkSize)
	binary.BigEndian.PutUint64(buf[offEntryCount:], h.EntryCount)
	copy(buf[offChecksum:], h.Checksum[:])
	return buf
}

// decodeHeader parses a 4096-byte header block, validating the format type
// and version.
func decodeHeader(buf []byte, expectedType byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooSmall
	}
	fh, err := format.DecodeAndValidate(buf, expectedType, indexVersion)
	if err != nil {
		return Header{}, fmt.Errorf("index: %w", err)
	}

	var h Header
	h.Format = fh
	copy(h.UUID[:], buf[offUUID:offUUID+16])
	h.Created = time.Unix(int64(binary.BigEndian.Uint64(buf[offCreated:])), 0).UTC()
	h.ChunkSize = binary.BigEndian.Uint64(buf[offChunkSize:])
	h.EntryCount = binary.BigEndian.Uint64(buf[offEntryCount:])
	copy(h.Checksum[:], buf[offChecksum:offChecksum+sha256.Size])
	return h, nil
}
