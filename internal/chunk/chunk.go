// Package chunk implements the content-addressed chunk blob format: a
// digest identity derived from plaintext content, and an on-disk framing
// that supports raw, zstd-compressed, and authenticated-encrypted bodies.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"dedupvault/internal/format"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

// Digest identifies a chunk by the SHA-256 hash of its plaintext content.
type Digest [sha256.Size]byte

// Sum computes the Digest of plaintext.
func Sum(plaintext []byte) Digest {
	return Digest(sha256.Sum256(plaintext))
}

// String renders the digest as lowercase hex, matching the on-disk shard
// naming convention (first two hex characters select the shard directory).
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ShardPrefix returns the first byte of the digest as a two-character hex
// string, used to select one of the 256 shard directories in the store.
func (d Digest) ShardPrefix() string {
	return hex.EncodeToString(d[:1])
}

// ParseDigest parses a hex-encoded digest string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(b) != sha256.Size {
		return d, fmt.Errorf("parse digest: expected %d bytes, got %d", sha256.Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Encoding selects the body transform applied after framing.
type Encoding byte

const (
	EncodingRaw  Encoding = 0x01
	EncodingZstd Encoding = 0x02
)

// flagEncrypted marks an AEAD-sealed body; ORed into the header's Flags byte
// alongside the base Encoding, mirroring format.Header's single-flags-byte
// convention rather than a family of distinct magic numbers.
const flagEncrypted byte = 0x80

var (
	ErrWrongDigest     = errors.New("chunk: plaintext does not match digest")
	ErrUnknownEncoding = errors.New("chunk: unknown encoding")
	ErrCorrupted       = errors.New("chunk: corrupted blob")
	ErrMissingKey      = errors.New("chunk: encryption key required")
)

const blobVersion = 1

// Codec encodes and decodes chunk blobs. A Codec is safe for concurrent use
// once constructed; the zstd encoder/decoder pair is shared across calls,
// matching the teacher's package-level shared zstd.Decoder in
// internal/chunk/file/compress.go.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
	key []byte // 32-byte chacha20poly1305 key, nil if encryption is disabled
}

// NewCodec builds a Codec. key may be nil to disable encryption.
func NewCodec(key []byte) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("chunk: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("chunk: create zstd decoder: %w", err)
	}
	if key != nil && len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("chunk: key must be %d bytes", chacha20poly1305.KeySize)
	}
	return &Codec{enc: enc, dec: dec, key: key}, nil
}

// Close releases the codec's zstd resources.
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}

// Encode frames plaintext as an on-disk chunk blob: a 4-byte format.Header
// followed by the (optionally compressed, optionally encrypted) body. The
// digest must already equal Sum(plaintext); callers that haven't computed
// it yet should call Sum first.
func (c *Codec) Encode(digest Digest, plaintext []byte, encoding Encoding, encrypt bool) ([]byte, error) {
	if Sum(plaintext) != digest {
		return nil, ErrWrongDigest
	}

	body := plaintext
	if encoding == EncodingZstd {
		body = c.enc.EncodeAll(plaintext, make([]byte, 0, len(plaintext)))
	}

	flags := byte(0)
	if encrypt {
		if c.key == nil {
			return nil, ErrMissingKey
		}
		aead, err := chacha20poly1305.New(c.key)
		if err != nil {
			return nil, fmt.Errorf("chunk: init aead: %w", err)
		}
		nonce := digest[:aead.NonceSize()]
		body = aead.Seal(nil, nonce, body, digest[:])
		flags |= flagEncrypted
	}

	h := format.Header{Type: format.TypeChunkBlob, Version: blobVersion, Flags: byte(encoding) | flags}
	out := make([]byte, format.HeaderSize+len(body))
	h.EncodeInto(out)
	copy(out[format.HeaderSize:], body)
	return out, nil
}

// Decode reverses Encode, verifying the result against digest.
func (c *Codec) Decode(digest Digest, blob []byte) ([]byte, error) {
	h, err := format.DecodeAndValidate(blob, format.TypeChunkBlob, blobVersion)
	if err != nil {
		return nil, fmt.Errorf("chunk: %w: %w", ErrCorrupted, err)
	}

	body := blob[format.HeaderSize:]
	encoding := Encoding(h.Flags &^ flagEncrypted)

	if h.Flags&flagEncrypted != 0 {
		if c.key == nil {
			return nil, ErrMissingKey
		}
		aead, err := chacha20poly1305.New(c.key)
		if err != nil {
			return nil, fmt.Errorf("chunk: init aead: %w", err)
		}
		if len(body) < aead.NonceSize() {
			return nil, ErrCorrupted
		}
		nonce := digest[:aead.NonceSize()]
		body, err = aead.Open(nil, nonce, body, digest[:])
		if err != nil {
			return nil, fmt.Errorf("chunk: %w: %w", ErrCorrupted, err)
		}
	}

	var plaintext []byte
	switch encoding {
	case EncodingRaw:
		plaintext = body
	case EncodingZstd:
		plaintext, err = c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("chunk: %w: %w", ErrCorrupted, err)
		}
	default:
		return nil, ErrUnknownEncoding
	}

	if Sum(plaintext) != digest {
		return nil, ErrWrongDigest
	}
	return plaintext, nil
}
