package index

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"dedupvault/internal/chunk"

	"github.com/google/uuid"
)

// fixedEntrySize is the on-disk size of one .fidx slot: a bare 32-byte
// digest, with position implied by slot index.
const fixedEntrySize = 32

var (
	ErrDuplicateSlot = errors.New("index: slot already written")
	ErrMissingSlot   = errors.New("index: not all slots written")
)

// FixedWriter writes a .fidx file of slotCount uniformly-sized chunk
// slots. The total slot count must be known up front (derived from the
// source image size and chunk size), since .fidx addresses chunks by
// position rather than by end offset.
type FixedWriter struct {
	path         string
	tmpPath      string
	f            *os.File
	uuid         uuid.UUID
	created      int64
	chunkSize    uint64
	declaredSize uint64
	slots        [][fixedEntrySize]byte
	written      []bool
	closed       bool
}

// NewFixedWriter creates a new .fidx writer for an archive of slotCount
// chunks, each chunkSize bytes (the final source chunk may be shorter;
// that's a property of the source image, not the index format, so every
// digest still occupies one 32-byte slot). size is the source image's
// total declared byte size, checked against the client's declared size on
// Close.
func NewFixedWriter(path string, id uuid.UUID, createdUnix int64, chunkSize, size, slotCount uint64) (*FixedWriter, error) {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("index: create fixed index: %w", err)
	}
	if _, err := f.Write(make([]byte, HeaderSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("index: reserve header: %w", err)
	}
	if _, err := f.Write(make([]byte, fixedEntrySize*slotCount)); err != nil {
		f.Close()
		return nil, fmt.Errorf("index: reserve slots: %w", err)
	}
	return &FixedWriter{
		path:         path,
		tmpPath:      tmpPath,
		f:            f,
		uuid:         id,
		created:      createdUnix,
		chunkSize:    chunkSize,
		declaredSize: size,
		slots:        make([][fixedEntrySize]byte, slotCount),
		written:      make([]bool, slotCount),
	}, nil
}

// ChunkSize returns the uniform slot size this writer was created with, so
// callers can convert a client-supplied byte offset into a slot index.
func (w *FixedWriter) ChunkSize() uint64 {
	return w.chunkSize
}

// SetSlot writes digest into slot pos. Returns ErrDuplicateSlot if pos was
// already written (the fixed index writer never overwrites — the client
// re-sends a slot only on retry of the exact same chunk, in which case the
// digest must match, or this is a protocol violation).
func (w *FixedWriter) SetSlot(pos uint64, digest chunk.Digest) error {
	if pos >= uint64(len(w.slots)) {
		return fmt.Errorf("index: slot %d out of range [0,%d)", pos, len(w.slots))
	}
	if w.written[pos] {
		if w.slots[pos] == digest {
			return nil
		}
		return ErrDuplicateSlot
	}
	w.slots[pos] = digest
	w.written[pos] = true
	return nil
}

// Close verifies every slot was written and that the caller's declared
// count, total size, and checksum match what was actually set, then
// flushes the index and atomically renames the temp file into place. A
// mismatch on count/size/checksum leaves the temp file behind unrenamed
// and returns ErrChecksumMismatch.
func (w *FixedWriter) Close(declaredCount, declaredSize uint64, declaredChecksumHex string) error {
	if w.closed {
		return nil
	}

	for i, ok := range w.written {
		if !ok {
			w.f.Close()
			os.Remove(w.tmpPath)
			return fmt.Errorf("index: %w: slot %d", ErrMissingSlot, i)
		}
	}

	state := newChecksumState()
	for _, slot := range w.slots {
		state.write(slot[:])
	}
	sum := state.sum()

	if declaredCount != uint64(len(w.slots)) || declaredSize != w.declaredSize || declaredChecksumHex != checksumHex(sum) {
		return fmt.Errorf("index: %w: declared count=%d size=%d checksum=%s, got count=%d size=%d checksum=%s",
			ErrChecksumMismatch, declaredCount, declaredSize, declaredChecksumHex, len(w.slots), w.declaredSize, checksumHex(sum))
	}

	w.closed = true

	for i, slot := range w.slots {
		if _, err := w.f.WriteAt(slot[:], int64(HeaderSize+i*fixedEntrySize)); err != nil {
			w.f.Close()
			os.Remove(w.tmpPath)
			return fmt.Errorf("index: write slot %d: %w", i, err)
		}
	}

	h := Header{
		Format:     formatHeaderFor(fixedType),
		UUID:       w.uuid,
		EntryCount: uint64(len(w.slots)),
		ChunkSize:  w.chunkSize,
		Checksum:   sum,
	}
	h.Created = unixTime(w.created)

	if _, err := w.f.WriteAt(h.encode(), 0); err != nil {
		w.f.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("index: write header: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("index: sync: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("index: close: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("index: rename: %w", err)
	}
	return nil
}

// Discard abandons the writer without validating or finalizing anything;
// see DynamicWriter.Discard.
func (w *FixedWriter) Discard() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	os.Remove(w.tmpPath)
	return nil
}

// FixedIndex is a decoded, fully-read .fidx file.
type FixedIndex struct {
	Header Header
	Slots  []chunk.Digest
}

// ReadFixed reads and validates a complete .fidx file.
func ReadFixed(path string) (*FixedIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("index: read fixed index: %w", err)
	}
	h, err := decodeHeader(data, fixedType)
	if err != nil {
		return nil, err
	}

	body := data[HeaderSize:]
	if uint64(len(body)) != h.EntryCount*fixedEntrySize {
		return nil, fmt.Errorf("index: %w: slot count mismatch", ErrChecksumMismatch)
	}

	state := newChecksumState()
	slots := make([]chunk.Digest, h.EntryCount)
	for i := uint64(0); i < h.EntryCount; i++ {
		raw := body[i*fixedEntrySize : (i+1)*fixedEntrySize]
		state.write(raw)
		copy(slots[i][:], raw)
	}

	if state.sum() != h.Checksum {
		return nil, ErrChecksumMismatch
	}

	return &FixedIndex{Header: h, Slots: slots}, nil
}

// FixedChecksum computes the same running checksum FixedWriter.Close
// produces over slots in position order, so a client can independently
// derive the value it declares on close_fixed_index.
func FixedChecksum(slots []chunk.Digest) [sha256.Size]byte {
	state := newChecksumState()
	for _, d := range slots {
		state.write(d[:])
	}
	return state.sum()
}
