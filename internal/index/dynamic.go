package index

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"

	"dedupvault/internal/chunk"

	"github.com/google/uuid"
)

// dynamicEntrySize is the on-disk size of one .didx entry: an 8-byte
// big-endian end offset followed by a 32-byte digest.
const dynamicEntrySize = 8 + 32

// DynamicEntry describes one chunk's placement within a .didx archive.
type DynamicEntry struct {
	EndOffset uint64
	Digest    chunk.Digest
}

// DynamicWriter appends entries to a .didx file. Writes go to a temp file;
// Close fills in the final header (entry count, running checksum) and
// atomically renames into place, the same crash-safe sequence the chunk
// store uses for chunk inserts.
type DynamicWriter struct {
	path          string
	tmpPath       string
	f             *os.File
	w             *bufio.Writer
	uuid          uuid.UUID
	created       int64
	hash          sha256ChecksumState
	count         uint64
	lastEndOffset uint64
	closed        bool
}

// NewDynamicWriter creates a new .didx writer at path (the final path; a
// sibling temp file is used until Close).
func NewDynamicWriter(path string, id uuid.UUID, createdUnix int64) (*DynamicWriter, error) {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("index: create dynamic index: %w", err)
	}
	if _, err := f.Write(make([]byte, HeaderSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("index: reserve header: %w", err)
	}
	return &DynamicWriter{
		path:    path,
		tmpPath: tmpPath,
		f:       f,
		w:       bufio.NewWriter(f),
		uuid:    id,
		created: createdUnix,
		hash:    newChecksumState(),
	}, nil
}

// Append writes one entry. endOffset must be strictly greater than every
// previously written endOffset (entries are end-offset addressed and
// therefore monotonic); violating that is a malformed client, not a
// storage error.
func (w *DynamicWriter) Append(endOffset uint64, digest chunk.Digest) error {
	if endOffset <= w.lastEndOffset {
		return fmt.Errorf("index: %w: end offset %d <= last %d", ErrNonMonotonicEntry, endOffset, w.lastEndOffset)
	}

	var buf [dynamicEntrySize]byte
	binary.BigEndian.PutUint64(buf[0:8], endOffset)
	copy(buf[8:], digest[:])
	if _, err := w.w.Write(buf[:]); err != nil {
		return fmt.Errorf("index: append entry: %w", err)
	}
	w.hash.write(buf[:])
	w.count++
	w.lastEndOffset = endOffset
	return nil
}

// Close verifies the caller's declared count, total size, and checksum
// against what was actually appended, then finalizes the index: flushes
// buffered entries, writes the header, fsyncs, and atomically renames the
// temp file into place. A mismatch on any of the three leaves the temp
// file behind unrenamed and returns ErrChecksumMismatch, without
// finalizing the index.
func (w *DynamicWriter) Close(declaredCount, declaredSize uint64, declaredChecksumHex string) error {
	if w.closed {
		return nil
	}

	sum := w.hash.sum()
	if declaredCount != w.count || declaredSize != w.lastEndOffset || declaredChecksumHex != checksumHex(sum) {
		return fmt.Errorf("index: %w: declared count=%d size=%d checksum=%s, got count=%d size=%d checksum=%s",
			ErrChecksumMismatch, declaredCount, declaredSize, declaredChecksumHex, w.count, w.lastEndOffset, checksumHex(sum))
	}

	w.closed = true

	if err := w.w.Flush(); err != nil {
		w.f.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("index: flush: %w", err)
	}

	h := Header{
		Format:     formatHeaderFor(dynamicType),
		UUID:       w.uuid,
		EntryCount: w.count,
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

// Discard abandons the writer without validating or finalizing anything:
// the underlying temp file is closed and removed. Used when a session
// aborts and the snapshot directory is about to be deleted wholesale
// anyway, so there is no reason to validate a writer that will never be
// read back.
func (w *DynamicWriter) Discard() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	os.Remove(w.tmpPath)
	return nil
}

// DynamicIndex is a decoded, fully-read .didx file.
type DynamicIndex struct {
	Header  Header
	Entries []DynamicEntry
}

// ReadDynamic reads and validates a complete .didx file.
func ReadDynamic(path string) (*DynamicIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("index: read dynamic index: %w", err)
	}
	h, err := decodeHeader(data, dynamicType)
	if err != nil {
		return nil, err
	}

	body := data[HeaderSize:]
	if uint64(len(body)) != h.EntryCount*dynamicEntrySize {
		return nil, fmt.Errorf("index: %w: entry count mismatch", ErrChecksumMismatch)
	}

	state := newChecksumState()
	entries := make([]DynamicEntry, 0, h.EntryCount)
	var lastEndOffset uint64
	for i := uint64(0); i < h.EntryCount; i++ {
		raw := body[i*dynamicEntrySize : (i+1)*dynamicEntrySize]
		state.write(raw)
		var e DynamicEntry
		e.EndOffset = binary.BigEndian.Uint64(raw[0:8])
		copy(e.Digest[:], raw[8:])
		if e.EndOffset <= lastEndOffset {
			return nil, fmt.Errorf("index: %w: entry %d end offset %d <= previous %d", ErrNonMonotonicEntry, i, e.EndOffset, lastEndOffset)
		}
		lastEndOffset = e.EndOffset
		entries = append(entries, e)
	}

	if state.sum() != h.Checksum {
		return nil, ErrChecksumMismatch
	}

	return &DynamicIndex{Header: h, Entries: entries}, nil
}

// DynamicChecksum computes the same running checksum DynamicWriter.Close
// produces over entries written in order, so a client can independently
// derive the value it declares on close_dynamic_index without duplicating
// the server's hashing logic.
func DynamicChecksum(entries []DynamicEntry) [sha256.Size]byte {
	state := newChecksumState()
	var buf [dynamicEntrySize]byte
	for _, e := range entries {
		binary.BigEndian.PutUint64(buf[0:8], e.EndOffset)
		copy(buf[8:], e.Digest[:])
		state.write(buf[:])
	}
	return state.sum()
}

// sha256ChecksumState accumulates a running SHA-256 over the raw entry
// bytes, grounded on the other_examples pbs-plus ChunkState's running
// hash.Hash over (offset, digest) pairs.
type sha256ChecksumState struct {
	h interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
	}
}

func newChecksumState() sha256ChecksumState {
	return sha256ChecksumState{h: sha256.New()}
}

func (s sha256ChecksumState) write(p []byte) { s.h.Write(p) }

func (s sha256ChecksumState) sum() [sha256.Size]byte {
	var out [sha256.Size]byte
	copy(out[:], s.h.Sum(nil))
	return out
}
