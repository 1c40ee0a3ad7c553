package index

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"dedupvault/internal/chunk"

	"github.com/google/uuid"
)

func TestDynamicWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.didx")
	id := uuid.New()

	w, err := NewDynamicWriter(path, id, 1_700_000_000)
	if err != nil {
		t.Fatalf("NewDynamicWriter: %v", err)
	}

	entries := []DynamicEntry{
		{EndOffset: 1024, Digest: chunk.Sum([]byte("a"))},
		{EndOffset: 3072, Digest: chunk.Sum([]byte("b"))},
		{EndOffset: 4096, Digest: chunk.Sum([]byte("c"))},
	}
	for _, e := range entries {
		if err := w.Append(e.EndOffset, e.Digest); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	sum := DynamicChecksum(entries)
	if err := w.Close(uint64(len(entries)), entries[len(entries)-1].EndOffset, checksumHex(sum)); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err := ReadDynamic(path)
	if err != nil {
		t.Fatalf("ReadDynamic: %v", err)
	}
	if idx.Header.UUID != id {
		t.Fatalf("uuid mismatch: got %v want %v", idx.Header.UUID, id)
	}
	if len(idx.Entries) != len(entries) {
		t.Fatalf("entry count mismatch: got %d want %d", len(idx.Entries), len(entries))
	}
	for i, e := range entries {
		if idx.Entries[i] != e {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, idx.Entries[i], e)
		}
	}
}

func TestDynamicReadDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.didx")
	w, err := NewDynamicWriter(path, uuid.New(), 1_700_000_000)
	if err != nil {
		t.Fatalf("NewDynamicWriter: %v", err)
	}
	digest := chunk.Sum([]byte("a"))
	if err := w.Append(100, digest); err != nil {
		t.Fatalf("Append: %v", err)
	}
	sum := DynamicChecksum([]DynamicEntry{{EndOffset: 100, Digest: digest}})
	if err := w.Close(1, 100, checksumHex(sum)); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[HeaderSize] ^= 0xFF // flip a byte inside the one entry
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := ReadDynamic(path); err != ErrChecksumMismatch {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestFixedWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.fidx")
	id := uuid.New()

	const chunkSize = 4 * 1024 * 1024
	size := uint64(3 * chunkSize)
	w, err := NewFixedWriter(path, id, 1_700_000_000, chunkSize, size, 3)
	if err != nil {
		t.Fatalf("NewFixedWriter: %v", err)
	}
	digests := []chunk.Digest{
		chunk.Sum([]byte("slot0")),
		chunk.Sum([]byte("slot1")),
		chunk.Sum([]byte("slot2")),
	}
	// Write out of order to exercise slot addressing.
	if err := w.SetSlot(2, digests[2]); err != nil {
		t.Fatalf("SetSlot 2: %v", err)
	}
	if err := w.SetSlot(0, digests[0]); err != nil {
		t.Fatalf("SetSlot 0: %v", err)
	}
	if err := w.SetSlot(1, digests[1]); err != nil {
		t.Fatalf("SetSlot 1: %v", err)
	}
	sum := FixedChecksum(digests)
	if err := w.Close(3, size, checksumHex(sum)); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err := ReadFixed(path)
	if err != nil {
		t.Fatalf("ReadFixed: %v", err)
	}
	if idx.Header.ChunkSize != 4*1024*1024 {
		t.Fatalf("unexpected chunk size: %d", idx.Header.ChunkSize)
	}
	for i, d := range digests {
		if idx.Slots[i] != d {
			t.Fatalf("slot %d mismatch", i)
		}
	}
}

func TestFixedWriterRejectsDuplicateSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.fidx")
	w, err := NewFixedWriter(path, uuid.New(), 1_700_000_000, 4096, 4096, 1)
	if err != nil {
		t.Fatalf("NewFixedWriter: %v", err)
	}
	a := chunk.Sum([]byte("a"))
	b := chunk.Sum([]byte("b"))
	if err := w.SetSlot(0, a); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}
	if err := w.SetSlot(0, a); err != nil {
		t.Fatalf("re-setting the same digest should be idempotent: %v", err)
	}
	if err := w.SetSlot(0, b); err != ErrDuplicateSlot {
		t.Fatalf("expected ErrDuplicateSlot, got %v", err)
	}
}

func TestFixedWriterRejectsMissingSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.fidx")
	w, err := NewFixedWriter(path, uuid.New(), 1_700_000_000, 4096, 8192, 2)
	if err != nil {
		t.Fatalf("NewFixedWriter: %v", err)
	}
	if err := w.SetSlot(0, chunk.Sum([]byte("a"))); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}
	err = w.Close(0, 0, "")
	if !errors.Is(err, ErrMissingSlot) {
		t.Fatalf("expected ErrMissingSlot, got %v", err)
	}
}

func TestDynamicWriterRejectsNonMonotonicOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.didx")
	w, err := NewDynamicWriter(path, uuid.New(), 1_700_000_000)
	if err != nil {
		t.Fatalf("NewDynamicWriter: %v", err)
	}
	if err := w.Append(1024, chunk.Sum([]byte("a"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(1024, chunk.Sum([]byte("b"))); !errors.Is(err, ErrNonMonotonicEntry) {
		t.Fatalf("expected ErrNonMonotonicEntry for equal offset, got %v", err)
	}
	if err := w.Append(512, chunk.Sum([]byte("c"))); !errors.Is(err, ErrNonMonotonicEntry) {
		t.Fatalf("expected ErrNonMonotonicEntry for decreasing offset, got %v", err)
	}
}

func TestDynamicCloseRejectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.didx")
	w, err := NewDynamicWriter(path, uuid.New(), 1_700_000_000)
	if err != nil {
		t.Fatalf("NewDynamicWriter: %v", err)
	}
	if err := w.Append(100, chunk.Sum([]byte("a"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(1, 100, "not-the-right-checksum"); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if err := w.Close(2, 100, ""); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch on count mismatch, got %v", err)
	}
	if err := w.Close(1, 200, ""); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch on size mismatch, got %v", err)
	}
}
