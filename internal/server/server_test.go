package server_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http/httptest"
	"testing"
	"time"

	"dedupvault/internal/chunk"
	"dedupvault/internal/chunkstore"
	"dedupvault/internal/client"
	"dedupvault/internal/index"
	"dedupvault/internal/server"
)

func newTestServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	codec, err := chunk.NewCodec(nil)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	t.Cleanup(codec.Close)

	root := t.TempDir()
	store, err := chunkstore.Open(root+"/.chunks", codec, nil)
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := server.New(store, server.Config{Root: root, KeepGrace: time.Hour})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func TestFullBackupLifecycle(t *testing.T) {
	_, url := newTestServer(t)
	c := client.New(url)
	ctx := context.Background()

	sessionID, err := c.OpenSession(ctx, "host", "pegasus", 1700000000)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	writerID, err := c.CreateDynamicIndex(ctx, sessionID, "root.pxar.didx")
	if err != nil {
		t.Fatalf("CreateDynamicIndex: %v", err)
	}

	plaintext := []byte("hello, dedupvault")
	digest := chunk.Sum(plaintext)
	resp, err := c.UploadChunk(ctx, sessionID, digest.String(), plaintext, false, false)
	if err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if !resp.Inserted {
		t.Fatal("expected first upload to report inserted=true")
	}

	if err := c.DynamicAppend(ctx, sessionID, writerID, []string{digest.String()}, []uint64{uint64(len(plaintext))}); err != nil {
		t.Fatalf("DynamicAppend: %v", err)
	}
	sum := index.DynamicChecksum([]index.DynamicEntry{{EndOffset: uint64(len(plaintext)), Digest: digest}})
	if err := c.CloseDynamicIndex(ctx, sessionID, writerID, 1, uint64(len(plaintext)), hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("CloseDynamicIndex: %v", err)
	}
	if err := c.Finish(ctx, sessionID, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	groups, err := c.ListGroups(ctx)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 1 || groups[0].Type != "host" || groups[0].ID != "pegasus" {
		t.Fatalf("unexpected groups: %+v", groups)
	}

	snaps, err := c.ListSnapshots(ctx, "host", "pegasus")
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].InProgress {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
}

func TestUploadChunkRejectsWrongDigest(t *testing.T) {
	_, url := newTestServer(t)
	c := client.New(url)
	ctx := context.Background()

	sessionID, err := c.OpenSession(ctx, "host", "wrongdigest", 1700000000)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	wrongDigest := chunk.Sum([]byte("not the same bytes"))
	if _, err := c.UploadChunk(ctx, sessionID, wrongDigest.String(), []byte("actual body"), false, false); err == nil {
		t.Fatal("expected upload with mismatched digest to fail")
	}
}

func TestOpenSessionRejectsNonMonotonicTime(t *testing.T) {
	_, url := newTestServer(t)
	c := client.New(url)
	ctx := context.Background()

	first, err := c.OpenSession(ctx, "host", "chrono", 1700000000)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := c.Abort(ctx, first); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	// Re-open and finish a snapshot so a finalized predecessor exists.
	second, err := c.OpenSession(ctx, "host", "chrono", 1700000100)
	if err != nil {
		t.Fatalf("second OpenSession: %v", err)
	}
	if err := c.Finish(ctx, second, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if _, err := c.OpenSession(ctx, "host", "chrono", 1700000050); err == nil {
		t.Fatal("expected open_session with an earlier time to fail")
	}
}

func TestDownloadPreviousIndexSeedsKnownChunks(t *testing.T) {
	_, url := newTestServer(t)
	c := client.New(url)
	ctx := context.Background()

	plaintext := []byte("shared across snapshots")
	digest := chunk.Sum(plaintext)

	first, err := c.OpenSession(ctx, "host", "seed", 1700000000)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	w1, err := c.CreateDynamicIndex(ctx, first, "root.pxar.didx")
	if err != nil {
		t.Fatalf("CreateDynamicIndex: %v", err)
	}
	if _, err := c.UploadChunk(ctx, first, digest.String(), plaintext, false, false); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if err := c.DynamicAppend(ctx, first, w1, []string{digest.String()}, []uint64{uint64(len(plaintext))}); err != nil {
		t.Fatalf("DynamicAppend: %v", err)
	}
	sum := index.DynamicChecksum([]index.DynamicEntry{{EndOffset: uint64(len(plaintext)), Digest: digest}})
	if err := c.CloseDynamicIndex(ctx, first, w1, 1, uint64(len(plaintext)), hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("CloseDynamicIndex: %v", err)
	}
	if err := c.Finish(ctx, first, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	second, err := c.OpenSession(ctx, "host", "seed", 1700000100)
	if err != nil {
		t.Fatalf("second OpenSession: %v", err)
	}
	known, err := c.DownloadPreviousIndex(ctx, second, "root.pxar.didx")
	if err != nil {
		t.Fatalf("DownloadPreviousIndex: %v", err)
	}
	if len(known) != 1 || known[0] != digest.String() {
		t.Fatalf("expected previous index to report %s, got %v", digest, known)
	}
	if err := c.Abort(ctx, second); err != nil {
		t.Fatalf("Abort: %v", err)
	}
}

func TestUploadDynamicArchiveSkipsKnownChunks(t *testing.T) {
	_, url := newTestServer(t)
	c := client.New(url)
	ctx := context.Background()

	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 4096)

	first, err := c.OpenSession(ctx, "host", "archive", 1700000000)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	w1, err := c.CreateDynamicIndex(ctx, first, "root.pxar.didx")
	if err != nil {
		t.Fatalf("CreateDynamicIndex: %v", err)
	}
	count, size, checksum, err := c.UploadDynamicArchive(ctx, first, "root.pxar.didx", w1, bytes.NewReader(data), 1<<14, 1<<16, 1<<18)
	if err != nil {
		t.Fatalf("UploadDynamicArchive: %v", err)
	}
	if size != uint64(len(data)) {
		t.Fatalf("expected archive size %d, got %d", len(data), size)
	}
	if err := c.CloseDynamicIndex(ctx, first, w1, count, size, checksum); err != nil {
		t.Fatalf("CloseDynamicIndex: %v", err)
	}
	if err := c.Finish(ctx, first, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// A second backup of identical content should dedup entirely against
	// the first snapshot's known chunks.
	second, err := c.OpenSession(ctx, "host", "archive", 1700000100)
	if err != nil {
		t.Fatalf("second OpenSession: %v", err)
	}
	w2, err := c.CreateDynamicIndex(ctx, second, "root.pxar.didx")
	if err != nil {
		t.Fatalf("second CreateDynamicIndex: %v", err)
	}
	count2, size2, checksum2, err := c.UploadDynamicArchive(ctx, second, "root.pxar.didx", w2, bytes.NewReader(data), 1<<14, 1<<16, 1<<18)
	if err != nil {
		t.Fatalf("second UploadDynamicArchive: %v", err)
	}
	if err := c.CloseDynamicIndex(ctx, second, w2, count2, size2, checksum2); err != nil {
		t.Fatalf("second CloseDynamicIndex: %v", err)
	}
	if err := c.Finish(ctx, second, nil); err != nil {
		t.Fatalf("second Finish: %v", err)
	}
}

// TestFixedArchiveUploadEndToEnd exercises the whole .fidx path end to
// end: create_fixed_index, upload+fixed_append via the client's
// content-agnostic fixed-chunk uploader, close, and finish. An 8 MiB image
// chunked at 1 MiB should land in exactly 8 slots, all filled, with a
// checksum the close call accepts.
func TestFixedArchiveUploadEndToEnd(t *testing.T) {
	_, url := newTestServer(t)
	c := client.New(url)
	ctx := context.Background()

	const chunkSize = 1 << 20
	data := bytes.Repeat([]byte("0123456789abcdef"), (8*chunkSize)/16)
	if len(data) != 8*chunkSize {
		t.Fatalf("test data size %d, want %d", len(data), 8*chunkSize)
	}

	sessionID, err := c.OpenSession(ctx, "host", "image", 1700000000)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	writerID, err := c.CreateFixedIndex(ctx, sessionID, "disk.img.fidx", uint64(len(data)), uint64(chunkSize))
	if err != nil {
		t.Fatalf("CreateFixedIndex: %v", err)
	}

	count, size, checksum, err := c.UploadFixedArchive(ctx, sessionID, "disk.img.fidx", writerID, bytes.NewReader(data), chunkSize)
	if err != nil {
		t.Fatalf("UploadFixedArchive: %v", err)
	}
	if count != 8 {
		t.Fatalf("expected 8 slots, got %d", count)
	}
	if size != uint64(len(data)) {
		t.Fatalf("expected total size %d, got %d", len(data), size)
	}

	if err := c.CloseFixedIndex(ctx, sessionID, writerID, count, size, checksum); err != nil {
		t.Fatalf("CloseFixedIndex: %v", err)
	}
	if err := c.Finish(ctx, sessionID, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

// TestFixedAppendRejectsMisalignedOffset confirms a fixed_append offset
// that isn't a multiple of the writer's chunk_size is rejected rather than
// silently reinterpreted as a slot index.
func TestFixedAppendRejectsMisalignedOffset(t *testing.T) {
	_, url := newTestServer(t)
	c := client.New(url)
	ctx := context.Background()

	sessionID, err := c.OpenSession(ctx, "host", "misaligned", 1700000000)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	writerID, err := c.CreateFixedIndex(ctx, sessionID, "disk.img.fidx", 8192, 4096)
	if err != nil {
		t.Fatalf("CreateFixedIndex: %v", err)
	}

	plaintext := []byte("not a multiple of the chunk size")
	digest := chunk.Sum(plaintext)
	if _, err := c.UploadChunk(ctx, sessionID, digest.String(), plaintext, false, false); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if err := c.FixedAppend(ctx, sessionID, writerID, []string{digest.String()}, []uint64{100}); err == nil {
		t.Fatal("expected fixed_append with a misaligned offset to fail")
	}
}

// TestCloseChecksumMismatchAbortsSession covers a client sending the
// correct chunks but a wrong checksum on close_dynamic_index: the close
// must fail with checksum_mismatch and the session must no longer be
// usable afterward (its snapshot directory was removed by abort).
func TestCloseChecksumMismatchAbortsSession(t *testing.T) {
	_, url := newTestServer(t)
	c := client.New(url)
	ctx := context.Background()

	sessionID, err := c.OpenSession(ctx, "host", "badclose", 1700000000)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	writerID, err := c.CreateDynamicIndex(ctx, sessionID, "root.pxar.didx")
	if err != nil {
		t.Fatalf("CreateDynamicIndex: %v", err)
	}

	plaintext := []byte("correct chunks, wrong checksum")
	digest := chunk.Sum(plaintext)
	if _, err := c.UploadChunk(ctx, sessionID, digest.String(), plaintext, false, false); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if err := c.DynamicAppend(ctx, sessionID, writerID, []string{digest.String()}, []uint64{uint64(len(plaintext))}); err != nil {
		t.Fatalf("DynamicAppend: %v", err)
	}

	if err := c.CloseDynamicIndex(ctx, sessionID, writerID, 1, uint64(len(plaintext)), "0000000000000000000000000000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected close_dynamic_index with a wrong checksum to fail")
	}

	// The session should already be gone: any further call against it is a
	// protocol violation, not a graceful no-op.
	if err := c.Finish(ctx, sessionID, nil); err == nil {
		t.Fatal("expected finish against an aborted session to fail")
	}
}

func TestGCEndpointScansUnreferencedChunks(t *testing.T) {
	_, url := newTestServer(t)
	c := client.New(url)
	ctx := context.Background()

	sessionID, err := c.OpenSession(ctx, "host", "gc", 1700000000)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	orphan := []byte("never referenced by any index")
	digest := chunk.Sum(orphan)
	if _, err := c.UploadChunk(ctx, sessionID, digest.String(), orphan, false, false); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if err := c.Abort(ctx, sessionID); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	result, err := c.GC(ctx)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if result.Scanned == 0 {
		t.Fatalf("expected GC to scan at least the orphan chunk, got %+v", result)
	}
}
