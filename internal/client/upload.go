package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"dedupvault/internal/chunk"
	"dedupvault/internal/chunker"
	"dedupvault/internal/index"

	"golang.org/x/sync/errgroup"
)

// defaultUploaderConcurrency matches the spec's "bounded-concurrency
// uploader pool (e.g. 4)".
const defaultUploaderConcurrency = 4

// appendBatchSize batches append calls to amortize request overhead, per
// the client upload pipeline description.
const appendBatchSize = 256

// item is one chunk's worth of work, in chunker emission order.
type item struct {
	seq       int
	digest    chunk.Digest
	endOffset uint64
}

// knownChunks is a session-scoped set of digests the server already has,
// seeded from the previous archive's digest list and grown as new chunks
// are uploaded. Grounded on the pbs-plus chunk_state.go reference file's
// GetOrInsert pattern, adapted to a plain mutex-guarded map: one pipeline
// per archive runs in a single process, so no concurrent-map dependency
// is warranted (see DESIGN.md).
type knownChunks struct {
	mu   sync.Mutex
	seen map[chunk.Digest]struct{}
}

func newKnownChunks(seed []string) *knownChunks {
	k := &knownChunks{seen: make(map[chunk.Digest]struct{}, len(seed))}
	for _, hexDigest := range seed {
		if d, err := chunk.ParseDigest(hexDigest); err == nil {
			k.seen[d] = struct{}{}
		}
	}
	return k
}

// getOrInsert reports whether d was already known, and marks it known
// either way.
func (k *knownChunks) getOrInsert(d chunk.Digest) (alreadyKnown bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.seen[d]
	k.seen[d] = struct{}{}
	return ok
}

// UploadDynamicArchive chunks r with a content-defined chunker, merges
// against the digests the server already reports knowing (seeded from the
// previous snapshot's same-named archive), uploads only the chunks that
// are new with bounded concurrency, and appends entries to the dynamic
// index writer writerID in original chunker order. It returns the entry
// count, total size, and hex checksum the caller must declare on
// CloseDynamicIndex — computed with index.DynamicChecksum so it matches
// exactly what the server's writer will have observed.
//
// The worker-pool-with-ordered-reassembly shape mirrors desync's
// ChunkStream: workers consume chunk jobs concurrently and write results
// into a map keyed by sequence number; a single reassembly pass flattens
// the map back into chunker order once every job completes, even though
// uploads finish out of order.
func (c *Client) UploadDynamicArchive(ctx context.Context, sessionID, archiveName string, writerID uint16, r io.Reader, minSize, avgSize, maxSize int) (count, size uint64, checksumHex string, err error) {
	seed, err := c.DownloadPreviousIndex(ctx, sessionID, archiveName)
	if err != nil {
		return 0, 0, "", fmt.Errorf("client: download previous index: %w", err)
	}
	known := newKnownChunks(seed)

	cd := chunker.New(r, minSize, avgSize, maxSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultUploaderConcurrency)

	var (
		mu      sync.Mutex
		results = make(map[int]item)
	)

	var seq int
	var offset uint64
	for {
		ck, err := cd.Next()
		if err == chunker.ErrDone {
			break
		}
		if err != nil {
			return 0, 0, "", fmt.Errorf("client: chunk input: %w", err)
		}

		n := seq
		seq++
		offset += uint64(len(ck.Data))
		endOffset := offset
		digest := chunk.Sum(ck.Data)

		if known.getOrInsert(digest) {
			// Reference-only: the server (or an earlier chunk in this same
			// stream) already has this digest, so skip the upload entirely.
			mu.Lock()
			results[n] = item{seq: n, digest: digest, endOffset: endOffset}
			mu.Unlock()
			continue
		}

		data := ck.Data
		g.Go(func() error {
			if _, err := c.UploadChunk(gctx, sessionID, digest.String(), data, false, false); err != nil {
				return fmt.Errorf("client: upload chunk %s: %w", digest, err)
			}
			mu.Lock()
			results[n] = item{seq: n, digest: digest, endOffset: endOffset}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, 0, "", err
	}

	ordered := make([]item, 0, len(results))
	for _, it := range results {
		ordered = append(ordered, it)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	for start := 0; start < len(ordered); start += appendBatchSize {
		end := start + appendBatchSize
		if end > len(ordered) {
			end = len(ordered)
		}
		batch := ordered[start:end]
		digests := make([]string, len(batch))
		offsets := make([]uint64, len(batch))
		for i, it := range batch {
			digests[i] = it.digest.String()
			offsets[i] = it.endOffset
		}
		if err := c.DynamicAppend(ctx, sessionID, writerID, digests, offsets); err != nil {
			return 0, 0, "", fmt.Errorf("client: append batch: %w", err)
		}
	}

	entries := make([]index.DynamicEntry, len(ordered))
	for i, it := range ordered {
		entries[i] = index.DynamicEntry{EndOffset: it.endOffset, Digest: it.digest}
	}
	var totalSize uint64
	if len(entries) > 0 {
		totalSize = entries[len(entries)-1].EndOffset
	}
	sum := index.DynamicChecksum(entries)
	return uint64(len(entries)), totalSize, hex.EncodeToString(sum[:]), nil
}

// fixedItem is one fixed-slot's worth of work, in chunker (== slot) order.
type fixedItem struct {
	seq    int
	digest chunk.Digest
	offset uint64
}

// UploadFixedArchive chunks r into uniform chunkSize slots with the fixed
// chunker, merges against the digests the server already reports knowing,
// uploads only the new ones with bounded concurrency, and appends slots to
// the fixed index writer writerID in slot order. It returns the slot
// count, total size, and hex checksum the caller must declare on
// CloseFixedIndex, computed with index.FixedChecksum so it matches what
// the server's writer will have observed.
func (c *Client) UploadFixedArchive(ctx context.Context, sessionID, archiveName string, writerID uint16, r io.Reader, chunkSize int) (count, size uint64, checksumHex string, err error) {
	seed, err := c.DownloadPreviousIndex(ctx, sessionID, archiveName)
	if err != nil {
		return 0, 0, "", fmt.Errorf("client: download previous index: %w", err)
	}
	known := newKnownChunks(seed)

	cf := chunker.NewFixed(r, chunkSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultUploaderConcurrency)

	var (
		mu      sync.Mutex
		results = make(map[int]fixedItem)
	)

	var seq int
	var total uint64
	for {
		ck, err := cf.Next()
		if err == chunker.ErrDone {
			break
		}
		if err != nil {
			return 0, 0, "", fmt.Errorf("client: chunk input: %w", err)
		}

		n := seq
		seq++
		offset := ck.Offset
		if end := offset + uint64(len(ck.Data)); end > total {
			total = end
		}
		digest := chunk.Sum(ck.Data)

		if known.getOrInsert(digest) {
			mu.Lock()
			results[n] = fixedItem{seq: n, digest: digest, offset: offset}
			mu.Unlock()
			continue
		}

		data := ck.Data
		g.Go(func() error {
			if _, err := c.UploadChunk(gctx, sessionID, digest.String(), data, false, false); err != nil {
				return fmt.Errorf("client: upload chunk %s: %w", digest, err)
			}
			mu.Lock()
			results[n] = fixedItem{seq: n, digest: digest, offset: offset}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, 0, "", err
	}

	ordered := make([]fixedItem, 0, len(results))
	for _, it := range results {
		ordered = append(ordered, it)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	for start := 0; start < len(ordered); start += appendBatchSize {
		end := start + appendBatchSize
		if end > len(ordered) {
			end = len(ordered)
		}
		batch := ordered[start:end]
		digests := make([]string, len(batch))
		offsets := make([]uint64, len(batch))
		for i, it := range batch {
			digests[i] = it.digest.String()
			offsets[i] = it.offset
		}
		if err := c.FixedAppend(ctx, sessionID, writerID, digests, offsets); err != nil {
			return 0, 0, "", fmt.Errorf("client: append batch: %w", err)
		}
	}

	slots := make([]chunk.Digest, len(ordered))
	for i, it := range ordered {
		slots[i] = it.digest
	}
	sum := index.FixedChecksum(slots)
	return uint64(len(slots)), total, hex.EncodeToString(sum[:]), nil
}
