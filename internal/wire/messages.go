// Package wire's message types: the small JSON request/response bodies
// carried over the h2c-upgraded connection for every backup operation in
// the session state machine. Streamed bodies (upload_chunk, blob upload,
// index download) carry raw bytes instead and use query parameters for
// their metadata, per the "JSON bodies or raw byte streams" wire note.
package wire

// OpenSessionRequest begins a new backup session for one snapshot.
type OpenSessionRequest struct {
	GroupType string `json:"group_type"`
	GroupID   string `json:"group_id"`
	TimeUnix  int64  `json:"time_unix"`
}

// OpenSessionResponse returns the new session's id, used as a path/query
// parameter on every subsequent call.
type OpenSessionResponse struct {
	SessionID string `json:"session_id"`
}

// CreateDynamicIndexRequest opens a new .didx writer.
type CreateDynamicIndexRequest struct {
	ArchiveName string `json:"archive_name"`
}

// CreateFixedIndexRequest opens a new .fidx writer.
type CreateFixedIndexRequest struct {
	ArchiveName string `json:"archive_name"`
	Size        uint64 `json:"size"`
	ChunkSize   uint64 `json:"chunk_size"`
}

// CreateWriterResponse returns the allocated writer id.
type CreateWriterResponse struct {
	WriterID uint16 `json:"writer_id"`
}

// DynamicAppendRequest appends entries to a dynamic index writer in list
// order; Digests and EndOffsets must be the same length and non-empty.
type DynamicAppendRequest struct {
	WriterID   uint16   `json:"writer_id"`
	Digests    []string `json:"digests"`
	EndOffsets []uint64 `json:"end_offsets"`
}

// FixedAppendRequest appends slots to a fixed index writer in list order;
// Digests and Offsets must be the same length and non-empty. Offsets are
// byte offsets into the source image, each a multiple of the writer's
// chunk_size; the server divides by chunk_size to get the slot index.
type FixedAppendRequest struct {
	WriterID uint16   `json:"writer_id"`
	Digests  []string `json:"digests"`
	Offsets  []uint64 `json:"offsets"`
}

// CloseWriterRequest finalizes an index writer. Count, Size, and Checksum
// are the client's declared totals, checked against what the writer
// actually observed (see index.DynamicWriter.Close/FixedWriter.Close); a
// mismatch fails with ChecksumMismatch and aborts the session.
type CloseWriterRequest struct {
	WriterID uint16 `json:"writer_id"`
	Count    uint64 `json:"count"`
	Size     uint64 `json:"size"`
	Checksum string `json:"checksum"`
}

// UploadChunkResponse reports whether the chunk store already had the
// digest (uploading a known chunk is idempotent, not an error).
type UploadChunkResponse struct {
	Inserted bool  `json:"inserted"`
	Size     int64 `json:"size"`
}

// ManifestArchiveEntry mirrors session.ManifestArchive for the finish
// request body.
type ManifestArchiveEntry struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Size   uint64 `json:"size"`
	Digest string `json:"digest,omitempty"`
}

// FinishRequest carries any archives the session didn't already register
// through create_dynamic_index/create_fixed_index (e.g. none — the server
// builds the manifest from its own writer table; this field exists for
// auxiliary blob archives recorded via upload_blob).
type FinishRequest struct {
	ExtraArchives []ManifestArchiveEntry `json:"extra_archives,omitempty"`
}

// GroupEntry is one backup group in a list_groups response.
type GroupEntry struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ListGroupsResponse enumerates every backup group in the datastore.
type ListGroupsResponse struct {
	Groups []GroupEntry `json:"groups"`
}

// SnapshotEntry is one snapshot in a list_snapshots response.
type SnapshotEntry struct {
	TimeUnix   int64 `json:"time_unix"`
	InProgress bool  `json:"in_progress"`
}

// ListSnapshotsResponse enumerates every snapshot for one group, oldest
// first.
type ListSnapshotsResponse struct {
	Snapshots []SnapshotEntry `json:"snapshots"`
}

// GCResponse reports the outcome of an on-demand GC sweep.
type GCResponse struct {
	Scanned int `json:"scanned"`
	Removed int `json:"removed"`
	Kept    int `json:"kept"`
}
