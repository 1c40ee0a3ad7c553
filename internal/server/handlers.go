package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"dedupvault/internal/chunk"
	"dedupvault/internal/session"
	"dedupvault/internal/snapshot"
	"dedupvault/internal/wire"

	"github.com/google/uuid"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := wire.KindOf(err)
	writeJSON(w, wire.HTTPStatus(kind), wire.ErrorBody{Kind: kind, Message: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// sessionFromQuery looks up the session named by the "session" query
// parameter, writing a protocol_violation error and returning ok=false if
// absent or unknown.
func (s *Server) sessionFromQuery(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.URL.Query().Get("session")
	sess, ok := s.lookupSession(id)
	if !ok {
		writeError(w, session.ErrProtocolViolation)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req wire.OpenSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, session.ErrProtocolViolation)
		return
	}

	group := snapshot.Group{Type: req.GroupType, ID: req.GroupID}
	snap := snapshot.Snapshot{Group: group, Time: time.Unix(req.TimeUnix, 0).UTC()}

	if latest, err := latestFinalized(s.root, group); err == nil && latest != nil {
		if !snap.Time.After(*latest) {
			writeError(w, snapshot.ErrTimeNotMonotonic)
			return
		}
	}

	sess, err := session.New(s.root, snap, s.logger)
	if err != nil {
		writeError(w, err)
		return
	}

	id := uuid.New().String()
	s.registerSession(id, sess)
	writeJSON(w, http.StatusOK, wire.OpenSessionResponse{SessionID: id})
}

// latestFinalized returns the start time of the most recent finalized
// snapshot in group, or nil if none exist yet.
func latestFinalized(root string, g snapshot.Group) (*time.Time, error) {
	snaps, err := snapshot.ListSnapshots(root, g)
	if err != nil {
		return nil, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		path := snaps[i].Dir(root)
		if !snapshot.IsInProgress(path) {
			t := snaps[i].Time
			return &t, nil
		}
	}
	return nil, nil
}

func (s *Server) handleCreateDynamicIndex(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromQuery(w, r)
	if !ok {
		return
	}
	var req wire.CreateDynamicIndexRequest
	if err := decodeJSON(r, &req); err != nil || !validArchiveName(req.ArchiveName, ".didx") {
		writeError(w, session.ErrProtocolViolation)
		return
	}
	id, err := sess.CreateDynamicWriter(req.ArchiveName, uuid.New(), sess.Time().Unix())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.CreateWriterResponse{WriterID: uint16(id)})
}

func (s *Server) handleCreateFixedIndex(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromQuery(w, r)
	if !ok {
		return
	}
	var req wire.CreateFixedIndexRequest
	if err := decodeJSON(r, &req); err != nil || !validArchiveName(req.ArchiveName, ".fidx") {
		writeError(w, session.ErrProtocolViolation)
		return
	}
	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = legacyDefaultChunkSize
	}
	slotCount := (req.Size + chunkSize - 1) / chunkSize
	id, err := sess.CreateFixedWriter(req.ArchiveName, uuid.New(), sess.Time().Unix(), chunkSize, req.Size, slotCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.CreateWriterResponse{WriterID: uint16(id)})
}

// legacyDefaultChunkSize is substituted only when a legacy client sends a
// zero chunk_size on create_fixed_index.
const legacyDefaultChunkSize = 4 << 20

func (s *Server) handleDynamicAppend(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromQuery(w, r)
	if !ok {
		return
	}
	var req wire.DynamicAppendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, session.ErrProtocolViolation)
		return
	}
	if len(req.Digests) == 0 || len(req.Digests) != len(req.EndOffsets) {
		writeError(w, session.ErrProtocolViolation)
		return
	}
	digests, err := digestsFrom(req.Digests)
	if err != nil {
		writeError(w, chunk.ErrWrongDigest)
		return
	}
	for i, d := range digests {
		if !sess.IsKnown(d) {
			writeError(w, session.ErrProtocolViolation)
			return
		}
		if err := sess.AppendDynamic(session.WriterID(req.WriterID), req.EndOffsets[i], d); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleFixedAppend(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromQuery(w, r)
	if !ok {
		return
	}
	var req wire.FixedAppendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, session.ErrProtocolViolation)
		return
	}
	if len(req.Digests) == 0 || len(req.Digests) != len(req.Offsets) {
		writeError(w, session.ErrProtocolViolation)
		return
	}
	digests, err := digestsFrom(req.Digests)
	if err != nil {
		writeError(w, chunk.ErrWrongDigest)
		return
	}
	chunkSize, err := sess.FixedChunkSize(session.WriterID(req.WriterID))
	if err != nil {
		writeError(w, err)
		return
	}
	for i, d := range digests {
		if !sess.IsKnown(d) {
			writeError(w, session.ErrProtocolViolation)
			return
		}
		offset := req.Offsets[i]
		if chunkSize == 0 || offset%chunkSize != 0 {
			writeError(w, session.ErrProtocolViolation)
			return
		}
		slot := offset / chunkSize
		if err := sess.AppendFixedSlot(session.WriterID(req.WriterID), slot, d); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleCloseWriter finalizes an index writer. A close that mismatches
// the client-declared count/size/checksum against what the writer
// actually observed fails the session outright: the writer is already
// unrecoverable (its temp file was never finalized), so the whole session
// aborts and its snapshot directory is removed, matching Abort's handling
// of any other mid-session failure.
func (s *Server) handleCloseWriter(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromQuery(w, r)
	if !ok {
		return
	}
	var req wire.CloseWriterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, session.ErrProtocolViolation)
		return
	}
	if err := sess.CloseWriter(session.WriterID(req.WriterID), req.Count, req.Size, req.Checksum); err != nil {
		writeError(w, err)
		_ = sess.Abort()
		s.dropSession(r.URL.Query().Get("session"))
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromQuery(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	digest, err := chunk.ParseDigest(q.Get("digest"))
	if err != nil {
		writeError(w, chunk.ErrWrongDigest)
		return
	}
	encoding := chunk.EncodingRaw
	if q.Get("encoding") == "zstd" {
		encoding = chunk.EncodingZstd
	}
	encrypt := q.Get("encrypt") == "true"

	body, err := io.ReadAll(io.LimitReader(r.Body, 256<<20))
	if err != nil {
		writeError(w, err)
		return
	}
	if chunk.Sum(body) != digest {
		writeError(w, chunk.ErrWrongDigest)
		return
	}

	inserted, err := s.store.Insert(digest, body, encoding, encrypt)
	if err != nil {
		writeError(w, err)
		return
	}
	_, size, err := s.store.Stat(digest)
	if err != nil {
		writeError(w, err)
		return
	}
	sess.MergeKnownChunks([]chunk.Digest{digest})
	writeJSON(w, http.StatusOK, wire.UploadChunkResponse{Inserted: inserted, Size: size})
}

func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromQuery(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("name")
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := writeAuxiliaryBlob(sess.Path(), name, body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleDownloadPreviousIndex(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromQuery(w, r)
	if !ok {
		return
	}
	archive := r.URL.Query().Get("archive")

	latest, err := previousSnapshotPath(s.root, sess.Group(), sess.Time())
	if err != nil {
		writeError(w, err)
		return
	}
	if latest == "" {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		return
	}

	digests, err := readArchiveDigests(latest, archive)
	if err != nil {
		writeError(w, err)
		return
	}
	sess.MergeKnownChunks(digests)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	for _, d := range digests {
		io.WriteString(w, d.String())
		io.WriteString(w, "\n")
	}
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromQuery(w, r)
	if !ok {
		return
	}
	var req wire.FinishRequest
	_ = decodeJSON(r, &req)

	extras := make([]session.ManifestArchive, len(req.ExtraArchives))
	for i, e := range req.ExtraArchives {
		extras[i] = session.ManifestArchive{Name: e.Name, Kind: e.Kind, Size: e.Size, Digest: e.Digest}
	}
	if err := sess.Finish(extras); err != nil {
		writeError(w, err)
		return
	}
	s.dropSession(r.URL.Query().Get("session"))
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromQuery(w, r)
	if !ok {
		return
	}
	err := sess.Abort()
	s.dropSession(r.URL.Query().Get("session"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := snapshot.ListGroups(s.root)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := wire.ListGroupsResponse{Groups: make([]wire.GroupEntry, len(groups))}
	for i, g := range groups {
		resp.Groups[i] = wire.GroupEntry{Type: g.Type, ID: g.ID}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	group := snapshot.Group{Type: q.Get("type"), ID: q.Get("id")}
	snaps, err := snapshot.ListSnapshots(s.root, group)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := wire.ListSnapshotsResponse{Snapshots: make([]wire.SnapshotEntry, len(snaps))}
	for i, snap := range snaps {
		resp.Snapshots[i] = wire.SnapshotEntry{
			TimeUnix:   snap.Time.Unix(),
			InProgress: snapshot.IsInProgress(snap.Dir(s.root)),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	refs, err := ReferencedDigests(ctx, s.root)
	if err != nil {
		writeError(w, err)
		return
	}
	cutoff := time.Now().Add(-s.keepGrace)
	result, err := s.store.Sweep(ctx, refs, cutoff)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.GCResponse{Scanned: result.Scanned, Removed: result.Removed, Kept: result.Kept})
}

