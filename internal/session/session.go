// Package session implements the backup session state machine: a single
// in-progress backup run, its writer table, and its known-chunks set.
//
// The single-mutex, explicit-status-field style mirrors
// internal/chunk/file/manager.go's Manager (one mutex guarding `active`
// and `closed` fields); writer ids are allocated the way the teacher hands
// out chunk ids, just bounded to the wire protocol's 1..256 writer id
// space instead of an unbounded counter.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dedupvault/internal/chunk"
	"dedupvault/internal/index"
	"dedupvault/internal/logging"
	"dedupvault/internal/snapshot"

	"github.com/google/uuid"
)

// Status is a backup session's place in its state machine.
type Status int

const (
	Opened Status = iota
	Running
	Finished
	Aborted
)

func (s Status) String() string {
	switch s {
	case Opened:
		return "opened"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var (
	ErrProtocolViolation = errors.New("session: protocol violation")
	ErrResourceExhausted = errors.New("session: writer id space exhausted")
)

// WriterID identifies one open index writer within a session. The wire
// protocol's writer id space is 1..256 inclusive, hence uint16 rather than
// byte (256 does not fit in a byte).
type WriterID uint16

const (
	minWriterID WriterID = 1
	maxWriterID WriterID = 256
)

// writerKind distinguishes the two index formats a writer can back.
type writerKind int

const (
	kindDynamic writerKind = iota
	kindFixed
)

// writer bundles one open index writer with its bookkeeping.
type writer struct {
	id      WriterID
	name    string
	kind    writerKind
	dynamic *index.DynamicWriter
	fixed   *index.FixedWriter
	open    bool
}

// Session tracks one backup run end to end: the snapshot directory, every
// open index writer, and the set of chunk digests already known to exist
// (either reused from a previous snapshot or uploaded earlier in this
// session), so the upload pipeline never re-uploads a chunk twice.
type Session struct {
	mu     sync.Mutex
	root   string
	handle *snapshot.Handle
	status Status
	logger *slog.Logger

	writers map[WriterID]*writer
	nextID  WriterID
	known   map[chunk.Digest]struct{}
}

// New begins a new backup session: creates the snapshot directory and
// marks it in-progress.
func New(root string, snap snapshot.Snapshot, logger *slog.Logger) (*Session, error) {
	h, err := snapshot.Begin(root, snap)
	if err != nil {
		return nil, err
	}
	return &Session{
		root:    root,
		handle:  h,
		status:  Opened,
		logger:  logging.Default(logger).With("component", "session"),
		writers: make(map[WriterID]*writer),
		nextID:  minWriterID,
		known:   make(map[chunk.Digest]struct{}),
	}, nil
}

// Status returns the session's current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Group returns the backup group this session's snapshot belongs to, so
// callers can look up a predecessor snapshot for known-chunks seeding.
func (s *Session) Group() snapshot.Group {
	return s.handle.Group()
}

// Path returns the session's snapshot directory path.
func (s *Session) Path() string {
	return s.handle.Path()
}

// Root returns the datastore root this session's snapshot lives under, so
// callers can look up sibling snapshots (e.g. the previous one in the same
// group, for known-chunks seeding).
func (s *Session) Root() string {
	return s.root
}

// Time returns this session's snapshot backup time.
func (s *Session) Time() time.Time {
	return s.handle.Time()
}

func (s *Session) allocID() (WriterID, error) {
	if s.nextID > maxWriterID {
		return 0, ErrResourceExhausted
	}
	id := s.nextID
	s.nextID++
	return id, nil
}

// MergeKnownChunks seeds the session's known-chunks set, typically from
// the previous snapshot in the same group, so the client can skip
// re-uploading chunks the server already has.
func (s *Session) MergeKnownChunks(digests []chunk.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range digests {
		s.known[d] = struct{}{}
	}
}

// IsKnown reports whether digest has already been seen in this session.
func (s *Session) IsKnown(d chunk.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[d]
	return ok
}

// markKnownLocked records digest as seen. Callers must hold s.mu.
func (s *Session) markKnownLocked(d chunk.Digest) {
	s.known[d] = struct{}{}
}

// CreateDynamicWriter opens a new .didx writer under this session's
// snapshot directory, returning its writer id.
func (s *Session) CreateDynamicWriter(name string, archiveID uuid.UUID, createdUnix int64) (WriterID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != Opened && s.status != Running {
		return 0, fmt.Errorf("%w: cannot open writer in state %s", ErrProtocolViolation, s.status)
	}

	id, err := s.allocID()
	if err != nil {
		return 0, err
	}

	dw, err := index.NewDynamicWriter(s.handle.ChunkIndexPath(name), archiveID, createdUnix)
	if err != nil {
		return 0, err
	}

	s.writers[id] = &writer{id: id, name: name, kind: kindDynamic, dynamic: dw, open: true}
	s.status = Running
	s.logger.Debug("dynamic writer opened", "writer_id", id, "name", name)
	return id, nil
}

// CreateFixedWriter opens a new .fidx writer under this session's snapshot
// directory, returning its writer id.
func (s *Session) CreateFixedWriter(name string, archiveID uuid.UUID, createdUnix int64, chunkSize, size, slotCount uint64) (WriterID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != Opened && s.status != Running {
		return 0, fmt.Errorf("%w: cannot open writer in state %s", ErrProtocolViolation, s.status)
	}

	id, err := s.allocID()
	if err != nil {
		return 0, err
	}

	fw, err := index.NewFixedWriter(s.handle.ChunkIndexPath(name), archiveID, createdUnix, chunkSize, size, slotCount)
	if err != nil {
		return 0, err
	}

	s.writers[id] = &writer{id: id, name: name, kind: kindFixed, fixed: fw, open: true}
	s.status = Running
	s.logger.Debug("fixed writer opened", "writer_id", id, "name", name)
	return id, nil
}

func (s *Session) lookupOpen(id WriterID) (*writer, error) {
	w, ok := s.writers[id]
	if !ok || !w.open {
		return nil, fmt.Errorf("%w: unknown or closed writer %d", ErrProtocolViolation, id)
	}
	return w, nil
}

// AppendDynamic appends one entry to the dynamic index writer id.
func (s *Session) AppendDynamic(id WriterID, endOffset uint64, digest chunk.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.lookupOpen(id)
	if err != nil {
		return err
	}
	if w.kind != kindDynamic {
		return fmt.Errorf("%w: writer %d is not a dynamic index writer", ErrProtocolViolation, id)
	}
	if err := w.dynamic.Append(endOffset, digest); err != nil {
		return err
	}
	s.markKnownLocked(digest)
	return nil
}

// FixedChunkSize returns the uniform slot size the fixed index writer id
// was created with, so a caller can convert a byte offset into a slot
// index before calling AppendFixedSlot.
func (s *Session) FixedChunkSize(id WriterID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.lookupOpen(id)
	if err != nil {
		return 0, err
	}
	if w.kind != kindFixed {
		return 0, fmt.Errorf("%w: writer %d is not a fixed index writer", ErrProtocolViolation, id)
	}
	return w.fixed.ChunkSize(), nil
}

// AppendFixedSlot writes one slot to the fixed index writer id.
func (s *Session) AppendFixedSlot(id WriterID, pos uint64, digest chunk.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.lookupOpen(id)
	if err != nil {
		return err
	}
	if w.kind != kindFixed {
		return fmt.Errorf("%w: writer %d is not a fixed index writer", ErrProtocolViolation, id)
	}
	if err := w.fixed.SetSlot(pos, digest); err != nil {
		return err
	}
	s.markKnownLocked(digest)
	return nil
}

// CloseWriter finalizes the index writer id: declaredCount, declaredSize,
// and declaredChecksumHex must match what the writer actually observed, or
// the close fails with index.ErrChecksumMismatch and the writer is left
// unfinalized. The writer must have all of its entries/slots already
// written.
func (s *Session) CloseWriter(id WriterID, declaredCount, declaredSize uint64, declaredChecksumHex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.lookupOpen(id)
	if err != nil {
		return err
	}

	var closeErr error
	switch w.kind {
	case kindDynamic:
		closeErr = w.dynamic.Close(declaredCount, declaredSize, declaredChecksumHex)
	case kindFixed:
		closeErr = w.fixed.Close(declaredCount, declaredSize, declaredChecksumHex)
	}
	w.open = false
	if closeErr != nil {
		return closeErr
	}
	s.logger.Debug("writer closed", "writer_id", id, "name", w.name)
	return nil
}

// Manifest describes a finished snapshot's archive list, serialized into
// manifest.json at Finish time.
type Manifest struct {
	Archives []ManifestArchive `json:"archives"`
}

// ManifestArchive records one archive (a .didx or .fidx file) within a
// finished snapshot.
type ManifestArchive struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"` // "dynamic" or "fixed"
	Size   uint64 `json:"size"`
	Digest string `json:"digest,omitempty"`
}

// Finish closes out the session: every writer must already be closed, the
// manifest is written, and the in-progress marker is removed. The manifest
// lists every index writer of the session (name and kind, in writer id
// order) followed by extraArchives; writer entries carry no size or digest.
func (s *Session) Finish(extraArchives []ManifestArchive) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != Running && s.status != Opened {
		return fmt.Errorf("%w: cannot finish session in state %s", ErrProtocolViolation, s.status)
	}
	for id, w := range s.writers {
		if w.open {
			return fmt.Errorf("%w: writer %d (%s) still open", ErrProtocolViolation, id, w.name)
		}
	}

	archives := make([]ManifestArchive, 0, len(s.writers)+len(extraArchives))
	for id := minWriterID; id < s.nextID; id++ {
		w, ok := s.writers[id]
		if !ok {
			continue
		}
		kind := "dynamic"
		if w.kind == kindFixed {
			kind = "fixed"
		}
		archives = append(archives, ManifestArchive{Name: w.name, Kind: kind})
	}
	manifest := Manifest{Archives: append(archives, extraArchives...)}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal manifest: %w", err)
	}
	if err := s.handle.Finalize(data); err != nil {
		return err
	}
	s.status = Finished
	s.logger.Info("session finished", "path", s.handle.Path())
	return nil
}

// Abort cancels the session from any state, best-effort closing any open
// writers and removing the snapshot directory entirely.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == Finished || s.status == Aborted {
		return nil
	}
	for _, w := range s.writers {
		if !w.open {
			continue
		}
		switch w.kind {
		case kindDynamic:
			w.dynamic.Discard()
		case kindFixed:
			w.fixed.Discard()
		}
		w.open = false
	}
	s.status = Aborted
	s.logger.Info("session aborted", "path", s.handle.Path())
	return s.handle.Abort()
}

// KnownDigests returns a snapshot of every digest known to this session so
// far (seeded plus uploaded), for tests and for seeding a successor
// session's MergeKnownChunks call.
func (s *Session) KnownDigests() []chunk.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chunk.Digest, 0, len(s.known))
	for d := range s.known {
		out = append(out, d)
	}
	return out
}
