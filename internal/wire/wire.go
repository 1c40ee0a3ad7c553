// Package wire defines the JSON message shapes carried over the backup
// protocol's upgraded HTTP/2 connection, and classifies internal sentinel
// errors into the small set of wire-level error kinds the protocol
// exposes to clients.
//
// The classify-a-sentinel-into-a-transport-code idiom mirrors the
// teacher's connect.NewError(connect.Code..., err) call sites in
// internal/server/store_chunks.go, translated from Connect codes to plain
// HTTP statuses since this module does not use Connect/gRPC (see
// DESIGN.md).
package wire

import (
	"errors"
	"net/http"

	"dedupvault/internal/chunk"
	"dedupvault/internal/chunkstore"
	"dedupvault/internal/index"
	"dedupvault/internal/session"
	"dedupvault/internal/snapshot"
)

// Kind is one of the error kinds the spec's error handling design names.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindAlreadyExists     Kind = "already_exists"
	KindCorrupted         Kind = "corrupted"
	KindWrongDigest       Kind = "wrong_digest"
	KindChecksumMismatch  Kind = "checksum_mismatch"
	KindDuplicateSlot     Kind = "duplicate_slot"
	KindMissingSlot       Kind = "missing_slot"
	KindTimeNotMonotonic  Kind = "time_not_monotonic"
	KindProtocolViolation Kind = "protocol_violation"
	KindResourceExhausted Kind = "resource_exhausted"
	KindIO                Kind = "io"
	KindPermissionDenied  Kind = "permission_denied"
)

// KindOf classifies err into a wire Kind by matching it against the
// sentinel errors exported by the core packages.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, chunkstore.ErrNotFound), errors.Is(err, snapshot.ErrNotFound):
		return KindNotFound
	case errors.Is(err, snapshot.ErrAlreadyExists), errors.Is(err, chunkstore.ErrAlreadyOpen):
		return KindAlreadyExists
	case errors.Is(err, chunk.ErrCorrupted):
		return KindCorrupted
	case errors.Is(err, chunk.ErrWrongDigest):
		return KindWrongDigest
	case errors.Is(err, index.ErrChecksumMismatch):
		return KindChecksumMismatch
	case errors.Is(err, index.ErrDuplicateSlot):
		return KindDuplicateSlot
	case errors.Is(err, index.ErrMissingSlot):
		return KindMissingSlot
	case errors.Is(err, snapshot.ErrTimeNotMonotonic):
		return KindTimeNotMonotonic
	case errors.Is(err, session.ErrProtocolViolation), errors.Is(err, index.ErrNonMonotonicEntry):
		return KindProtocolViolation
	case errors.Is(err, session.ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, chunk.ErrMissingKey):
		return KindPermissionDenied
	default:
		return KindIO
	}
}

// HTTPStatus maps a Kind onto the status code the server responds with.
func HTTPStatus(k Kind) int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists, KindDuplicateSlot:
		return http.StatusConflict
	case KindCorrupted, KindWrongDigest, KindChecksumMismatch:
		return http.StatusUnprocessableEntity
	case KindMissingSlot, KindTimeNotMonotonic, KindProtocolViolation:
		return http.StatusBadRequest
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	case KindPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the JSON body returned for any non-2xx response.
type ErrorBody struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}
