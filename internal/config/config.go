// Package config defines the datastore configuration surface consumed by
// the backup core. Configuration is written by an external collaborator
// (an admin tool or management UI) and only read here.
package config

import "time"

// DatastoreConfig describes a single on-disk backup datastore.
type DatastoreConfig struct {
	// Path is the datastore root directory, containing .chunks/ (the chunk
	// store) and the per-group snapshot directories.
	Path string `json:"path"`

	// KeyFingerprint identifies the encryption key used for chunk
	// encryption, if any. Empty means chunks are stored unencrypted.
	KeyFingerprint string `json:"key_fingerprint,omitempty"`

	// GCSchedule is a cron expression controlling how often garbage
	// collection runs. Empty disables scheduled GC.
	GCSchedule string `json:"gc_schedule,omitempty"`

	// KeepGrace is the minimum age a chunk must reach, since its last
	// access, before GC will consider it unreferenced garbage.
	KeepGrace time.Duration `json:"keep_grace"`
}
