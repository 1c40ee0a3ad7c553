// Package file provides a file-based store for datastore configuration.
//
// Configuration is persisted as a versioned JSON envelope:
//
//	{"version": 1, "config": { ... }}
//
// Save writes the whole configuration and atomically replaces the entire
// file; it does not read the existing file first, and there are no partial
// updates.
package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dedupvault/internal/config"
)

const currentVersion = 1

// envelope is the versioned on-disk format.
type envelope struct {
	Version int                     `json:"version"`
	Config  *config.DatastoreConfig `json:"config"`
}

// Store is a file-based configuration store for one datastore.
// Writes are atomic via temp file + rename with round-trip validation.
type Store struct {
	path string
}

// NewStore creates a Store backed by the JSON file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the configuration from disk. It returns nil, nil if the file
// does not exist.
func (s *Store) Load() (*config.DatastoreConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if env.Version == 0 {
		return nil, fmt.Errorf("unversioned config file detected: %s", s.path)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("config file version %d is newer than supported version %d", env.Version, currentVersion)
	}

	return env.Config, nil
}

// Save atomically writes cfg to disk.
func (s *Store) Save(cfg *config.DatastoreConfig) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	env := envelope{Version: currentVersion, Config: cfg}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	// Round-trip validation before committing.
	check, err := os.ReadFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("read-back temp file: %w", err)
	}
	var verify envelope
	if err := json.Unmarshal(check, &verify); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
