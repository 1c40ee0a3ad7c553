package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dedupvault/internal/chunk"
	"dedupvault/internal/index"
	"dedupvault/internal/snapshot"
)

// previousSnapshotPath returns the on-disk path of the most recent
// finalized snapshot in g strictly before before, or "" if none exists.
func previousSnapshotPath(root string, g snapshot.Group, before time.Time) (string, error) {
	snaps, err := snapshot.ListSnapshots(root, g)
	if err != nil {
		return "", err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		if !snaps[i].Time.Before(before) {
			continue
		}
		path := snaps[i].Dir(root)
		if snapshot.IsInProgress(path) {
			continue
		}
		return path, nil
	}
	return "", nil
}

// readArchiveDigests reads archive (a .didx or .fidx file name) from
// snapshotPath and returns its referenced digests in file order. A missing
// archive yields an empty slice, matching the "no previous snapshot or
// that archive didn't exist" case.
func readArchiveDigests(snapshotPath, archive string) ([]chunk.Digest, error) {
	path := filepath.Join(snapshotPath, archive)
	switch {
	case strings.HasSuffix(archive, ".didx"):
		idx, err := index.ReadDynamic(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
		out := make([]chunk.Digest, len(idx.Entries))
		for i, e := range idx.Entries {
			out[i] = e.Digest
		}
		return out, nil
	case strings.HasSuffix(archive, ".fidx"):
		idx, err := index.ReadFixed(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
		return idx.Slots, nil
	default:
		return nil, fmt.Errorf("server: archive name %q has unknown suffix", archive)
	}
}

// validArchiveName reports whether name is a single path component ending
// in suffix (".didx" or ".fidx"), per the archive-naming rule.
func validArchiveName(name, suffix string) bool {
	return name != "" && name == filepath.Base(name) && strings.HasSuffix(name, suffix)
}

// writeAuxiliaryBlob atomically writes a small named file directly into
// the snapshot directory. name must be a single path component: no
// separators, no "..".
func writeAuxiliaryBlob(snapshotPath, name string, data []byte) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("server: invalid blob name %q", name)
	}
	path := filepath.Join(snapshotPath, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("server: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("server: rename blob: %w", err)
	}
	return nil
}
