package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"dedupvault/internal/chunk"
	"dedupvault/internal/index"
	"dedupvault/internal/snapshot"
)

// ReferencedDigests walks every finalized snapshot's indexes under root and
// returns the full set of chunk digests they reference, for Sweep's mark
// phase. In-progress snapshots are skipped: their indexes aren't finalized
// and may be mid-write.
func ReferencedDigests(ctx context.Context, root string) (map[chunk.Digest]struct{}, error) {
	refs := make(map[chunk.Digest]struct{})

	groups, err := snapshot.ListGroups(root)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snaps, err := snapshot.ListSnapshots(root, g)
		if err != nil {
			return nil, err
		}
		for _, snap := range snaps {
			path := snap.Dir(root)
			if snapshot.IsInProgress(path) {
				continue
			}
			if err := addIndexDigests(path, refs); err != nil {
				return nil, err
			}
		}
	}
	return refs, nil
}

func addIndexDigests(snapshotDir string, refs map[chunk.Digest]struct{}) error {
	entries, err := os.ReadDir(snapshotDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(snapshotDir, name)
		switch {
		case strings.HasSuffix(name, ".didx"):
			idx, err := index.ReadDynamic(path)
			if err != nil {
				continue // corrupted/partial index: skip rather than fail the whole sweep
			}
			for _, e := range idx.Entries {
				refs[e.Digest] = struct{}{}
			}
		case strings.HasSuffix(name, ".fidx"):
			idx, err := index.ReadFixed(path)
			if err != nil {
				continue
			}
			for _, d := range idx.Slots {
				refs[d] = struct{}{}
			}
		}
	}
	return nil
}
