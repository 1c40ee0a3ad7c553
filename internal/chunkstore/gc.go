package chunkstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"dedupvault/internal/chunk"
)

// SweepResult summarizes one garbage collection pass.
type SweepResult struct {
	Scanned int
	Removed int
	Kept    int
}

// Sweep deletes every chunk not present in referenced whose last access is
// older than cutoff. It takes the store-wide GC lock for its duration, so
// at most one sweep runs against a given store at a time; inserts proceed
// concurrently with a sweep since Insert only takes the per-store mutex,
// never the GC lock.
func (s *Store) Sweep(ctx context.Context, referenced map[chunk.Digest]struct{}, cutoff time.Time) (SweepResult, error) {
	gcLock, err := os.OpenFile(filepath.Join(s.root, ".gc.lock"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return SweepResult{}, fmt.Errorf("chunkstore: open gc lock: %w", err)
	}
	defer gcLock.Close()
	if err := syscall.Flock(int(gcLock.Fd()), syscall.LOCK_EX); err != nil {
		return SweepResult{}, fmt.Errorf("chunkstore: lock gc: %w", err)
	}
	defer syscall.Flock(int(gcLock.Fd()), syscall.LOCK_UN)

	digests, err := s.AllDigests()
	if err != nil {
		return SweepResult{}, err
	}

	var result SweepResult
	for _, d := range digests {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		if _, keep := referenced[d]; keep {
			result.Kept++
			continue
		}

		at, err := s.AccessTime(d)
		if err != nil {
			return result, fmt.Errorf("chunkstore: access time for %s: %w", d, err)
		}
		if at.After(cutoff) {
			result.Kept++
			continue
		}

		if err := s.remove(d); err != nil {
			return result, fmt.Errorf("chunkstore: remove %s: %w", d, err)
		}
		result.Removed++
	}

	if err := s.Flush(); err != nil {
		return result, err
	}
	return result, nil
}
