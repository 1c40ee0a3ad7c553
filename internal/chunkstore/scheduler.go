package chunkstore

import (
	"context"
	"log/slog"
	"time"

	"dedupvault/internal/chunk"
	"dedupvault/internal/logging"

	"github.com/go-co-op/gocron/v2"
)

// ReferencedDigestsFunc returns every chunk digest referenced by any index
// in the datastore, recomputed fresh on each GC run.
type ReferencedDigestsFunc func(ctx context.Context) (map[chunk.Digest]struct{}, error)

// Scheduler runs periodic garbage collection against a Store on a cron
// schedule, wired on github.com/go-co-op/gocron/v2.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// NewScheduler builds a Scheduler that runs Sweep on the given cron
// expression, computing the live referenced set via referenced and using
// keepGrace as the cutoff grace period ahead of each run.
func NewScheduler(store *Store, cronExpr string, keepGrace time.Duration, referenced ReferencedDigestsFunc, logger *slog.Logger) (*Scheduler, error) {
	logger = logging.Default(logger).With("component", "gc-scheduler")

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() {
			ctx := context.Background()
			refs, err := referenced(ctx)
			if err != nil {
				logger.Error("failed to compute referenced digests", "error", err)
				return
			}
			cutoff := time.Now().Add(-keepGrace)
			result, err := store.Sweep(ctx, refs, cutoff)
			if err != nil {
				logger.Error("gc sweep failed", "error", err)
				return
			}
			logger.Info("gc sweep complete", "scanned", result.Scanned, "removed", result.Removed, "kept", result.Kept)
		}),
	)
	if err != nil {
		return nil, err
	}

	return &Scheduler{scheduler: s, logger: logger}, nil
}

// Start begins running scheduled sweeps.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
