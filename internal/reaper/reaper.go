// Package reaper runs the background sweep that terminates sessions
// idle beyond their TTL. Generalized from the teacher's per-session
// handleTimeout goroutine into the fixed-cadence sweep spec.md §4.4
// requires — a deliberate redesign from the original Rust
// implementation's per-session sleep-then-remove task, matching
// spec.md's Reaper contract exactly.
package reaper

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/sessiondriver/internal/logging"
	"github.com/shehryarbajwa/sessiondriver/internal/registry"
)

// maxConcurrentTerminations bounds how many sessions a single sweep
// tears down in parallel, so one slow child shutdown cannot stall the
// rest of the sweep.
const maxConcurrentTerminations = 8

// Reaper periodically scans a Registry and terminates idle sessions.
type Reaper struct {
	registry *registry.Registry
	interval time.Duration
	logger   *logging.Logger
}

// New builds a Reaper with the given sweep cadence (spec.md §4.4
// defaults this to 60s).
func New(reg *registry.Registry, interval time.Duration, logger *logging.Logger) *Reaper {
	return &Reaper{registry: reg, interval: interval, logger: logger}
}

// Run blocks, sweeping on every tick until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	entries := r.registry.Snapshot()
	if len(entries) == 0 {
		return
	}

	now := time.Now()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentTerminations)

	for _, entry := range entries {
		entry := entry
		if now.Sub(entry.LastActivity) <= entry.TTL {
			continue
		}
		group.Go(func() error {
			if err := r.registry.Terminate(groupCtx, entry.PublicID); err != nil {
				if err != registry.ErrNotFound {
					r.logger.Warnf("reaper: terminating %s: %v", entry.PublicID, err)
				}
				// A concurrent DELETE beat us to it; not a sweep failure.
				return nil
			}
			r.logger.Infof("reaper: terminated idle session %s", entry.PublicID)
			return nil
		})
	}

	_ = group.Wait()
}
