// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"time"

	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/store"
)

// Sweeper prunes position rows past the retention window on a fixed
// interval.
type Sweeper struct {
	store     *store.Store
	retention time.Duration
	interval  time.Duration
}

// NewSweeper builds a retention sweeper. A zero interval defaults to one
// hourly pass.
func NewSweeper(st *store.Store, retention, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{store: st, retention: retention, interval: interval}
}

// Run blocks until ctx ends, pruning once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	logger := log.WithComponent("retention")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	logger := log.WithComponent("retention")
	cutoff := time.Now().UTC().Add(-s.retention)
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := s.store.PrunePositions(sweepCtx, cutoff)
	if err != nil {
		logger.Warn().Err(err).Msg("position prune failed")
		return
	}
	if n > 0 {
		logger.Info().Int64("pruned", n).Time("cutoff", cutoff).Msg("position history pruned")
	}
}
