// SPDX-License-Identifier: MIT

package decision

import (
	"context"
	"time"

	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/metrics"
	"github.com/stellwerk/railwatch/internal/model"
)

// retryBackoff is the wait before attempt n+1, measured from the decision
// timestamp. Exponential: 1 s, 5 s, 25 s.
var retryBackoff = [...]time.Duration{time.Second, 5 * time.Second, 25 * time.Second}

// reaperLoop periodically re-enqueues approved, unexecuted decisions. It is
// the safety net behind the direct executor handoff: lost enqueues, engine
// restarts and failed attempts all converge here.
func (e *Engine) reaperLoop(ctx context.Context) {
	logger := log.WithComponent("decision")
	ticker := time.NewTicker(e.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("reaper stopped")
			return
		case <-ticker.C:
			e.reapOnce(ctx)
		}
	}
}

func (e *Engine) reapOnce(ctx context.Context) {
	logger := log.WithComponent("decision")
	reapCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	pending, err := e.store.PendingExecutions(reapCtx, maxExecutionRetries)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("pending execution scan failed")
		return
	}

	now := time.Now().UTC()
	for _, d := range pending {
		if !executionDue(d, now) {
			continue
		}
		if d.RetryCount > 0 {
			metrics.IncDecisionRetry()
		}
		select {
		case e.queue <- d.ID:
		default:
			// Full queue; the next pass tries again.
			return
		}
	}
}

// executionDue applies the backoff schedule against the decision timestamp.
// A fresh decision (no failed attempt yet) is due immediately.
func executionDue(d model.Decision, now time.Time) bool {
	if d.RetryCount == 0 {
		return true
	}
	idx := d.RetryCount - 1
	if idx >= len(retryBackoff) {
		idx = len(retryBackoff) - 1
	}
	return !now.Before(d.Timestamp.Add(retryBackoff[idx]))
}
