// SPDX-License-Identifier: MIT

// Package ratelimit meters controller operations. Quotas are enforced on a
// Redis sliding window so they hold across engine replicas; the ingest
// endpoint additionally carries an in-process per-source limiter.
package ratelimit

import (
	"context"
	"time"

	"github.com/stellwerk/railwatch/internal/config"
	"github.com/stellwerk/railwatch/internal/kv"
	"github.com/stellwerk/railwatch/internal/metrics"
	"github.com/stellwerk/railwatch/internal/model"
)

// Operation kinds with independent quotas.
const (
	KindCritical        = "critical" // EMERGENCY_STOP, MANUAL_OVERRIDE
	KindStandard        = "standard" // every other decision action
	KindManualDetection = "manual_detection"
)

const window = time.Minute

// Limiter meters controller operations on sliding one-minute windows.
type Limiter struct {
	kv     *kv.Client
	limits config.RateLimits
}

// New builds a limiter over the shared Redis client.
func New(client *kv.Client, limits config.RateLimits) *Limiter {
	return &Limiter{kv: client, limits: limits}
}

// KindForAction maps a decision action onto its quota bucket.
func KindForAction(action model.DecisionAction) string {
	switch action {
	case model.ActionEmergencyStop, model.ActionManualOverride:
		return KindCritical
	default:
		return KindStandard
	}
}

func (l *Limiter) limitFor(kind string) int {
	switch kind {
	case KindCritical:
		return l.limits.Critical
	case KindManualDetection:
		return l.limits.ManualDetection
	default:
		return l.limits.Standard
	}
}

// Allow records one hit for (controller, kind) and returns a RATE_LIMITED
// fault with a retry-after hint when the window quota is exhausted.
//
// Redis being unreachable fails open: a metering outage must not freeze
// the control surface.
func (l *Limiter) Allow(ctx context.Context, controllerID int64, kind string) error {
	now := time.Now()
	key := kv.RateKey(controllerID, kind)
	limit := l.limitFor(kind)

	n, err := l.kv.SlideWindow(ctx, key, window, now)
	if err != nil {
		return nil
	}
	if n <= int64(limit) {
		return nil
	}

	metrics.IncRateLimitExceeded(kind)

	retryAfter := window
	if oldest, ok, err := l.kv.OldestInWindow(ctx, key); err == nil && ok {
		if d := oldest.Add(window).Sub(now); d > 0 {
			retryAfter = d
		}
	}
	return model.RateLimited(retryAfter)
}
