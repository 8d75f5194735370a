// SPDX-License-Identifier: MIT

package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stellwerk/railwatch/internal/metrics"
)

// IngestConfig bounds the position report intake per reporting source.
// These limits are in-process; they smooth bursts before the queue, they
// do not replace the Redis quotas on the control surface.
type IngestConfig struct {
	GlobalRate  rate.Limit
	GlobalBurst int

	PerSourceRate  rate.Limit
	PerSourceBurst int

	CleanupInterval time.Duration
}

// DefaultIngestConfig sizes the intake for a few hundred trains reporting
// every few seconds.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		GlobalRate:  500,
		GlobalBurst: 1000,

		PerSourceRate:  50,
		PerSourceBurst: 100,

		CleanupInterval: 5 * time.Minute,
	}
}

// IngestLimiter smooths the position report intake.
type IngestLimiter struct {
	config IngestConfig

	global    *rate.Limiter
	perSource map[string]*rate.Limiter
	mu        sync.Mutex

	lastCleanup time.Time
}

// NewIngestLimiter creates the intake limiter.
func NewIngestLimiter(config IngestConfig) *IngestLimiter {
	return &IngestLimiter{
		config:      config,
		global:      rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		perSource:   make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
}

// Allow checks one report against the global and per-source budgets.
func (l *IngestLimiter) Allow(source string) bool {
	if !l.global.Allow() {
		metrics.IncPositionRejected("ratelimit_global")
		return false
	}
	if !l.sourceLimiter(source).Allow() {
		metrics.IncPositionRejected("ratelimit_source")
		return false
	}
	l.maybeCleanup()
	return true
}

func (l *IngestLimiter) sourceLimiter(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.perSource[source]
	if !ok {
		lim = rate.NewLimiter(l.config.PerSourceRate, l.config.PerSourceBurst)
		l.perSource[source] = lim
	}
	return lim
}

func (l *IngestLimiter) maybeCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) < l.config.CleanupInterval {
		return
	}
	// Dropping the whole map is fine; hot sources repopulate immediately.
	l.perSource = make(map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}

// ClientIP extracts the reporting source address from a request, honouring
// the usual proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			xff = xff[:idx]
		}
		if xff = strings.TrimSpace(xff); xff != "" {
			return xff
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
