// SPDX-License-Identifier: MIT

package ai

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sony/gobreaker"

	"github.com/stellwerk/railwatch/internal/config"
	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/metrics"
	"github.com/stellwerk/railwatch/internal/model"
)

// Registry selects among registered strategies. Selection policy: the
// configured preference when it answers, otherwise the strategy returning
// the highest confidence, otherwise the rule-based fallback. Each external
// strategy sits behind a circuit breaker so a flapping solver cannot hold
// every call to its timeout.
type Registry struct {
	opts       config.AIOptions
	strategies map[string]Strategy
	breakers   map[string]*gobreaker.CircuitBreaker
	fallback   RuleStrategy
}

// NewRegistry builds a registry with the rule fallback preinstalled.
func NewRegistry(opts config.AIOptions) *Registry {
	return &Registry{
		opts:       opts,
		strategies: make(map[string]Strategy),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Register installs a strategy. The rule fallback cannot be replaced.
func (r *Registry) Register(s Strategy) {
	name := s.Name()
	if name == RuleName {
		return
	}
	r.strategies[name] = s
	r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ai-" + name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// Enabled reports whether any external strategy may be consulted.
func (r *Registry) Enabled() bool {
	return r.opts.Enabled && len(r.strategies) > 0
}

// RecommendInline consults the strategies under the short inline deadline.
// It never fails: the rule fallback answers when everything else cannot.
func (r *Registry) RecommendInline(ctx context.Context, c model.Conflict, world Context) Recommendation {
	return r.recommend(ctx, c, world, r.opts.InlineTimeout)
}

// RecommendBackground consults the strategies under the long background
// deadline, for the detection scheduler's enrichment pass.
func (r *Registry) RecommendBackground(ctx context.Context, c model.Conflict, world Context) Recommendation {
	return r.recommend(ctx, c, world, r.opts.BackgroundTimeout)
}

func (r *Registry) recommend(ctx context.Context, c model.Conflict, world Context, timeout time.Duration) Recommendation {
	if r.Enabled() {
		if rec, ok := r.tryStrategies(ctx, c, world, timeout); ok {
			return rec
		}
	}
	rec, err := r.fallback.Recommend(ctx, c, world)
	if err != nil {
		// A conflict without rule suggestions should not exist; answer with
		// an empty recommendation rather than blocking the caller.
		logger := log.WithComponent("ai")
		logger.Warn().Int64("conflict_id", c.ID).Err(err).
			Msg("rule fallback had no suggestion")
		return Recommendation{Method: RuleName}
	}
	return rec
}

// tryStrategies asks the configured preference first; when it answers, its
// recommendation wins. Without a usable preference every strategy is asked
// and the highest confidence wins.
func (r *Registry) tryStrategies(ctx context.Context, c model.Conflict, world Context, timeout time.Duration) (Recommendation, bool) {
	if pref, ok := r.strategies[r.opts.DefaultStrategy]; ok {
		if rec, ok := r.call(ctx, pref, c, world, timeout); ok {
			return rec, true
		}
	}

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		if name != r.opts.DefaultStrategy {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var best Recommendation
	var found bool
	for _, name := range names {
		rec, ok := r.call(ctx, r.strategies[name], c, world, timeout)
		if ok && (!found || rec.Confidence > best.Confidence) {
			best, found = rec, true
		}
	}
	return best, found
}

func (r *Registry) call(ctx context.Context, s Strategy, c model.Conflict, world Context, timeout time.Duration) (Recommendation, bool) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := r.breakers[s.Name()].Execute(func() (any, error) {
		return s.Recommend(callCtx, c, world)
	})
	switch {
	case err == nil:
		rec := out.(Recommendation)
		if rec.Method == "" {
			rec.Method = s.Name()
		}
		return rec, true
	case errors.Is(err, context.DeadlineExceeded):
		metrics.IncAITimeout()
		metrics.IncAIFallback("timeout")
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.IncAIFallback("breaker_open")
	default:
		metrics.IncAIFallback("error")
		logger := log.WithComponent("ai")
		logger.Warn().Str("strategy", s.Name()).Err(err).
			Msg("strategy failed")
	}
	return Recommendation{}, false
}
