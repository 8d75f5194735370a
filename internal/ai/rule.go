// SPDX-License-Identifier: MIT

package ai

import (
	"context"
	"time"

	"github.com/stellwerk/railwatch/internal/model"
)

// RuleName identifies the built-in fallback strategy.
const RuleName = "rule"

// RuleStrategy serves the detector's own rule-based suggestions. It is the
// always-available fallback; the registry uses it whenever no configured
// strategy answers in time.
type RuleStrategy struct{}

// Name implements Strategy.
func (RuleStrategy) Name() string { return RuleName }

// Recommend returns the cheapest rule-based suggestion already attached to
// the conflict.
func (RuleStrategy) Recommend(_ context.Context, c model.Conflict, world Context) (Recommendation, error) {
	var best *model.ResolutionSuggestion
	for i := range c.Suggestions {
		s := &c.Suggestions[i]
		if s.Source != RuleName {
			continue
		}
		if best == nil || s.EstimatedCost < best.EstimatedCost {
			best = s
		}
	}
	if best == nil {
		return Recommendation{}, model.Newf(model.CodeNotFound, "conflict %d carries no rule suggestion", c.ID)
	}

	// Total proposed delay bounds the resolution time estimate.
	var delay time.Duration
	for _, a := range best.Actions {
		if a.Action != model.ActionDelay {
			continue
		}
		if m, ok := a.Params["delay_minutes"].(int); ok {
			delay += time.Duration(m) * time.Minute
		}
	}
	return Recommendation{
		SolutionID:              best.ID,
		Method:                  RuleName,
		Confidence:              0.5,
		Actions:                 best.Actions,
		EstimatedCost:           best.EstimatedCost,
		EstimatedResolutionTime: delay,
	}, nil
}
