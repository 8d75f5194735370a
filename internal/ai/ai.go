// SPDX-License-Identifier: MIT

// Package ai defines the pluggable recommender contract consulted by the
// decision engine and the detection scheduler. The engine never blocks a
// user-visible request on a strategy: every call carries a deadline and
// falls back to the rule-based suggestions already on the conflict.
package ai

import (
	"context"
	"time"

	"github.com/stellwerk/railwatch/internal/model"
)

// Context gives a strategy the world state around one conflict.
type Context struct {
	Now      time.Time
	Trains   map[int64]model.Train
	Sections map[int64]model.Section
}

// Recommendation is a strategy's proposed resolution.
type Recommendation struct {
	SolutionID              string                  `json:"solution_id"`
	Method                  string                  `json:"method"` // strategy name
	Confidence              float64                 `json:"confidence"` // [0,1]
	Actions                 []model.SuggestedAction `json:"actions"`
	EstimatedCost           float64                 `json:"estimated_cost"`
	EstimatedResolutionTime time.Duration           `json:"estimated_resolution_time"`
}

// Suggestion converts the recommendation into the form attached to a
// conflict's suggestion list.
func (r Recommendation) Suggestion() model.ResolutionSuggestion {
	return model.ResolutionSuggestion{
		ID:            r.SolutionID,
		Actions:       r.Actions,
		EstimatedCost: r.EstimatedCost,
		Source:        r.Method,
		Confidence:    r.Confidence,
	}
}

// Strategy is one pluggable recommender.
type Strategy interface {
	Name() string
	Recommend(ctx context.Context, c model.Conflict, world Context) (Recommendation, error)
}
