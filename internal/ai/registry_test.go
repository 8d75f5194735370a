// SPDX-License-Identifier: MIT

package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellwerk/railwatch/internal/config"
	"github.com/stellwerk/railwatch/internal/model"
)

type stubStrategy struct {
	name       string
	confidence float64
	err        error
	delay      time.Duration
}

func (s stubStrategy) Name() string { return s.name }

func (s stubStrategy) Recommend(ctx context.Context, c model.Conflict, _ Context) (Recommendation, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Recommendation{}, ctx.Err()
		}
	}
	if s.err != nil {
		return Recommendation{}, s.err
	}
	return Recommendation{
		SolutionID: "sol-" + s.name,
		Method:     s.name,
		Confidence: s.confidence,
		Actions: []model.SuggestedAction{{
			Action: model.ActionDelay, TrainID: 1,
			Params: map[string]any{"delay_minutes": 3},
		}},
	}, nil
}

func conflictWithRuleSuggestion() model.Conflict {
	return model.Conflict{
		ID:   1,
		Type: model.ConflictCollisionRisk,
		Suggestions: []model.ResolutionSuggestion{
			{ID: "rule-delay-2", Source: RuleName, EstimatedCost: 12,
				Actions: []model.SuggestedAction{{Action: model.ActionDelay, TrainID: 2, Params: map[string]any{"delay_minutes": 4}}}},
			{ID: "rule-reroute-2", Source: RuleName, EstimatedCost: 18},
		},
	}
}

func opts(enabled bool, preferred string) config.AIOptions {
	return config.AIOptions{
		Enabled:           enabled,
		DefaultStrategy:   preferred,
		InlineTimeout:     50 * time.Millisecond,
		BackgroundTimeout: 200 * time.Millisecond,
	}
}

func TestDisabledRegistryUsesRuleFallback(t *testing.T) {
	r := NewRegistry(opts(false, ""))
	rec := r.RecommendInline(context.Background(), conflictWithRuleSuggestion(), Context{})
	assert.Equal(t, RuleName, rec.Method)
	assert.Equal(t, "rule-delay-2", rec.SolutionID) // cheapest rule suggestion
	assert.Equal(t, 4*time.Minute, rec.EstimatedResolutionTime)
}

func TestConfiguredPreferenceWins(t *testing.T) {
	r := NewRegistry(opts(true, "constraint"))
	r.Register(stubStrategy{name: "constraint", confidence: 0.4})
	r.Register(stubStrategy{name: "rl", confidence: 0.9})

	rec := r.RecommendInline(context.Background(), conflictWithRuleSuggestion(), Context{})
	assert.Equal(t, "constraint", rec.Method)
}

func TestHighestConfidenceWithoutPreference(t *testing.T) {
	r := NewRegistry(opts(true, ""))
	r.Register(stubStrategy{name: "constraint", confidence: 0.4})
	r.Register(stubStrategy{name: "rl", confidence: 0.9})

	rec := r.RecommendInline(context.Background(), conflictWithRuleSuggestion(), Context{})
	assert.Equal(t, "rl", rec.Method)
}

func TestTimeoutFallsBackToRule(t *testing.T) {
	r := NewRegistry(opts(true, "slow"))
	r.Register(stubStrategy{name: "slow", confidence: 0.9, delay: time.Second})

	start := time.Now()
	rec := r.RecommendInline(context.Background(), conflictWithRuleSuggestion(), Context{})
	assert.Equal(t, RuleName, rec.Method)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "inline call must not wait out the slow strategy")
}

func TestFailingStrategyFallsBackToRule(t *testing.T) {
	r := NewRegistry(opts(true, "broken"))
	r.Register(stubStrategy{name: "broken", err: errors.New("solver crashed")})

	rec := r.RecommendInline(context.Background(), conflictWithRuleSuggestion(), Context{})
	require.Equal(t, RuleName, rec.Method)
}

func TestRuleFallbackWithoutSuggestionsAnswersEmpty(t *testing.T) {
	r := NewRegistry(opts(false, ""))
	rec := r.RecommendInline(context.Background(), model.Conflict{ID: 2}, Context{})
	assert.Equal(t, RuleName, rec.Method)
	assert.Empty(t, rec.Actions)
}
