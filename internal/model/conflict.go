package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConflictType classifies a detected or predicted constraint violation.
type ConflictType string

const (
	ConflictCollisionRisk   ConflictType = "COLLISION_RISK"
	ConflictSectionOverload ConflictType = "SECTION_OVERLOAD"
	ConflictPriority        ConflictType = "PRIORITY_CONFLICT"
	ConflictJunction        ConflictType = "JUNCTION_CONFLICT"
)

// Severity buckets the 1..10 severity score.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityForScore maps a 1..10 score to its bucket.
func SeverityForScore(score int) Severity {
	switch {
	case score >= 9:
		return SeverityCritical
	case score >= 7:
		return SeverityHigh
	case score >= 4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SuggestedAction is one proposed command within a resolution suggestion.
type SuggestedAction struct {
	Action  DecisionAction `json:"action"`
	TrainID int64          `json:"train_id"`
	Params  map[string]any `json:"params,omitempty"`
}

// ResolutionSuggestion is an ordered list of proposed actions with an
// estimated cost (delay-minutes equivalent). ID ties controller decisions
// back to the exact suggestion they accepted.
type ResolutionSuggestion struct {
	ID            string            `json:"id"`
	Actions       []SuggestedAction `json:"actions"`
	EstimatedCost float64           `json:"estimated_cost"`
	Source        string            `json:"source"` // "rule" or an AI strategy name
	Confidence    float64           `json:"confidence,omitempty"`
}

// Conflict is a detected violation of safety, capacity, priority or
// junction-throughput constraints. Created by the detector, mutated only by
// the detector (refinement) or the decision engine (resolution); never
// deleted, only archived.
type Conflict struct {
	ID             int64                  `json:"id"`
	Type           ConflictType           `json:"type"`
	Severity       Severity               `json:"severity"`
	SeverityScore  int                    `json:"severity_score"`
	Trains         []int64                `json:"trains_involved"`
	Sections       []int64                `json:"sections_involved"`
	DetectionTime  time.Time              `json:"detection_time"`
	ExpectedImpact time.Time              `json:"expected_impact_time,omitzero"` // zero when already materialised
	Description    string                 `json:"description"`
	Suggestions    []ResolutionSuggestion `json:"suggestions,omitempty"`

	ResolutionTime time.Time `json:"resolution_time,omitzero"` // zero while unresolved
	ResolvedBy     int64     `json:"resolved_by,omitempty"`    // controller id, 0 while unresolved
	AutoResolved   bool      `json:"auto_resolved,omitempty"`  // reserved for a future policy engine
	AIAnalyzed     bool      `json:"ai_analyzed,omitempty"`
	AIConfidence   float64   `json:"ai_confidence,omitempty"`
	AISolutionID   string    `json:"ai_solution_id,omitempty"`
}

// Resolved reports whether the conflict has been closed.
func (c Conflict) Resolved() bool { return !c.ResolutionTime.IsZero() }

// TimeToImpact returns the remaining time before the expected impact, or 0
// when the impact is immediate or already past.
func (c Conflict) TimeToImpact(now time.Time) time.Duration {
	if c.ExpectedImpact.IsZero() {
		return 0
	}
	d := c.ExpectedImpact.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// PriorityScore orders active conflicts for controllers: severity plus an
// urgency term that grows as the impact approaches.
func (c Conflict) PriorityScore(now time.Time) float64 {
	mins := c.TimeToImpact(now).Minutes()
	return float64(c.SeverityScore) + 100/(mins+1)
}

// identityBucket rounds detection time onto a 10-second grid so re-detection
// of the same logical conflict within the window dedups onto one row.
const identityBucket = 10 * time.Second

// IdentityKey is the conflict's logical identity:
// type | sorted trains | sorted sections | detection time bucket.
func (c Conflict) IdentityKey() string {
	return ConflictIdentity(c.Type, c.Trains, c.Sections, c.DetectionTime)
}

// ConflictIdentity builds the identity key for the given components.
func ConflictIdentity(typ ConflictType, trains, sections []int64, detectedAt time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%d",
		typ, joinSorted(trains), joinSorted(sections),
		detectedAt.UTC().Truncate(identityBucket).Unix())
}

func joinSorted(ids []int64) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
