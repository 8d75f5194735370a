// SPDX-License-Identifier: MIT

package conflict

import (
	"math"

	"github.com/stellwerk/railwatch/internal/model"
)

// score computes the weighted 1..10 severity of a conflict from five
// factors: time urgency, train priority, passenger impact, network impact
// and the safety category of the rule.
func (d *Detector) score(c model.Conflict, snap Snapshot) int {
	fTime := 1.0
	if !c.ExpectedImpact.IsZero() {
		tti := c.TimeToImpact(snap.Now)
		fTime = clamp01(1 - tti.Seconds()/d.alertWindow.Seconds())
	}

	maxPriority := 0
	passengers := 0
	for _, id := range c.Trains {
		t, ok := snap.Trains[id]
		if !ok {
			continue
		}
		if t.Priority > maxPriority {
			maxPriority = t.Priority
		}
		passengers += t.PassengerCount()
	}
	fPrio := float64(maxPriority) / 10
	fPax := clamp01(float64(passengers) / 1000)
	fNet := clamp01(float64(len(c.Sections)) / 5)

	var fSafety float64
	switch c.Type {
	case model.ConflictCollisionRisk:
		fSafety = 1
	case model.ConflictJunction:
		fSafety = 0.6
	default:
		fSafety = 0.3
	}

	w := d.weights
	sum := w.Time*fTime + w.Priority*fPrio + w.Passengers*fPax + w.Network*fNet + w.Safety*fSafety
	score := int(math.Round(sum))
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
