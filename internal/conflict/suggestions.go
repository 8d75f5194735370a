// SPDX-License-Identifier: MIT

package conflict

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/stellwerk/railwatch/internal/model"
	"github.com/stellwerk/railwatch/internal/predict"
)

// Rule-based resolution suggestions. Every detected conflict carries at
// least one; the estimated cost is in delay-minute equivalents weighted by
// the inverse priority of the delayed train.

const ruleSource = "rule"

func delaySuggestion(id string, trainID int64, minutes int, priority int) model.ResolutionSuggestion {
	return model.ResolutionSuggestion{
		ID: id,
		Actions: []model.SuggestedAction{{
			Action:  model.ActionDelay,
			TrainID: trainID,
			Params:  map[string]any{"delay_minutes": minutes},
		}},
		EstimatedCost: float64(minutes) * float64(11-priority),
		Source:        ruleSource,
	}
}

func overlapOf(a, b predict.Window) time.Duration {
	start := laterOf(a.Entry, b.Entry)
	end := a.Exit
	if b.Exit.Before(end) {
		end = b.Exit
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

func ceilMinutes(d time.Duration) int {
	m := int(math.Ceil(d.Minutes()))
	if m < 1 {
		m = 1
	}
	return m
}

// Collision: delay the lower-priority train past the overlap plus the
// safety buffer; offer a reroute as the alternative when the train has a
// remaining route to rewrite.
func (d *Detector) suggestCollision(c model.Conflict, snap Snapshot, a, b pathEntry) []model.ResolutionSuggestion {
	ta, tb := snap.Trains[a.trainID], snap.Trains[b.trainID]
	victim, victimTrain := b, tb
	if ta.Priority < tb.Priority {
		victim, victimTrain = a, ta
	}

	minutes := ceilMinutes(overlapOf(a.w, b.w)) + ceilMinutes(d.safetyBuffer)
	out := []model.ResolutionSuggestion{
		delaySuggestion(fmt.Sprintf("rule-delay-%d", victim.trainID), victim.trainID, minutes, victimTrain.Priority),
	}
	if len(victimTrain.Route) > 0 {
		out = append(out, model.ResolutionSuggestion{
			ID: fmt.Sprintf("rule-reroute-%d", victim.trainID),
			Actions: []model.SuggestedAction{{
				Action:  model.ActionReroute,
				TrainID: victim.trainID,
				Params:  map[string]any{"avoid_section": c.Sections[0]},
			}},
			EstimatedCost: float64(minutes) * float64(11-victimTrain.Priority) * 1.5,
			Source:        ruleSource,
		})
	}
	return out
}

// Overload: delay the lowest-priority surplus trains until the earliest
// expected exit restores capacity.
func (d *Detector) suggestOverload(c model.Conflict, snap Snapshot, sec model.Section) []model.ResolutionSuggestion {
	surplus := len(c.Trains) - sec.Capacity

	byPriority := append([]int64(nil), c.Trains...)
	sort.Slice(byPriority, func(i, j int) bool {
		pi, pj := snap.Trains[byPriority[i]].Priority, snap.Trains[byPriority[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return byPriority[i] < byPriority[j]
	})

	minutes := 5
	for _, o := range snap.Live {
		if o.SectionID != sec.ID || o.ExpectedExitTime.IsZero() {
			continue
		}
		if m := ceilMinutes(o.ExpectedExitTime.Sub(snap.Now)); m < minutes {
			minutes = m
		}
	}

	s := model.ResolutionSuggestion{
		ID:     fmt.Sprintf("rule-shed-%d", sec.ID),
		Source: ruleSource,
	}
	for _, trainID := range byPriority[:surplus] {
		s.Actions = append(s.Actions, model.SuggestedAction{
			Action:  model.ActionDelay,
			TrainID: trainID,
			Params:  map[string]any{"delay_minutes": minutes},
		})
		s.EstimatedCost += float64(minutes) * float64(11-snap.Trains[trainID].Priority)
	}
	return []model.ResolutionSuggestion{s}
}

// Priority: delay the blocker past the predicted overlap.
func (d *Detector) suggestPriority(c model.Conflict, snap Snapshot, blocker, blocked pathEntry) []model.ResolutionSuggestion {
	minutes := ceilMinutes(overlapOf(blocker.w, blocked.w))
	return []model.ResolutionSuggestion{
		delaySuggestion(fmt.Sprintf("rule-yield-%d", blocker.trainID), blocker.trainID, minutes,
			snap.Trains[blocker.trainID].Priority),
	}
}

// Junction: sequence by descending priority, then earlier arrival; every
// train beyond the junction's capacity waits for a two-minute slot.
func (d *Detector) suggestJunction(c model.Conflict, snap Snapshot, entries []pathEntry, sec model.Section) []model.ResolutionSuggestion {
	involved := make(map[int64]struct{}, len(c.Trains))
	for _, id := range c.Trains {
		involved[id] = struct{}{}
	}
	seq := make([]pathEntry, 0, len(c.Trains))
	seen := make(map[int64]struct{})
	for _, e := range entries {
		if _, ok := involved[e.trainID]; !ok {
			continue
		}
		if _, dup := seen[e.trainID]; dup {
			continue
		}
		seen[e.trainID] = struct{}{}
		seq = append(seq, e)
	}
	sort.Slice(seq, func(i, j int) bool {
		pi, pj := snap.Trains[seq[i].trainID].Priority, snap.Trains[seq[j].trainID].Priority
		if pi != pj {
			return pi > pj
		}
		if !seq[i].w.Entry.Equal(seq[j].w.Entry) {
			return seq[i].w.Entry.Before(seq[j].w.Entry)
		}
		return seq[i].trainID < seq[j].trainID
	})

	s := model.ResolutionSuggestion{
		ID:     fmt.Sprintf("rule-sequence-%d", sec.ID),
		Source: ruleSource,
	}
	slot := ceilMinutes(junctionWindow)
	for i, e := range seq {
		if i < sec.Capacity {
			continue
		}
		minutes := (i - sec.Capacity + 1) * slot
		s.Actions = append(s.Actions, model.SuggestedAction{
			Action:  model.ActionDelay,
			TrainID: e.trainID,
			Params:  map[string]any{"delay_minutes": minutes},
		})
		s.EstimatedCost += float64(minutes) * float64(11-snap.Trains[e.trainID].Priority)
	}
	return []model.ResolutionSuggestion{s}
}
