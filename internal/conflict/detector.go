// SPDX-License-Identifier: MIT

// Package conflict holds the detection rules. The detector is pure over a
// snapshot: identical inputs produce identical conflicts, including their
// identity keys and severity scores.
package conflict

import (
	"fmt"
	"sort"
	"time"

	"github.com/stellwerk/railwatch/internal/config"
	"github.com/stellwerk/railwatch/internal/model"
	"github.com/stellwerk/railwatch/internal/predict"
)

// junctionWindow is the rolling interval over which junction throughput is
// judged.
const junctionWindow = 2 * time.Minute

// Snapshot is the frozen world state one detection run works on.
type Snapshot struct {
	Now      time.Time
	Trains   map[int64]model.Train
	Sections map[int64]model.Section
	Live     []model.OccupancyRecord // open occupancies only
	Paths    map[int64][]predict.Window
}

// Detector evaluates the four conflict rules.
type Detector struct {
	weights      config.SeverityWeights
	alertWindow  time.Duration
	safetyBuffer time.Duration
}

// New builds a detector with the configured scoring weights.
func New(weights config.SeverityWeights, alertWindow, safetyBuffer time.Duration) *Detector {
	return &Detector{weights: weights, alertWindow: alertWindow, safetyBuffer: safetyBuffer}
}

// DetectAll runs every rule over the snapshot and returns the deduplicated
// conflicts, most severe first. Ties break on earlier expected impact, then
// on identity key so the order is total.
func (d *Detector) DetectAll(snap Snapshot) []model.Conflict {
	var found []model.Conflict
	found = append(found, d.sectionOverloads(snap)...)
	found = append(found, d.collisionRisks(snap)...)
	found = append(found, d.priorityConflicts(snap)...)
	found = append(found, d.junctionConflicts(snap)...)

	seen := make(map[string]struct{}, len(found))
	out := found[:0]
	for _, c := range found {
		key := c.IdentityKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SeverityScore != out[j].SeverityScore {
			return out[i].SeverityScore > out[j].SeverityScore
		}
		ii, ij := out[i].ExpectedImpact, out[j].ExpectedImpact
		if !ii.Equal(ij) {
			if ii.IsZero() {
				return true
			}
			if ij.IsZero() {
				return false
			}
			return ii.Before(ij)
		}
		return out[i].IdentityKey() < out[j].IdentityKey()
	})
	return out
}

// Rule 1: more live trains in a section than its capacity.
func (d *Detector) sectionOverloads(snap Snapshot) []model.Conflict {
	bySection := make(map[int64][]int64)
	for _, o := range snap.Live {
		bySection[o.SectionID] = append(bySection[o.SectionID], o.TrainID)
	}

	var out []model.Conflict
	for sectionID, trains := range bySection {
		sec, ok := snap.Sections[sectionID]
		if !ok || len(trains) <= sec.Capacity {
			continue
		}
		sort.Slice(trains, func(i, j int) bool { return trains[i] < trains[j] })
		c := model.Conflict{
			Type:          model.ConflictSectionOverload,
			Trains:        trains,
			Sections:      []int64{sectionID},
			DetectionTime: snap.Now,
			Description: fmt.Sprintf("section %s holds %d trains over capacity %d",
				sec.Code, len(trains), sec.Capacity),
		}
		d.finalize(&c, snap)
		c.Suggestions = d.suggestOverload(c, snap, sec)
		out = append(out, c)
	}
	return out
}

// pathEntry is one predicted window tagged with its train.
type pathEntry struct {
	trainID int64
	w       predict.Window
}

// sectionBuckets groups predicted windows by section, the spatial
// pre-filter: only trains sharing a bucket are ever pair-compared.
func sectionBuckets(snap Snapshot) map[int64][]pathEntry {
	buckets := make(map[int64][]pathEntry)
	for trainID, path := range snap.Paths {
		for _, w := range path {
			buckets[w.SectionID] = append(buckets[w.SectionID], pathEntry{trainID: trainID, w: w})
		}
	}
	for _, entries := range buckets {
		sort.Slice(entries, func(i, j int) bool {
			if !entries[i].w.Entry.Equal(entries[j].w.Entry) {
				return entries[i].w.Entry.Before(entries[j].w.Entry)
			}
			return entries[i].trainID < entries[j].trainID
		})
	}
	return buckets
}

// Rule 2: two trains approaching the same section with overlapping
// occupation intervals. Both entries must lie in the future; a pair where
// one train already holds the section is the priority rule's business.
func (d *Detector) collisionRisks(snap Snapshot) []model.Conflict {
	var out []model.Conflict
	for sectionID, entries := range sectionBuckets(snap) {
		sec, ok := snap.Sections[sectionID]
		if !ok {
			continue
		}
		for i := 0; i < len(entries); i++ {
			for j := i + 1; j < len(entries); j++ {
				a, b := entries[i], entries[j]
				if a.trainID == b.trainID || !a.w.Overlaps(b.w) {
					continue
				}
				if !a.w.Entry.After(snap.Now) || !b.w.Entry.After(snap.Now) {
					continue
				}
				impact := laterOf(a.w.Entry, b.w.Entry)
				c := model.Conflict{
					Type:           model.ConflictCollisionRisk,
					Trains:         []int64{a.trainID, b.trainID},
					Sections:       []int64{sectionID},
					DetectionTime:  snap.Now,
					ExpectedImpact: impact,
					Description: fmt.Sprintf("trains %d and %d predicted in section %s with overlapping windows",
						a.trainID, b.trainID, sec.Code),
				}
				d.finalize(&c, snap)
				c.Suggestions = d.suggestCollision(c, snap, a, b)
				out = append(out, c)
			}
		}
	}
	return out
}

// Rule 3: on a single-capacity section, a lower-priority train gets there
// first and blocks a higher-priority one.
func (d *Detector) priorityConflicts(snap Snapshot) []model.Conflict {
	var out []model.Conflict
	for sectionID, entries := range sectionBuckets(snap) {
		sec, ok := snap.Sections[sectionID]
		if !ok || sec.Capacity != 1 {
			continue
		}
		for i := 0; i < len(entries); i++ {
			for j := i + 1; j < len(entries); j++ {
				a, b := entries[i], entries[j]
				if a.trainID == b.trainID || !a.w.Overlaps(b.w) {
					continue
				}
				// Entries are entry-sorted, so a reaches the section first.
				blocker, blocked := a, b
				tb, okB := snap.Trains[blocker.trainID]
				td, okD := snap.Trains[blocked.trainID]
				if !okB || !okD || td.Priority <= tb.Priority {
					continue
				}
				c := model.Conflict{
					Type:           model.ConflictPriority,
					Trains:         []int64{blocker.trainID, blocked.trainID},
					Sections:       []int64{sectionID},
					DetectionTime:  snap.Now,
					ExpectedImpact: blocked.w.Entry,
					Description: fmt.Sprintf("train %d (priority %d) blocks train %d (priority %d) in section %s",
						blocker.trainID, tb.Priority, blocked.trainID, td.Priority, sec.Code),
				}
				d.finalize(&c, snap)
				c.Suggestions = d.suggestPriority(c, snap, blocker, blocked)
				out = append(out, c)
			}
		}
	}
	return out
}

// Rule 4: more distinct trains predicted inside a junction within a rolling
// two-minute window than it can take.
func (d *Detector) junctionConflicts(snap Snapshot) []model.Conflict {
	buckets := sectionBuckets(snap)

	var out []model.Conflict
	for sectionID, sec := range snap.Sections {
		if sec.Type != model.SectionJunction {
			continue
		}
		entries := buckets[sectionID]
		if len(entries) <= sec.Capacity {
			continue
		}
		// Slide the window over each candidate start; the earliest
		// overcommitted window defines the conflict.
		for _, start := range entries {
			w := predict.Window{SectionID: sectionID, Entry: start.w.Entry, Exit: start.w.Entry.Add(junctionWindow)}
			inside := make(map[int64]struct{})
			for _, e := range entries {
				if e.w.Overlaps(w) {
					inside[e.trainID] = struct{}{}
				}
			}
			if len(inside) <= sec.Capacity {
				continue
			}
			trains := make([]int64, 0, len(inside))
			for id := range inside {
				trains = append(trains, id)
			}
			sort.Slice(trains, func(i, j int) bool { return trains[i] < trains[j] })

			impact := start.w.Entry
			if impact.Before(snap.Now) {
				impact = snap.Now
			}
			c := model.Conflict{
				Type:           model.ConflictJunction,
				Trains:         trains,
				Sections:       []int64{sectionID},
				DetectionTime:  snap.Now,
				ExpectedImpact: impact,
				Description: fmt.Sprintf("junction %s expects %d trains within %s, capacity %d",
					sec.Code, len(trains), junctionWindow, sec.Capacity),
			}
			d.finalize(&c, snap)
			c.Suggestions = d.suggestJunction(c, snap, entries, sec)
			out = append(out, c)
			break
		}
	}
	return out
}

// finalize computes the severity score and bucket for an assembled conflict.
func (d *Detector) finalize(c *model.Conflict, snap Snapshot) {
	c.SeverityScore = d.score(*c, snap)
	c.Severity = model.SeverityForScore(c.SeverityScore)
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
