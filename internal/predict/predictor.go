// SPDX-License-Identifier: MIT

// Package predict derives forward-looking section occupation windows from
// current train state and remaining routes. The predictor is pure: given
// the same snapshot it produces the same paths.
package predict

import (
	"time"

	"github.com/stellwerk/railwatch/internal/model"
)

// Window is one predicted section occupation.
type Window struct {
	SectionID int64
	Entry     time.Time
	Exit      time.Time
}

// Overlaps reports whether two closed time intervals intersect.
func (w Window) Overlaps(o Window) bool {
	return !w.Entry.After(o.Exit) && !o.Entry.After(w.Exit)
}

// Options bound the prediction.
type Options struct {
	Horizon    time.Duration
	FloorSpeed float64 // km/h, lower bound on effective speed
	Margin     float64 // traversal time multiplier, >= 1
}

// Predictor projects paths over a fixed section topology snapshot.
type Predictor struct {
	sections map[int64]model.Section
	opts     Options
}

// New builds a predictor over a topology snapshot.
func New(sections []model.Section, opts Options) *Predictor {
	m := make(map[int64]model.Section, len(sections))
	for _, s := range sections {
		m[s.ID] = s
	}
	return &Predictor{sections: m, opts: opts}
}

// traversal is the time the train needs to cross the section, with margin.
func (p *Predictor) traversal(t model.Train, s model.Section) time.Duration {
	speed := t.MaxSpeed
	if s.MaxSpeed < speed {
		speed = s.MaxSpeed
	}
	if speed < p.opts.FloorSpeed {
		speed = p.opts.FloorSpeed
	}
	hours := s.Length / speed * p.opts.Margin
	return time.Duration(hours * float64(time.Hour))
}

// Path returns the ordered section occupation windows for a train, starting
// with its current section and following the remaining route. Trains
// without a route are assumed to stay in their current section. The list
// terminates at or before now + horizon.
func (p *Predictor) Path(t model.Train, now time.Time) []Window {
	if t.CurrentSectionID == 0 {
		return nil
	}
	cur, ok := p.sections[t.CurrentSectionID]
	if !ok {
		return nil
	}
	deadline := now.Add(p.opts.Horizon)

	var out []Window
	entry := now
	exit := entry.Add(p.traversal(t, cur))
	if len(t.Route) == 0 {
		// Unscheduled movement: stay-in-section heuristic over the horizon.
		exit = deadline
	}
	out = append(out, clampWindow(cur.ID, entry, exit, deadline))
	if !exit.Before(deadline) {
		return out
	}

	entry = exit
	for _, id := range t.Route {
		s, ok := p.sections[id]
		if !ok || !s.Active {
			break
		}
		exit = entry.Add(p.traversal(t, s))
		out = append(out, clampWindow(s.ID, entry, exit, deadline))
		if !exit.Before(deadline) {
			break
		}
		entry = exit
	}
	return out
}

// Paths predicts every train that has a known position.
func (p *Predictor) Paths(trains []model.Train, now time.Time) map[int64][]Window {
	out := make(map[int64][]Window, len(trains))
	for _, t := range trains {
		if path := p.Path(t, now); len(path) > 0 {
			out[t.ID] = path
		}
	}
	return out
}

// ExpectedExit estimates when a train entering a section will leave it,
// from its reported speed bounded below by the floor. Used by the
// occupancy tracker when opening records.
func (p *Predictor) ExpectedExit(sectionID int64, entry time.Time, reportedSpeed float64) time.Time {
	s, ok := p.sections[sectionID]
	if !ok {
		return time.Time{}
	}
	speed := reportedSpeed
	if speed < p.opts.FloorSpeed {
		speed = p.opts.FloorSpeed
	}
	hours := s.Length / speed
	return entry.Add(time.Duration(hours * float64(time.Hour)))
}

func clampWindow(id int64, entry, exit, deadline time.Time) Window {
	if exit.After(deadline) {
		exit = deadline
	}
	return Window{SectionID: id, Entry: entry, Exit: exit}
}
