// SPDX-License-Identifier: MIT

package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellwerk/railwatch/internal/config"
	"github.com/stellwerk/railwatch/internal/model"
	"github.com/stellwerk/railwatch/internal/predict"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newDetector() *Detector {
	return New(config.Defaults().SeverityWeights, 5*time.Minute, 2*time.Minute)
}

func window(sectionID int64, entry, exit time.Duration) predict.Window {
	return predict.Window{SectionID: sectionID, Entry: t0.Add(entry), Exit: t0.Add(exit)}
}

func byType(conflicts []model.Conflict, typ model.ConflictType) []model.Conflict {
	var out []model.Conflict
	for _, c := range conflicts {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func TestHeadOnCollisionOnSingleTrack(t *testing.T) {
	snap := Snapshot{
		Now: t0,
		Trains: map[int64]model.Train{
			101: {ID: 101, Type: model.TrainExpress, Priority: 8, Capacity: 900, CurrentLoad: 800, CurrentSectionID: 5},
			102: {ID: 102, Type: model.TrainExpress, Priority: 5, Capacity: 400, CurrentLoad: 300, CurrentSectionID: 6},
		},
		Sections: map[int64]model.Section{
			7: {ID: 7, Code: "T-7", Type: model.SectionTrack, Capacity: 1, Active: true},
		},
		Paths: map[int64][]predict.Window{
			101: {window(7, 120*time.Second, 300*time.Second)},
			102: {window(7, 150*time.Second, 330*time.Second)},
		},
	}

	conflicts := newDetector().DetectAll(snap)
	risks := byType(conflicts, model.ConflictCollisionRisk)
	require.Len(t, risks, 1)

	c := risks[0]
	assert.ElementsMatch(t, []int64{101, 102}, c.Trains)
	assert.Equal(t, []int64{7}, c.Sections)
	assert.GreaterOrEqual(t, c.SeverityScore, 7)
	assert.Equal(t, model.SeverityForScore(c.SeverityScore), c.Severity)
	assert.Equal(t, t0.Add(150*time.Second), c.ExpectedImpact)

	// The lower-priority train is delayed past the overlap plus buffer.
	require.NotEmpty(t, c.Suggestions)
	action := c.Suggestions[0].Actions[0]
	assert.Equal(t, model.ActionDelay, action.Action)
	assert.Equal(t, int64(102), action.TrainID)
	assert.GreaterOrEqual(t, action.Params["delay_minutes"].(int), 3)

	// The higher-priority train arriving first is no priority conflict.
	assert.Empty(t, byType(conflicts, model.ConflictPriority))
}

func TestFreightBlocksExpress(t *testing.T) {
	snap := Snapshot{
		Now: t0,
		Trains: map[int64]model.Train{
			201: {ID: 201, Type: model.TrainFreight, Priority: 3, Capacity: 20, CurrentSectionID: 12},
			202: {ID: 202, Type: model.TrainExpress, Priority: 9, Capacity: 800, CurrentLoad: 700, CurrentSectionID: 11},
		},
		Sections: map[int64]model.Section{
			12: {ID: 12, Code: "T-12", Type: model.SectionTrack, Capacity: 1, Active: true},
		},
		Paths: map[int64][]predict.Window{
			// 201 holds the section now; 202 is predicted in at +60 s.
			201: {window(12, 0, 30*time.Minute)},
			202: {window(12, 60*time.Second, 5*time.Minute)},
		},
	}

	conflicts := newDetector().DetectAll(snap)
	prio := byType(conflicts, model.ConflictPriority)
	require.Len(t, prio, 1)

	c := prio[0]
	assert.ElementsMatch(t, []int64{201, 202}, c.Trains)
	assert.Equal(t, []int64{12}, c.Sections)
	assert.GreaterOrEqual(t, c.SeverityScore, 6)
	assert.Equal(t, t0.Add(60*time.Second), c.ExpectedImpact)

	require.NotEmpty(t, c.Suggestions)
	assert.Equal(t, int64(201), c.Suggestions[0].Actions[0].TrainID)
	assert.Equal(t, model.ActionDelay, c.Suggestions[0].Actions[0].Action)

	// A train already inside the section is not a collision pair.
	assert.Empty(t, byType(conflicts, model.ConflictCollisionRisk))
}

func TestJunctionCongestion(t *testing.T) {
	snap := Snapshot{
		Now: t0,
		Trains: map[int64]model.Train{
			301: {ID: 301, Priority: 9, Capacity: 500, CurrentLoad: 400},
			302: {ID: 302, Priority: 7, Capacity: 400, CurrentLoad: 300},
			303: {ID: 303, Priority: 5, Capacity: 300, CurrentLoad: 200},
			304: {ID: 304, Priority: 4, Capacity: 200, CurrentLoad: 100},
		},
		Sections: map[int64]model.Section{
			9: {ID: 9, Code: "J-9", Type: model.SectionJunction, Capacity: 2, Active: true},
		},
		Paths: map[int64][]predict.Window{
			301: {window(9, 30*time.Second, 60*time.Second)},
			302: {window(9, 45*time.Second, 80*time.Second)},
			303: {window(9, 60*time.Second, 100*time.Second)},
			304: {window(9, 90*time.Second, 120*time.Second)},
		},
	}

	conflicts := newDetector().DetectAll(snap)
	junction := byType(conflicts, model.ConflictJunction)
	require.Len(t, junction, 1)

	c := junction[0]
	assert.ElementsMatch(t, []int64{301, 302, 303, 304}, c.Trains)
	assert.Equal(t, []int64{9}, c.Sections)
	assert.GreaterOrEqual(t, c.SeverityScore, 7)
	assert.LessOrEqual(t, c.SeverityScore, 9)

	// Sequencing: two trains pass, the other two are delayed in slot order.
	require.Len(t, c.Suggestions, 1)
	actions := c.Suggestions[0].Actions
	require.Len(t, actions, 2)
	assert.Equal(t, int64(303), actions[0].TrainID)
	assert.Equal(t, 2, actions[0].Params["delay_minutes"])
	assert.Equal(t, int64(304), actions[1].TrainID)
	assert.Equal(t, 4, actions[1].Params["delay_minutes"])
}

func TestSectionOverloadFromLiveOccupancies(t *testing.T) {
	snap := Snapshot{
		Now: t0,
		Trains: map[int64]model.Train{
			401: {ID: 401, Priority: 6, Capacity: 300, CurrentLoad: 250},
			402: {ID: 402, Priority: 4, Capacity: 300, CurrentLoad: 200},
			403: {ID: 403, Priority: 2, Capacity: 300, CurrentLoad: 100},
		},
		Sections: map[int64]model.Section{
			20: {ID: 20, Code: "S-20", Type: model.SectionStation, Capacity: 2, Active: true},
		},
		Live: []model.OccupancyRecord{
			{SectionID: 20, TrainID: 401, EntryTime: t0.Add(-3 * time.Minute), ExpectedExitTime: t0.Add(90 * time.Second)},
			{SectionID: 20, TrainID: 402, EntryTime: t0.Add(-2 * time.Minute)},
			{SectionID: 20, TrainID: 403, EntryTime: t0.Add(-1 * time.Minute)},
		},
	}

	conflicts := newDetector().DetectAll(snap)
	overloads := byType(conflicts, model.ConflictSectionOverload)
	require.Len(t, overloads, 1)

	c := overloads[0]
	assert.ElementsMatch(t, []int64{401, 402, 403}, c.Trains)
	assert.True(t, c.ExpectedImpact.IsZero(), "overload is already materialised")

	// One surplus train: the lowest-priority one is shed, delayed until the
	// earliest expected exit restores capacity.
	require.Len(t, c.Suggestions, 1)
	require.Len(t, c.Suggestions[0].Actions, 1)
	assert.Equal(t, int64(403), c.Suggestions[0].Actions[0].TrainID)
	assert.Equal(t, 2, c.Suggestions[0].Actions[0].Params["delay_minutes"])
}

func TestDetectionDeterminism(t *testing.T) {
	snap := Snapshot{
		Now: t0,
		Trains: map[int64]model.Train{
			101: {ID: 101, Priority: 8, Capacity: 900, CurrentLoad: 800},
			102: {ID: 102, Priority: 5, Capacity: 400, CurrentLoad: 300},
			103: {ID: 103, Priority: 2, Capacity: 100, CurrentLoad: 50},
		},
		Sections: map[int64]model.Section{
			7: {ID: 7, Code: "T-7", Type: model.SectionTrack, Capacity: 1, Active: true},
			9: {ID: 9, Code: "J-9", Type: model.SectionJunction, Capacity: 1, Active: true},
		},
		Live: []model.OccupancyRecord{
			{SectionID: 7, TrainID: 103, EntryTime: t0.Add(-time.Minute)},
			{SectionID: 7, TrainID: 102, EntryTime: t0.Add(-30 * time.Second)},
		},
		Paths: map[int64][]predict.Window{
			101: {window(7, 2*time.Minute, 5*time.Minute), window(9, 5*time.Minute, 6*time.Minute)},
			102: {window(7, 3*time.Minute, 6*time.Minute), window(9, 6*time.Minute, 7*time.Minute)},
		},
	}

	d := newDetector()
	first := d.DetectAll(snap)
	require.NotEmpty(t, first)

	for run := 0; run < 5; run++ {
		again := d.DetectAll(snap)
		require.Len(t, again, len(first))
		for i := range first {
			assert.Equal(t, first[i].IdentityKey(), again[i].IdentityKey())
			assert.Equal(t, first[i].SeverityScore, again[i].SeverityScore)
		}
	}
}

func TestDetectAllOrdersBySeverity(t *testing.T) {
	snap := Snapshot{
		Now: t0,
		Trains: map[int64]model.Train{
			101: {ID: 101, Priority: 9, Capacity: 900, CurrentLoad: 850},
			102: {ID: 102, Priority: 8, Capacity: 900, CurrentLoad: 800},
			103: {ID: 103, Priority: 1, Capacity: 50, CurrentLoad: 0},
			104: {ID: 104, Priority: 1, Capacity: 50, CurrentLoad: 0},
		},
		Sections: map[int64]model.Section{
			7:  {ID: 7, Code: "T-7", Type: model.SectionTrack, Capacity: 1, Active: true},
			30: {ID: 30, Code: "Y-30", Type: model.SectionYard, Capacity: 1, Active: true},
		},
		Live: []model.OccupancyRecord{
			{SectionID: 30, TrainID: 103, EntryTime: t0.Add(-time.Minute)},
			{SectionID: 30, TrainID: 104, EntryTime: t0.Add(-30 * time.Second)},
		},
		Paths: map[int64][]predict.Window{
			101: {window(7, time.Minute, 3*time.Minute)},
			102: {window(7, 90*time.Second, 4*time.Minute)},
		},
	}

	conflicts := newDetector().DetectAll(snap)
	require.GreaterOrEqual(t, len(conflicts), 2)
	for i := 1; i < len(conflicts); i++ {
		assert.GreaterOrEqual(t, conflicts[i-1].SeverityScore, conflicts[i].SeverityScore)
	}
}
