// SPDX-License-Identifier: MIT

package predict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellwerk/railwatch/internal/model"
)

var testSections = []model.Section{
	{ID: 1, Code: "T-1", Type: model.SectionTrack, Length: 10, MaxSpeed: 120, Capacity: 1, Active: true},
	{ID: 2, Code: "T-2", Type: model.SectionTrack, Length: 20, MaxSpeed: 100, Capacity: 1, Active: true},
	{ID: 3, Code: "J-1", Type: model.SectionJunction, Length: 0.5, MaxSpeed: 40, Capacity: 1, Active: true},
	{ID: 4, Code: "T-4", Type: model.SectionTrack, Length: 15, MaxSpeed: 160, Capacity: 2, Active: false},
}

func testOptions() Options {
	return Options{Horizon: time.Hour, FloorSpeed: 10, Margin: 1.2}
}

func TestPathFollowsRoute(t *testing.T) {
	p := New(testSections, testOptions())
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tr := model.Train{ID: 10, MaxSpeed: 200, Priority: 8, CurrentSectionID: 1, Route: []int64{2, 3}}
	path := p.Path(tr, now)
	require.Len(t, path, 3)

	// Section 1: 10 km at min(200,120)=120 km/h * 1.2 margin = 6 min.
	assert.Equal(t, int64(1), path[0].SectionID)
	assert.Equal(t, now, path[0].Entry)
	assert.Equal(t, now.Add(6*time.Minute), path[0].Exit)

	// Section 2: 20 km at 100 km/h * 1.2 = 14.4 min, chained after section 1.
	assert.Equal(t, int64(2), path[1].SectionID)
	assert.Equal(t, path[0].Exit, path[1].Entry)
	assert.Equal(t, path[1].Entry.Add(14*time.Minute+24*time.Second), path[1].Exit)

	// Junction: 0.5 km at 40 km/h * 1.2 = 54 s.
	assert.Equal(t, int64(3), path[2].SectionID)
	assert.Equal(t, path[1].Exit, path[2].Entry)
}

func TestPathWithoutRouteStaysInSection(t *testing.T) {
	p := New(testSections, testOptions())
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tr := model.Train{ID: 11, MaxSpeed: 120, Priority: 4, CurrentSectionID: 2}
	path := p.Path(tr, now)
	require.Len(t, path, 1)
	assert.Equal(t, int64(2), path[0].SectionID)
	assert.Equal(t, now, path[0].Entry)
	assert.Equal(t, now.Add(time.Hour), path[0].Exit)
}

func TestPathTerminatesAtHorizon(t *testing.T) {
	opts := testOptions()
	opts.Horizon = 10 * time.Minute
	p := New(testSections, opts)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tr := model.Train{ID: 10, MaxSpeed: 200, CurrentSectionID: 1, Route: []int64{2, 3}}
	path := p.Path(tr, now)
	// Section 1 takes 6 min; section 2 would end past the horizon and is
	// clamped; section 3 never starts.
	require.Len(t, path, 2)
	assert.Equal(t, now.Add(10*time.Minute), path[1].Exit)
}

func TestPathStopsAtInactiveSection(t *testing.T) {
	p := New(testSections, testOptions())
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tr := model.Train{ID: 10, MaxSpeed: 200, CurrentSectionID: 1, Route: []int64{4, 2}}
	path := p.Path(tr, now)
	require.Len(t, path, 1)
	assert.Equal(t, int64(1), path[0].SectionID)
}

func TestPathUnknownPosition(t *testing.T) {
	p := New(testSections, testOptions())
	now := time.Now()

	assert.Nil(t, p.Path(model.Train{ID: 1}, now))
	assert.Nil(t, p.Path(model.Train{ID: 1, CurrentSectionID: 999}, now))
}

func TestFloorSpeedBoundsTraversal(t *testing.T) {
	p := New(testSections, testOptions())
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	// A crawling maintenance unit is still predicted at the 10 km/h floor:
	// 10 km / 10 km/h * 1.2 = 72 min, clamped to the horizon.
	tr := model.Train{ID: 12, MaxSpeed: 5, CurrentSectionID: 1, Route: []int64{2}}
	path := p.Path(tr, now)
	require.Len(t, path, 1)
	assert.Equal(t, now.Add(time.Hour), path[0].Exit)
}

func TestExpectedExit(t *testing.T) {
	p := New(testSections, testOptions())
	entry := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	// 10 km at 100 km/h = 6 min, no margin on the occupancy estimate.
	assert.Equal(t, entry.Add(6*time.Minute), p.ExpectedExit(1, entry, 100))
	// Floor applies to a stationary train.
	assert.Equal(t, entry.Add(time.Hour), p.ExpectedExit(1, entry, 0))
	assert.True(t, p.ExpectedExit(999, entry, 50).IsZero())
}

func TestWindowOverlap(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	a := Window{SectionID: 1, Entry: base, Exit: base.Add(5 * time.Minute)}
	b := Window{SectionID: 1, Entry: base.Add(4 * time.Minute), Exit: base.Add(9 * time.Minute)}
	c := Window{SectionID: 1, Entry: base.Add(6 * time.Minute), Exit: base.Add(9 * time.Minute)}

	assert.True(t, a.Overlaps(b))
	assert.True(t, b.Overlaps(a))
	assert.False(t, a.Overlaps(c))
}
