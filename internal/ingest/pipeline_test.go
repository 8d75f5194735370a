// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellwerk/railwatch/internal/bus"
	"github.com/stellwerk/railwatch/internal/model"
	"github.com/stellwerk/railwatch/internal/predict"
	"github.com/stellwerk/railwatch/internal/store"
)

func testTopology(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for _, sec := range []model.Section{
		{ID: 1, Code: "T-1", Type: model.SectionTrack, Length: 2000, MaxSpeed: 120, Capacity: 1, Active: true},
		{ID: 2, Code: "T-2", Type: model.SectionTrack, Length: 3000, MaxSpeed: 120, Capacity: 2, Active: true},
		{ID: 3, Code: "T-3", Type: model.SectionTrack, Length: 1000, MaxSpeed: 80, Capacity: 1, Active: false},
	} {
		require.NoError(t, st.PutSection(ctx, sec))
	}
	for _, tr := range []model.Train{
		{ID: 101, Number: "ICE 101", Type: model.TrainExpress, MaxSpeed: 200, Capacity: 400, Length: 200, Weight: 400, Priority: 8, Status: model.StatusActive},
		{ID: 102, Number: "RB 102", Type: model.TrainLocal, MaxSpeed: 120, Capacity: 200, Length: 80, Weight: 120, Priority: 5, Status: model.StatusActive},
		{ID: 103, Number: "G 103", Type: model.TrainFreight, MaxSpeed: 90, Capacity: 40, Length: 500, Weight: 1800, Priority: 3, Status: model.StatusOutOfService},
	} {
		require.NoError(t, st.PutTrain(ctx, tr))
	}
	return st
}

func testPipeline(t *testing.T, st *store.Store) (*Pipeline, *bus.Bus, context.CancelFunc) {
	t.Helper()
	b := bus.New()
	sections, err := st.ListSections(context.Background())
	require.NoError(t, err)
	pred := predict.New(sections, predict.Options{Horizon: time.Hour, FloorSpeed: 10, Margin: 1.2})

	p := New(st, pred, b, Config{Workers: 4, QueueCapacity: 64})
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Wait()
	})
	return p, b, cancel
}

func report(trainID, sectionID int64, at time.Time, speed float64) model.PositionReport {
	return model.PositionReport{
		TrainID: trainID, SectionID: sectionID, Timestamp: at,
		Speed: speed, Heading: 90,
		DistanceFromStart: -1, SignalStrength: -1, GPSAccuracy: -1,
	}
}

func TestReportAcceptAndIndex(t *testing.T) {
	st := testTopology(t)
	p, _, _ := testPipeline(t, st)
	ctx := context.Background()

	now := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, p.Report(ctx, report(101, 1, now, 80)))

	cur, ok := p.CurrentPosition(101)
	require.True(t, ok)
	assert.Equal(t, int64(1), cur.SectionID)
	assert.ElementsMatch(t, []int64{101}, p.TrainsInSection(1))

	open, err := p.OpenOccupancies(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(101), open[0].TrainID)
	assert.False(t, open[0].ExpectedExitTime.IsZero(), "entry must estimate an exit")
}

func TestStaleReportRejectedAndIndexUnchanged(t *testing.T) {
	st := testTopology(t)
	p, _, _ := testPipeline(t, st)
	ctx := context.Background()

	t0 := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, p.Report(ctx, report(101, 1, t0, 80)))

	err := p.Report(ctx, report(101, 2, t0.Add(-30*time.Second), 80))
	assert.True(t, model.IsCode(err, model.CodeStale))

	// Identical timestamp is idempotent-dropped as STALE too.
	err = p.Report(ctx, report(101, 2, t0, 80))
	assert.True(t, model.IsCode(err, model.CodeStale))

	cur, ok := p.CurrentPosition(101)
	require.True(t, ok)
	assert.Equal(t, int64(1), cur.SectionID, "stale report must not move the index")
}

func TestRejections(t *testing.T) {
	st := testTopology(t)
	p, _, _ := testPipeline(t, st)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("out of service train", func(t *testing.T) {
		err := p.Report(ctx, report(103, 1, now, 40))
		assert.True(t, model.IsCode(err, model.CodeValidation))
	})
	t.Run("unknown train", func(t *testing.T) {
		err := p.Report(ctx, report(999, 1, now, 40))
		assert.True(t, model.IsCode(err, model.CodeNotFound))
	})
	t.Run("inactive section", func(t *testing.T) {
		err := p.Report(ctx, report(101, 3, now, 40))
		assert.True(t, model.IsCode(err, model.CodeValidation))
	})
	t.Run("future timestamp", func(t *testing.T) {
		err := p.Report(ctx, report(101, 1, now.Add(time.Minute), 40))
		assert.True(t, model.IsCode(err, model.CodeValidation))
	})
}

func TestSectionTransitionEmitsOrderedEvents(t *testing.T) {
	st := testTopology(t)
	p, b, _ := testPipeline(t, st)
	ctx := context.Background()

	sub := b.Subscribe(bus.TopicPositions)
	defer func() { _ = sub.Close() }()

	t0 := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, p.Report(ctx, report(102, 1, t0, 60)))
	require.NoError(t, p.Report(ctx, report(102, 2, t0.Add(30*time.Second), 60)))

	var kinds []model.EventKind
	timeout := time.After(2 * time.Second)
	for len(kinds) < 5 {
		select {
		case ev := <-sub.C():
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("timed out, got %v", kinds)
		}
	}
	assert.Equal(t, []model.EventKind{
		model.EventSectionEntry, model.EventPositionUpdate, // first report
		model.EventSectionExit, model.EventSectionEntry, model.EventPositionUpdate, // transition
	}, kinds)

	assert.Empty(t, p.TrainsInSection(1))
	assert.ElementsMatch(t, []int64{102}, p.TrainsInSection(2))
}

func TestSectionStatusEmittedOnTransition(t *testing.T) {
	st := testTopology(t)
	p, b, _ := testPipeline(t, st)
	ctx := context.Background()

	sub := b.Subscribe(bus.TopicSystem)
	defer func() { _ = sub.Close() }()

	t0 := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, p.Report(ctx, report(102, 1, t0, 60)))
	require.NoError(t, p.Report(ctx, report(102, 2, t0.Add(30*time.Second), 60)))

	type status struct {
		section   int64
		occupancy int
	}
	var got []status
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-sub.C():
			require.Equal(t, model.EventSectionStatus, ev.Kind)
			data, ok := ev.Data.(map[string]any)
			require.True(t, ok)
			got = append(got, status{data["section_id"].(int64), data["occupancy"].(int)})
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	// Entering section 1, then vacating it for section 2.
	assert.Equal(t, []status{{1, 1}, {1, 0}, {2, 1}}, got)
}

func TestOccupancyInvariant(t *testing.T) {
	// For every section, open occupancies equal the distinct trains whose
	// latest report names that section.
	st := testTopology(t)
	p, _, _ := testPipeline(t, st)
	ctx := context.Background()

	t0 := time.Now().UTC().Add(-5 * time.Minute)
	require.NoError(t, p.Report(ctx, report(101, 1, t0, 80)))
	require.NoError(t, p.Report(ctx, report(102, 2, t0.Add(time.Second), 60)))
	require.NoError(t, p.Report(ctx, report(101, 2, t0.Add(2*time.Second), 80)))
	require.NoError(t, p.Report(ctx, report(102, 1, t0.Add(3*time.Second), 60)))

	open, err := p.OpenOccupancies(ctx)
	require.NoError(t, err)

	bySection := map[int64][]int64{}
	for _, o := range open {
		require.True(t, o.Live())
		bySection[o.SectionID] = append(bySection[o.SectionID], o.TrainID)
	}
	assert.ElementsMatch(t, []int64{102}, bySection[1])
	assert.ElementsMatch(t, []int64{101}, bySection[2])
	assert.ElementsMatch(t, p.TrainsInSection(1), bySection[1])
	assert.ElementsMatch(t, p.TrainsInSection(2), bySection[2])
}

func TestReportBulkPartialSuccess(t *testing.T) {
	st := testTopology(t)
	p, _, _ := testPipeline(t, st)
	ctx := context.Background()

	t0 := time.Now().UTC().Add(-time.Minute)
	batch := []model.PositionReport{
		report(101, 1, t0, 80),
		report(101, 1, t0.Add(-time.Second), 80), // stale
		report(999, 1, t0, 80),                   // unknown train
		report(102, 2, t0, 60),
	}
	accepted, rejections := p.ReportBulk(ctx, batch)
	assert.Equal(t, 2, accepted)
	require.Len(t, rejections, 2)
	assert.Equal(t, 1, rejections[0].Index)
	assert.Equal(t, string(model.CodeStale), rejections[0].Code)
	assert.Equal(t, 2, rejections[1].Index)
	assert.Equal(t, string(model.CodeNotFound), rejections[1].Code)
}

func TestRebuildRepopulatesIndices(t *testing.T) {
	st := testTopology(t)
	ctx := context.Background()

	{
		p, _, cancel := testPipeline(t, st)
		t0 := time.Now().UTC().Add(-time.Minute)
		require.NoError(t, p.Report(ctx, report(101, 1, t0, 80)))
		require.NoError(t, p.Report(ctx, report(102, 2, t0, 60)))
		cancel()
		p.Wait()
	}

	// Fresh pipeline over the same store: indices come back from rows.
	fresh, _, _ := testPipeline(t, st)
	require.NoError(t, fresh.Rebuild(ctx))

	cur, ok := fresh.CurrentPosition(101)
	require.True(t, ok)
	assert.Equal(t, int64(1), cur.SectionID)
	assert.ElementsMatch(t, []int64{101}, fresh.TrainsInSection(1))
	assert.ElementsMatch(t, []int64{102}, fresh.TrainsInSection(2))
}

func TestSweeperPrunesOldPositions(t *testing.T) {
	st := testTopology(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	_, err := st.RecordPosition(ctx, report(101, 1, old, 50), 0, time.Time{})
	require.NoError(t, err)

	s := NewSweeper(st, 24*time.Hour, time.Hour)
	s.sweepOnce(ctx)

	n, err := st.CountPositionsSince(ctx, time.Now().UTC().Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
