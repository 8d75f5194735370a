// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellwerk/railwatch/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTopology(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.PutSection(ctx, model.Section{
		ID: 1, Code: "HBF-N1", Type: model.SectionTrack, Length: 4.2, MaxSpeed: 160, Capacity: 2,
		Adjacent: []int64{2}, Active: true,
	}))
	require.NoError(t, s.PutSection(ctx, model.Section{
		ID: 2, Code: "HBF-J1", Type: model.SectionJunction, Length: 0.6, MaxSpeed: 60, Capacity: 1,
		Adjacent: []int64{1, 3}, Active: true,
	}))
	require.NoError(t, s.PutSection(ctx, model.Section{
		ID: 3, Code: "HBF-S1", Type: model.SectionStation, Length: 1.1, MaxSpeed: 40, Capacity: 4,
		Adjacent: []int64{2}, Active: true,
	}))

	require.NoError(t, s.PutTrain(ctx, model.Train{
		ID: 10, Number: "ICE-701", Type: model.TrainExpress, MaxSpeed: 250, Capacity: 460,
		Length: 200, Weight: 410, Priority: 8, Status: model.StatusActive, CurrentLoad: 300,
	}))
	require.NoError(t, s.PutTrain(ctx, model.Train{
		ID: 11, Number: "RB-33", Type: model.TrainLocal, MaxSpeed: 120, Capacity: 180,
		Length: 70, Weight: 120, Priority: 4, Status: model.StatusActive, CurrentLoad: 90,
	}))

	require.NoError(t, s.PutController(ctx, model.Controller{
		ID: 100, EmployeeID: "EMP-100", Level: model.LevelOperator, Sections: []int64{1, 2}, Active: true,
	}, "tok-operator"))
	require.NoError(t, s.PutController(ctx, model.Controller{
		ID: 101, EmployeeID: "EMP-101", Level: model.LevelSupervisor, Sections: []int64{1, 2, 3}, Active: true,
	}, "tok-supervisor"))
}

func TestTopologyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedTopology(t, s)
	ctx := context.Background()

	tr, err := s.GetTrain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "ICE-701", tr.Number)
	assert.Equal(t, model.TrainExpress, tr.Type)

	secs, err := s.ListSections(ctx)
	require.NoError(t, err)
	require.Len(t, secs, 3)
	assert.Equal(t, []int64{1, 3}, secs[1].Adjacent)

	_, err = s.GetTrain(ctx, 999)
	assert.True(t, model.IsCode(err, model.CodeNotFound))

	c, err := s.ControllerByToken(ctx, "tok-supervisor")
	require.NoError(t, err)
	assert.Equal(t, int64(101), c.ID)
	assert.Equal(t, model.LevelSupervisor, c.Level)

	_, err = s.ControllerByToken(ctx, "nope")
	assert.True(t, model.IsCode(err, model.CodeNotFound))
}

func TestUpdateTrainValidatesInsideTxn(t *testing.T) {
	s := newTestStore(t)
	seedTopology(t, s)
	ctx := context.Background()

	_, err := s.UpdateTrain(ctx, 10, func(tr *model.Train) error {
		tr.Priority = 99
		return nil
	})
	assert.True(t, model.IsCode(err, model.CodeValidation))

	tr, err := s.UpdateTrain(ctx, 10, func(tr *model.Train) error {
		tr.Priority = 9
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 9, tr.Priority)
}

func TestRecordPositionTransitions(t *testing.T) {
	s := newTestStore(t)
	seedTopology(t, s)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	p1 := model.PositionReport{TrainID: 10, SectionID: 1, Timestamp: base, Speed: 140, Heading: 90,
		DistanceFromStart: -1, SignalStrength: -1, GPSAccuracy: -1}
	moved, err := s.RecordPosition(ctx, p1, 0, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, moved)

	// Same section: no new occupancy.
	p2 := p1
	p2.Timestamp = base.Add(10 * time.Second)
	moved, err = s.RecordPosition(ctx, p2, 1, time.Time{})
	require.NoError(t, err)
	assert.False(t, moved)

	// Transition to the junction closes section 1 and opens section 2.
	p3 := model.PositionReport{TrainID: 10, SectionID: 2, Timestamp: base.Add(time.Minute), Speed: 55, Heading: 90,
		DistanceFromStart: -1, SignalStrength: -1, GPSAccuracy: -1}
	moved, err = s.RecordPosition(ctx, p3, 1, time.Time{})
	require.NoError(t, err)
	assert.True(t, moved)

	open, err := s.OpenOccupancies(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(2), open[0].SectionID)
	assert.Equal(t, int64(10), open[0].TrainID)
	assert.True(t, open[0].Live())

	in2, err := s.LiveTrainsInSection(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, in2)

	// Duplicate (train, ts) report is STALE.
	_, err = s.RecordPosition(ctx, p3, 2, time.Time{})
	assert.True(t, model.IsCode(err, model.CodeStale))

	latest, err := s.LatestPosition(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.SectionID)
	assert.Equal(t, float64(-1), latest.GPSAccuracy)

	tr, err := s.GetTrain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), tr.CurrentSectionID)
	assert.InDelta(t, 55, tr.CurrentSpeed, 0.001)
}

func TestPrunePositions(t *testing.T) {
	s := newTestStore(t)
	seedTopology(t, s)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		p := model.PositionReport{TrainID: 11, SectionID: 1, Timestamp: base.Add(time.Duration(i) * time.Minute),
			Speed: 80, Heading: 0, DistanceFromStart: -1, SignalStrength: -1, GPSAccuracy: -1}
		_, err := s.RecordPosition(ctx, p, 1, time.Time{})
		require.NoError(t, err)
	}

	n, err := s.PrunePositions(ctx, base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	count, err := s.CountPositionsSince(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestUpsertConflictDedup(t *testing.T) {
	s := newTestStore(t)
	seedTopology(t, s)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	c := model.Conflict{
		Type: model.ConflictCollisionRisk, Severity: model.SeverityHigh, SeverityScore: 7,
		Trains: []int64{10, 11}, Sections: []int64{2}, DetectionTime: at,
		Description: "two trains approaching junction HBF-J1",
	}

	first, created, err := s.UpsertConflict(ctx, c)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotZero(t, first.ID)

	// Re-detection inside the identity bucket refines in place.
	c2 := c
	c2.DetectionTime = at.Add(4 * time.Second)
	c2.SeverityScore = 9
	c2.Severity = model.SeverityCritical
	second, created, err := s.UpsertConflict(ctx, c2)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	got, err := s.GetConflict(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityCritical, got.Severity)
	assert.Equal(t, 9, got.SeverityScore)

	// Resolved conflicts are not reopened by a re-detection.
	require.NoError(t, s.MarkConflictResolved(ctx, first.ID, 101, at.Add(5*time.Second)))
	_, created, err = s.UpsertConflict(ctx, c2)
	require.NoError(t, err)
	assert.False(t, created)

	active, err := s.ActiveConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Outside the bucket the identity differs and a new row appears.
	c3 := c
	c3.DetectionTime = at.Add(30 * time.Second)
	third, created, err := s.UpsertConflict(ctx, c3)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestConflictDecisionPreconditions(t *testing.T) {
	s := newTestStore(t)
	seedTopology(t, s)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	c, _, err := s.UpsertConflict(ctx, model.Conflict{
		Type: model.ConflictSectionOverload, Severity: model.SeverityMedium, SeverityScore: 5,
		Trains: []int64{10, 11}, Sections: []int64{3}, DetectionTime: at,
		Description: "station HBF-S1 over capacity",
		Suggestions: []model.ResolutionSuggestion{{ID: "sol-1", Source: "RULE"}},
	})
	require.NoError(t, err)

	d := model.Decision{
		ControllerID: 101, ConflictID: c.ID, Action: model.ActionDelay, Timestamp: at.Add(time.Minute),
		Rationale:  "holding RB-33 at the platform",
		Parameters: map[string]any{"delay_minutes": 5},
	}

	_, err = s.CreateConflictDecision(ctx, d, "sol-404")
	assert.True(t, model.IsCode(err, model.CodePrecondition))

	id, err := s.CreateConflictDecision(ctx, d, "sol-1")
	require.NoError(t, err)
	require.NotZero(t, id)

	dd := d
	dd.ConflictID = 9999
	_, err = s.CreateConflictDecision(ctx, dd, "")
	assert.True(t, model.IsCode(err, model.CodeNotFound))

	require.NoError(t, s.MarkConflictResolved(ctx, c.ID, 101, at.Add(2*time.Minute)))
	_, err = s.CreateConflictDecision(ctx, d, "")
	assert.True(t, model.IsCode(err, model.CodePrecondition))

	// Double resolution is rejected.
	err = s.MarkConflictResolved(ctx, c.ID, 101, at.Add(3*time.Minute))
	assert.True(t, model.IsCode(err, model.CodePrecondition))
}

func TestDecisionExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	seedTopology(t, s)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := s.CreateTrainDecision(ctx, model.Decision{
		ControllerID: 100, TrainID: 10, Action: model.ActionSpeedLimit, Timestamp: at,
		Rationale:  "slippery rails on HBF-N1",
		Parameters: map[string]any{"max_speed": 80.0},
	})
	require.NoError(t, err)

	pending, err := s.PendingExecutions(ctx, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	require.NoError(t, s.RecordDecisionFailure(ctx, id, "store busy"))
	d, err := s.GetDecision(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, d.RetryCount)
	assert.False(t, d.Executed)

	// execution_time never precedes the decision timestamp.
	require.NoError(t, s.CompleteDecision(ctx, id, at.Add(-time.Minute), "applied"))
	d, err = s.GetDecision(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Executed)
	assert.Equal(t, at, d.ExecutionTime)
	assert.Equal(t, "applied", d.ExecutionResult)

	err = s.CompleteDecision(ctx, id, at.Add(time.Minute), "again")
	assert.True(t, model.IsCode(err, model.CodePrecondition))

	pending, err = s.PendingExecutions(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApprovalWorkflow(t *testing.T) {
	s := newTestStore(t)
	seedTopology(t, s)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	id, err := s.CreateTrainDecision(ctx, model.Decision{
		ControllerID: 100, TrainID: 10, Action: model.ActionEmergencyStop, Timestamp: at,
		Rationale: "obstruction reported near junction", ApprovalRequired: true,
		Parameters: map[string]any{},
	})
	require.NoError(t, err)

	// Awaiting approval: invisible to the reaper.
	pending, err := s.PendingExecutions(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, pending)

	d, err := s.ApproveDecision(ctx, id, 101, at.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(101), d.ApprovedBy)
	assert.True(t, d.Approved())

	_, err = s.ApproveDecision(ctx, id, 101, at.Add(time.Minute))
	assert.True(t, model.IsCode(err, model.CodePrecondition))

	pending, err = s.PendingExecutions(ctx, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestQueryDecisionsFiltersAndPages(t *testing.T) {
	s := newTestStore(t)
	seedTopology(t, s)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := s.CreateTrainDecision(ctx, model.Decision{
			ControllerID: 100, TrainID: 10, Action: model.ActionDelay, Timestamp: at.Add(time.Duration(i) * time.Minute),
			Rationale: "cascading delay adjustment", Parameters: map[string]any{"delay_minutes": i + 1},
		})
		require.NoError(t, err)
	}
	_, err := s.CreateTrainDecision(ctx, model.Decision{
		ControllerID: 101, TrainID: 11, Action: model.ActionResume, Timestamp: at.Add(10 * time.Minute),
		Rationale: "maintenance window closed", Parameters: map[string]any{},
	})
	require.NoError(t, err)

	page, total, err := s.QueryDecisions(ctx, AuditFilter{ControllerID: 100, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	// Newest first.
	assert.True(t, page[0].Timestamp.After(page[1].Timestamp))

	page, total, err = s.QueryDecisions(ctx, AuditFilter{Action: model.ActionResume})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, page, 1)
	assert.Equal(t, int64(11), page[0].TrainID)

	counts, err := s.DecisionCountsSince(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts[model.ActionDelay])
	assert.Equal(t, int64(1), counts[model.ActionResume])
}
