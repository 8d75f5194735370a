package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictIdentityStableUnderOrdering(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 7, 0, time.UTC)

	a := ConflictIdentity(ConflictCollisionRisk, []int64{102, 101}, []int64{7}, at)
	b := ConflictIdentity(ConflictCollisionRisk, []int64{101, 102}, []int64{7}, at)
	assert.Equal(t, a, b)

	// Same 10s bucket -> same identity.
	c := ConflictIdentity(ConflictCollisionRisk, []int64{101, 102}, []int64{7}, at.Add(2*time.Second))
	assert.Equal(t, a, c)

	// Next bucket -> new identity.
	d := ConflictIdentity(ConflictCollisionRisk, []int64{101, 102}, []int64{7}, at.Add(10*time.Second))
	assert.NotEqual(t, a, d)
}

func TestSeverityBuckets(t *testing.T) {
	cases := map[int]Severity{
		1: SeverityLow, 3: SeverityLow,
		4: SeverityMedium, 6: SeverityMedium,
		7: SeverityHigh, 8: SeverityHigh,
		9: SeverityCritical, 10: SeverityCritical,
	}
	for score, want := range cases {
		assert.Equal(t, want, SeverityForScore(score), "score %d", score)
	}
}

func TestCommandParamsValidateFor(t *testing.T) {
	ok := CommandParams{Delay: &DelayParams{DelayMinutes: 15}}
	require.NoError(t, ok.ValidateFor(ActionDelay))

	tooLong := CommandParams{Delay: &DelayParams{DelayMinutes: 181}}
	err := tooLong.ValidateFor(ActionDelay)
	require.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))

	missing := CommandParams{}
	assert.Error(t, missing.ValidateFor(ActionReroute))
	assert.NoError(t, missing.ValidateFor(ActionEmergencyStop))

	badPrio := CommandParams{Priority: &PriorityChangeParams{NewPriority: 0}}
	assert.Error(t, badPrio.ValidateFor(ActionPriorityChange))

	speed := CommandParams{SpeedLimit: &SpeedLimitParams{MaxSpeed: 120}}
	assert.NoError(t, speed.ValidateFor(ActionSpeedLimit))
}

func TestCommandParamsDocument(t *testing.T) {
	doc := CommandParams{Reroute: &RerouteParams{NewRoute: []int64{4, 5, 6}}}.Document()
	assert.Equal(t, []int64{4, 5, 6}, doc["new_route"])

	doc = CommandParams{Delay: &DelayParams{DelayMinutes: 30}}.Document()
	assert.Equal(t, 30, doc["delay_minutes"])
}

func TestAuthLevelOrdering(t *testing.T) {
	assert.True(t, LevelAdmin.AtLeast(LevelManager))
	assert.True(t, LevelSupervisor.AtLeast(LevelSupervisor))
	assert.False(t, LevelOperator.AtLeast(LevelSupervisor))
	assert.False(t, AuthLevel("BOGUS").AtLeast(LevelOperator))
}

func TestControllerResponsibility(t *testing.T) {
	c := Controller{ID: 1, Level: LevelSupervisor, Sections: []int64{3, 9}}
	assert.True(t, c.ResponsibleFor(9))
	assert.False(t, c.ResponsibleFor(12))

	admin := Controller{ID: 2, Level: LevelAdmin}
	assert.True(t, admin.ResponsibleFor(12))
}

func TestPositionReportValidate(t *testing.T) {
	now := time.Now()
	p := PositionReport{TrainID: 301, SectionID: 4, Timestamp: now, Speed: 80, Heading: 90}
	require.NoError(t, p.Validate(now))

	future := p
	future.Timestamp = now.Add(time.Minute)
	assert.Error(t, future.Validate(now))

	badHeading := p
	badHeading.Heading = 360
	assert.Error(t, badHeading.Validate(now))
}

func TestFaultCodeOf(t *testing.T) {
	err := Wrap(CodeTransient, assert.AnError, "store write")
	assert.Equal(t, CodeTransient, CodeOf(err))
	assert.True(t, IsCode(err, CodeTransient))
	assert.Equal(t, CodeInternal, CodeOf(assert.AnError))

	rl := RateLimited(42 * time.Second)
	assert.Equal(t, 42*time.Second, rl.RetryAfter)
}

func TestConflictPriorityScore(t *testing.T) {
	now := time.Now()
	near := Conflict{SeverityScore: 5, ExpectedImpact: now.Add(time.Minute)}
	far := Conflict{SeverityScore: 5, ExpectedImpact: now.Add(30 * time.Minute)}
	assert.Greater(t, near.PriorityScore(now), far.PriorityScore(now))
}
