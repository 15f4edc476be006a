package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func cpuRule(required int, severity Severity) Rule {
	r := Rule{Metric: "CPUUtilization", Operator: OpGT, Value: 90, Severity: severity, ConsecutiveRequired: required}
	r.ApplyDefaults()
	return r
}

func newState() AlertState {
	return AlertState{InstanceKey: "111111111111/us-east-1/db-1", InstanceID: "db-1"}
}

// Scenario: 95, 96, 97, 50 with three consecutive required.
func TestObserve_EscalationAndResolution(t *testing.T) {
	rule := cpuRule(3, SeverityHigh)
	s := newState()

	obs := Observe(s, rule, 95, t0)
	require.True(t, obs.Changed)
	assert.Equal(t, StatusViolating, obs.State.Status)
	assert.Equal(t, 1, obs.State.ConsecutiveViolations)
	require.NotNil(t, obs.Transition)
	assert.Equal(t, StatusOK, obs.Transition.From)
	assert.Equal(t, StatusViolating, obs.Transition.To)

	obs = Observe(obs.State, rule, 96, t0.Add(5*time.Minute))
	assert.Equal(t, StatusViolating, obs.State.Status)
	assert.Equal(t, 2, obs.State.ConsecutiveViolations)
	assert.Nil(t, obs.Transition)

	obs = Observe(obs.State, rule, 97, t0.Add(10*time.Minute))
	assert.Equal(t, StatusActive, obs.State.Status)
	assert.Equal(t, SeverityHigh, obs.State.Severity)
	assert.Equal(t, 3, obs.State.ConsecutiveViolations)
	require.NotNil(t, obs.Transition)
	assert.Equal(t, StatusActive, obs.Transition.To)
	assert.Equal(t, t0, *obs.State.FirstViolationAt)

	obs = Observe(obs.State, rule, 50, t0.Add(15*time.Minute))
	assert.Equal(t, StatusResolved, obs.State.Status)
	assert.Equal(t, 0, obs.State.ConsecutiveViolations)
	assert.Nil(t, obs.State.NotifiedAt)
	require.NotNil(t, obs.Transition)
	assert.Equal(t, StatusActive, obs.Transition.From)
	assert.Equal(t, StatusResolved, obs.Transition.To)
}

func TestObserve_EscalationLaw(t *testing.T) {
	for required := 1; required <= 5; required++ {
		rule := cpuRule(required, SeverityMedium)
		s := newState()
		for i := 1; i <= required; i++ {
			s = Observe(s, rule, 99, t0.Add(time.Duration(i)*time.Minute)).State
			if i < required {
				assert.Equal(t, StatusViolating, s.Status, "required=%d i=%d", required, i)
			}
		}
		assert.Equal(t, StatusActive, s.Status, "required=%d", required)
		assert.Equal(t, required, s.ConsecutiveViolations)
	}
}

func TestObserve_ClearingFromViolatingGoesOK(t *testing.T) {
	rule := cpuRule(3, SeverityHigh)
	s := Observe(newState(), rule, 95, t0).State

	obs := Observe(s, rule, 10, t0.Add(time.Minute))
	assert.Equal(t, StatusOK, obs.State.Status)
	assert.Equal(t, 0, obs.State.ConsecutiveViolations)
	require.NotNil(t, obs.Transition)
	assert.Equal(t, StatusOK, obs.Transition.To)
}

func TestObserve_ClearingOnQuietStateIsNoop(t *testing.T) {
	rule := cpuRule(1, SeverityHigh)

	obs := Observe(newState(), rule, 10, t0)
	assert.False(t, obs.Changed)
	assert.Nil(t, obs.Transition)

	resolved := newState()
	resolved.Status = StatusResolved
	obs = Observe(resolved, rule, 10, t0)
	assert.False(t, obs.Changed)
	assert.Equal(t, resolved, obs.State)
}

func TestObserve_ActiveKeepsCounting(t *testing.T) {
	rule := cpuRule(1, SeverityCritical)
	s := Observe(newState(), rule, 95, t0).State
	require.Equal(t, StatusActive, s.Status)

	obs := Observe(s, rule, 96, t0.Add(time.Minute))
	assert.True(t, obs.Changed)
	assert.Nil(t, obs.Transition)
	assert.Equal(t, 2, obs.State.ConsecutiveViolations)
	assert.Equal(t, t0, *obs.State.FirstViolationAt)
}

func TestShouldNotify_SuppressionLaw(t *testing.T) {
	rule := cpuRule(1, SeverityCritical)
	s := Observe(newState(), rule, 95, t0).State
	require.True(t, ShouldNotify(s, 0, t0))

	s = MarkNotified(s, t0)
	for i := 1; i <= 10; i++ {
		s = Observe(s, rule, 99, t0.Add(time.Duration(i)*time.Minute)).State
		assert.False(t, ShouldNotify(s, 0, t0.Add(time.Duration(i)*time.Minute)))
	}

	// Resolution re-arms the pair.
	s = Observe(s, rule, 10, t0.Add(11*time.Minute)).State
	s = Observe(s, rule, 99, t0.Add(12*time.Minute)).State
	assert.True(t, ShouldNotify(s, 0, t0.Add(12*time.Minute)))
}

func TestShouldNotify_Cooldown(t *testing.T) {
	rule := cpuRule(1, SeverityCritical)
	s := MarkNotified(Observe(newState(), rule, 95, t0).State, t0)
	s = Observe(s, rule, 10, t0.Add(time.Minute)).State
	s = Observe(s, rule, 99, t0.Add(2*time.Minute)).State

	assert.False(t, ShouldNotify(s, time.Hour, t0.Add(2*time.Minute)))
	assert.True(t, ShouldNotify(s, time.Hour, t0.Add(61*time.Minute)))
}

func TestShouldNotify_OnlyHighestSeverity(t *testing.T) {
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh} {
		s := Observe(newState(), cpuRule(1, sev), 95, t0).State
		assert.False(t, ShouldNotify(s, 0, t0), "severity %s", sev)
	}
}

func TestRule_ApplyDefaultsAndValidate(t *testing.T) {
	r := Rule{Metric: "FreeStorageSpace", Operator: OpLT, Value: 1e9, Severity: SeverityCritical}
	r.ApplyDefaults()

	assert.Equal(t, "freestoragespace-lt-1000000000", r.ID)
	assert.Equal(t, "Average", r.Statistic)
	assert.Equal(t, 5*time.Minute, r.Period)
	assert.Equal(t, 1, r.ConsecutiveRequired)
	require.NoError(t, r.Validate())
	assert.True(t, r.Violated(5e8))
	assert.False(t, r.Violated(2e9))

	bad := Rule{ID: "x", Metric: "CPU", Operator: "between", Severity: SeverityLow, ConsecutiveRequired: 1}
	assert.Error(t, bad.Validate())
}

func TestOperator_Compare(t *testing.T) {
	assert.True(t, OpGTE.Compare(5, 5))
	assert.False(t, OpGT.Compare(5, 5))
	assert.True(t, OpLTE.Compare(5, 5))
	assert.True(t, OpEQ.Compare(5, 5))
	assert.True(t, OpLT.Compare(4, 5))
}

func TestSeverity_Rank(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.False(t, Severity("urgent").Valid())
}
