package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseOrdering(t *testing.T) {
	phases := Phases()
	require.Len(t, phases, 5)
	assert.Equal(t, PhaseRequirements, phases[0])
	assert.Equal(t, PhaseRelease, phases[4])

	for i, p := range phases {
		assert.Equal(t, i, p.Index())
		assert.True(t, p.Valid())
	}
	assert.Equal(t, -1, Phase("deploy").Index())
	assert.False(t, Phase("deploy").Valid())
}

func TestPhaseNext(t *testing.T) {
	next, ok := PhaseRequirements.Next()
	require.True(t, ok)
	assert.Equal(t, PhaseDesign, next)

	_, ok = PhaseRelease.Next()
	assert.False(t, ok)

	_, ok = Phase("bogus").Next()
	assert.False(t, ok)
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("design")
	require.NoError(t, err)
	assert.Equal(t, PhaseDesign, p)

	_, err = ParsePhase("deployment")
	assert.ErrorIs(t, err, ErrUnknownPhase)
}

func TestNewWorkflow(t *testing.T) {
	wf := New("wf-1", "ship the feature")
	assert.Equal(t, "wf-1", wf.ID)
	assert.Equal(t, PhaseRequirements, wf.CurrentPhase)
	assert.False(t, wf.Completed)
	for _, p := range Phases() {
		assert.Equal(t, StatusPending, wf.State(p).Status)
	}

	generated := New("", "goal")
	assert.NotEmpty(t, generated.ID)
}

func TestCanStart(t *testing.T) {
	wf := New("wf-1", "goal")

	require.NoError(t, wf.CanStart(PhaseRequirements))
	assert.ErrorIs(t, wf.CanStart(PhaseDesign), ErrPhaseNotComplete)
	assert.ErrorIs(t, wf.CanStart(PhaseRelease), ErrPhaseNotComplete)
	assert.ErrorIs(t, wf.CanStart(Phase("bogus")), ErrUnknownPhase)

	wf.State(PhaseRequirements).Status = StatusCompleted
	require.NoError(t, wf.CanStart(PhaseDesign))

	// Skipping a phase is still rejected.
	assert.ErrorIs(t, wf.CanStart(PhaseImplementation), ErrPhaseNotComplete)
}

func TestRollback(t *testing.T) {
	wf := New("wf-1", "goal")
	for _, p := range []Phase{PhaseRequirements, PhaseDesign, PhaseImplementation} {
		st := wf.State(p)
		st.Status = StatusCompleted
		st.Output = "artifact " + string(p)
		st.MarkGatePassed("some_gate")
		st.MarkRoleCompleted("builder")
	}
	wf.CurrentPhase = PhaseQuality
	wf.State(PhaseQuality).Status = StatusInProgress

	require.NoError(t, wf.Rollback(PhaseDesign))

	assert.Equal(t, PhaseDesign, wf.CurrentPhase)
	assert.False(t, wf.Completed)

	// Earlier phase untouched.
	req := wf.State(PhaseRequirements)
	assert.Equal(t, StatusCompleted, req.Status)
	assert.Equal(t, "artifact requirements", req.Output)

	// Target and later phases fully reset.
	for _, p := range []Phase{PhaseDesign, PhaseImplementation, PhaseQuality, PhaseRelease} {
		st := wf.State(p)
		assert.Equal(t, StatusPending, st.Status, "phase %s", p)
		assert.Empty(t, st.Output)
		assert.Empty(t, st.GatesPassed)
		assert.Empty(t, st.RolesCompleted)
	}
}

func TestRollbackRejectsForwardAndUnknown(t *testing.T) {
	wf := New("wf-1", "goal")
	wf.State(PhaseRequirements).Status = StatusCompleted
	wf.CurrentPhase = PhaseDesign

	assert.ErrorIs(t, wf.Rollback(PhaseDesign), ErrRollbackForward)
	assert.ErrorIs(t, wf.Rollback(PhaseQuality), ErrRollbackForward)
	assert.ErrorIs(t, wf.Rollback(Phase("bogus")), ErrUnknownPhase)
}

func TestClone(t *testing.T) {
	wf := New("wf-1", "goal")
	wf.State(PhaseRequirements).Status = StatusCompleted
	wf.State(PhaseRequirements).MarkGatePassed("requirements_complete")

	cp := wf.Clone()
	cp.State(PhaseRequirements).Status = StatusBlocked
	cp.State(PhaseRequirements).GatesPassed[0] = "mutated"
	cp.CurrentPhase = PhaseRelease

	assert.Equal(t, StatusCompleted, wf.State(PhaseRequirements).Status)
	assert.Equal(t, "requirements_complete", wf.State(PhaseRequirements).GatesPassed[0])
	assert.Equal(t, PhaseRequirements, wf.CurrentPhase)
}

func TestMarkGatePassedIdempotent(t *testing.T) {
	st := &PhaseState{}
	st.MarkGatePassed("lint_pass")
	st.MarkGatePassed("lint_pass")
	assert.Equal(t, []string{"lint_pass"}, st.GatesPassed)
	assert.True(t, st.GatePassed("lint_pass"))
	assert.False(t, st.GatePassed("tests_pass"))
}

func TestAllPassed(t *testing.T) {
	assert.True(t, AllPassed(nil))
	assert.True(t, AllPassed([]EvaluationResult{{Passed: true}, {Passed: true}}))
	assert.False(t, AllPassed([]EvaluationResult{{Passed: true}, {Passed: false}}))
}
