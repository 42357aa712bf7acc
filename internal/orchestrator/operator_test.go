package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gateflow/internal/checkpoint"
	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

// runToBlocked drives a workflow into an escalated first phase.
func runToBlocked(t *testing.T, f *fixture, workflowID string) *workflow.Workflow {
	t.Helper()
	f.dispatcher.Register(workflow.PhaseRequirements, &testRole{id: "builder"})
	f.evaluators.Register(workflow.PhaseRequirements, failNTimes("lint", 100, "still broken"))

	wf := workflow.New(workflowID, "build it")
	_, err := f.orch.RunPhase(context.Background(), wf, workflow.PhaseRequirements, wf.Goal)
	require.ErrorIs(t, err, ErrPhaseBlocked)
	return wf
}

func TestStatusSnapshot(t *testing.T) {
	f := newFixture(t)
	runToBlocked(t, f, "wf-status")

	snap, err := f.orch.Status(context.Background(), "wf-status")
	require.NoError(t, err)

	assert.Equal(t, "wf-status", snap.WorkflowID)
	assert.Equal(t, "build it", snap.Goal)
	assert.Equal(t, workflow.PhaseRequirements, snap.CurrentPhase)
	assert.False(t, snap.Completed)
	assert.True(t, snap.Escalated)
	assert.Contains(t, snap.EscalationReason, "exhausted 3 attempts")
	assert.Equal(t, 3, snap.Attempts)

	require.Len(t, snap.Phases, 5)
	first := snap.Phases[0]
	assert.Equal(t, workflow.StatusBlocked, first.Status)
	assert.Equal(t, []string{"requirements_complete"}, first.MissingGates)

	// Latest feedback surfaces the evaluator output and suggestions.
	require.NotEmpty(t, snap.LatestFeedback)
	assert.Contains(t, snap.LatestFeedback[0], "[lint] still broken")
	assert.Contains(t, snap.LatestFeedback, "fix it")
}

func TestStatusNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestResumeRestoresAttemptLedger(t *testing.T) {
	f := newFixture(t)
	runToBlocked(t, f, "wf-resume")

	// Simulate a process restart: fresh orchestrator over the same store.
	orch2, err := New(nil, f.dispatcher, f.evaluators, f.gates, f.store, nil, nil)
	require.NoError(t, err)

	wf, err := orch2.Resume(context.Background(), "wf-resume")
	require.NoError(t, err)
	assert.Equal(t, "wf-resume", wf.ID)
	assert.Equal(t, workflow.PhaseRequirements, wf.CurrentPhase)

	// The restored ledger still refuses further attempts: escalation survived.
	cp, err := f.store.Latest(context.Background(), "wf-resume")
	require.NoError(t, err)
	assert.Len(t, cp.Attempts[workflow.PhaseRequirements], 3)
	assert.NotEmpty(t, cp.Escalations[workflow.PhaseRequirements])
}

func TestResumeClearsRecoveryPending(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.dispatcher.Register(workflow.PhaseRequirements, &testRole{id: "slow", fn: func(roleCtx context.Context, input string) (string, error) {
		cancel()
		<-roleCtx.Done()
		return "", roleCtx.Err()
	}})

	wf := workflow.New("wf-recover", "goal")
	_, err := f.orch.RunPhase(ctx, wf, workflow.PhaseRequirements, "goal")
	require.ErrorIs(t, err, ErrPhaseBlocked)

	resumed, err := f.orch.Resume(context.Background(), "wf-recover")
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseRequirements, resumed.CurrentPhase)

	cp, err := f.store.Latest(context.Background(), "wf-recover")
	require.NoError(t, err)
	assert.False(t, cp.RecoveryPending)
}

func TestResumedAttemptCarriesPriorFeedback(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	role := &testRole{id: "builder"}
	calls := 0
	role.fn = func(roleCtx context.Context, input string) (string, error) {
		calls++
		if calls == 2 {
			// Crash mid-way through the second attempt.
			cancel()
			<-roleCtx.Done()
			return "", roleCtx.Err()
		}
		return "builder output", nil
	}
	f.dispatcher.Register(workflow.PhaseRequirements, role)
	f.evaluators.Register(workflow.PhaseRequirements, failNTimes("lint", 1, "unused variable x"))

	wf := workflow.New("wf-carry", "build it")
	_, err := f.orch.RunPhase(ctx, wf, workflow.PhaseRequirements, wf.Goal)
	require.ErrorIs(t, err, ErrPhaseBlocked)

	// Process restart: fresh orchestrator over the same store.
	orch2, err := New(nil, f.dispatcher, f.evaluators, f.gates, f.store, nil, nil)
	require.NoError(t, err)
	resumed, err := orch2.Resume(context.Background(), "wf-carry")
	require.NoError(t, err)

	res, err := orch2.RunPhase(context.Background(), resumed, workflow.PhaseRequirements, resumed.Goal)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, res.Status)

	// The restarted attempt ran with the full restored feedback history, not
	// the bare goal.
	inputs := role.Inputs()
	last := inputs[len(inputs)-1]
	assert.Contains(t, last, "Original goal:\nbuild it")
	assert.Contains(t, last, "Attempt 1 feedback:")
	assert.Contains(t, last, "- [lint] unused variable x")
}

func TestResumeIdempotentWorkflowState(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.dispatcher.Register(workflow.PhaseRequirements, &testRole{id: "slow", fn: func(roleCtx context.Context, input string) (string, error) {
		cancel()
		<-roleCtx.Done()
		return "", roleCtx.Err()
	}})

	wf := workflow.New("wf-twice", "goal")
	_, err := f.orch.RunPhase(ctx, wf, workflow.PhaseRequirements, "goal")
	require.ErrorIs(t, err, ErrPhaseBlocked)

	wf1, err := f.orch.Resume(context.Background(), "wf-twice")
	require.NoError(t, err)
	snap1, err := f.orch.Status(context.Background(), "wf-twice")
	require.NoError(t, err)

	// A second resume consumes the republished checkpoint and must yield the
	// same state.
	wf2, err := f.orch.Resume(context.Background(), "wf-twice")
	require.NoError(t, err)
	snap2, err := f.orch.Status(context.Background(), "wf-twice")
	require.NoError(t, err)

	assert.Equal(t, wf1, wf2)
	snap1.CheckpointAt, snap2.CheckpointAt = time.Time{}, time.Time{}
	assert.Equal(t, snap1, snap2)
}

func TestRerunEscalatedPhaseBlocksWithoutDispatch(t *testing.T) {
	f := newFixture(t)
	role := &testRole{id: "builder"}
	f.dispatcher.Register(workflow.PhaseRequirements, role)
	f.evaluators.Register(workflow.PhaseRequirements, failNTimes("lint", 100, "still broken"))

	wf := workflow.New("wf-spent", "build it")
	_, err := f.orch.RunPhase(context.Background(), wf, workflow.PhaseRequirements, wf.Goal)
	require.ErrorIs(t, err, ErrPhaseBlocked)
	require.Len(t, role.Inputs(), 3)

	orch2, err := New(nil, f.dispatcher, f.evaluators, f.gates, f.store, nil, nil)
	require.NoError(t, err)
	resumed, err := orch2.Resume(context.Background(), "wf-spent")
	require.NoError(t, err)

	res, err := orch2.RunPhase(context.Background(), resumed, workflow.PhaseRequirements, resumed.Goal)
	require.ErrorIs(t, err, ErrPhaseBlocked)
	require.NotNil(t, res)
	assert.True(t, res.Escalated)
	assert.Contains(t, resumed.State(workflow.PhaseRequirements).BlockedReason, "exhausted 3 attempts")

	// The spent ledger blocked before any role or evaluator ran.
	assert.Len(t, role.Inputs(), 3)
	cp, err := f.store.Latest(context.Background(), "wf-spent")
	require.NoError(t, err)
	assert.Len(t, cp.Attempts[workflow.PhaseRequirements], 3)
}

func TestRollbackDropsLaterState(t *testing.T) {
	f := newFixture(t)
	f.registerAllPhases()

	wf := workflow.New("wf-roll", "goal")
	require.NoError(t, f.orch.Run(context.Background(), wf))
	require.True(t, wf.Completed)

	rolled, err := f.orch.Rollback(context.Background(), "wf-roll", workflow.PhaseDesign)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseDesign, rolled.CurrentPhase)
	assert.False(t, rolled.Completed)
	assert.Equal(t, workflow.StatusCompleted, rolled.State(workflow.PhaseRequirements).Status)
	assert.Equal(t, workflow.StatusPending, rolled.State(workflow.PhaseDesign).Status)
	assert.Equal(t, workflow.StatusPending, rolled.State(workflow.PhaseRelease).Status)

	// Attempt ledgers for reset phases are gone from the published checkpoint.
	cp, err := f.store.Latest(context.Background(), "wf-roll")
	require.NoError(t, err)
	assert.NotContains(t, cp.Attempts, workflow.PhaseDesign)
	assert.Contains(t, cp.Attempts, workflow.PhaseRequirements)
}

func TestRollbackRejectsForward(t *testing.T) {
	f := newFixture(t)
	runToBlocked(t, f, "wf-rollfwd")

	_, err := f.orch.Rollback(context.Background(), "wf-rollfwd", workflow.PhaseQuality)
	assert.ErrorIs(t, err, workflow.ErrRollbackForward)
}

func TestForceEscalate(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.Register(workflow.PhaseRequirements, &testRole{id: "builder"})

	wf := workflow.New("wf-force", "goal")
	_, err := f.orch.RunPhase(context.Background(), wf, workflow.PhaseRequirements, "goal")
	require.NoError(t, err)

	err = f.orch.ForceEscalate(context.Background(), "wf-force", workflow.PhaseDesign, "stakeholder veto")
	require.NoError(t, err)

	snap, err := f.orch.Status(context.Background(), "wf-force")
	require.NoError(t, err)
	design := snap.Phases[workflow.PhaseDesign.Index()]
	assert.Equal(t, workflow.StatusBlocked, design.Status)
	assert.Equal(t, "stakeholder veto", design.BlockedReason)
	assert.True(t, snap.Escalated)
	assert.Equal(t, "stakeholder veto", snap.EscalationReason)

	err = f.orch.ForceEscalate(context.Background(), "wf-force", workflow.Phase("bogus"), "reason")
	assert.ErrorIs(t, err, workflow.ErrUnknownPhase)
}

func TestSignalGate(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.Register(workflow.PhaseRequirements, &testRole{id: "builder"})

	wf := workflow.New("wf-gate", "goal")
	_, err := f.orch.RunPhase(context.Background(), wf, workflow.PhaseRequirements, "goal")
	require.NoError(t, err)

	// Undeclared gates are rejected.
	err = f.orch.SignalGate(context.Background(), "wf-gate", workflow.PhaseImplementation, "nonexistent", true)
	assert.ErrorIs(t, err, ErrGateNotDeclared)

	require.NoError(t, f.orch.SignalGate(context.Background(), "wf-gate", workflow.PhaseImplementation, "tests_pass", true))

	snap, err := f.orch.Status(context.Background(), "wf-gate")
	require.NoError(t, err)
	impl := snap.Phases[workflow.PhaseImplementation.Index()]
	assert.Contains(t, impl.GatesPassed, "tests_pass")
	assert.Equal(t, []string{"lint_pass"}, impl.MissingGates)

	// A fail signal withdraws the gate.
	require.NoError(t, f.orch.SignalGate(context.Background(), "wf-gate", workflow.PhaseImplementation, "tests_pass", false))
	snap, err = f.orch.Status(context.Background(), "wf-gate")
	require.NoError(t, err)
	impl = snap.Phases[workflow.PhaseImplementation.Index()]
	assert.NotContains(t, impl.GatesPassed, "tests_pass")
}

func TestSignalGateWithdrawalRejectedOnCompletedPhase(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.Register(workflow.PhaseRequirements, &testRole{id: "builder"})

	wf := workflow.New("wf-gatedone", "goal")
	_, err := f.orch.RunPhase(context.Background(), wf, workflow.PhaseRequirements, "goal")
	require.NoError(t, err)

	// Withdrawing a gate from a completed phase requires a rollback.
	err = f.orch.SignalGate(context.Background(), "wf-gatedone", workflow.PhaseRequirements, "requirements_complete", false)
	require.ErrorIs(t, err, ErrPhaseImmutable)

	snap, err := f.orch.Status(context.Background(), "wf-gatedone")
	require.NoError(t, err)
	first := snap.Phases[0]
	assert.Equal(t, workflow.StatusCompleted, first.Status)
	assert.Empty(t, first.MissingGates)
}

func TestOperatorOpsRespectLock(t *testing.T) {
	f := newFixture(t)
	runToBlocked(t, f, "wf-oplock")

	require.NoError(t, f.orch.acquire("wf-oplock"))
	defer f.orch.release("wf-oplock")

	_, err := f.orch.Resume(context.Background(), "wf-oplock")
	assert.ErrorIs(t, err, ErrWorkflowLocked)
	_, err = f.orch.Rollback(context.Background(), "wf-oplock", workflow.PhaseRequirements)
	assert.ErrorIs(t, err, ErrWorkflowLocked)
	err = f.orch.ForceEscalate(context.Background(), "wf-oplock", workflow.PhaseRequirements, "reason")
	assert.ErrorIs(t, err, ErrWorkflowLocked)
	err = f.orch.SignalGate(context.Background(), "wf-oplock", workflow.PhaseRequirements, "requirements_complete", true)
	assert.ErrorIs(t, err, ErrWorkflowLocked)

	// Status reads stay lock-free.
	_, err = f.orch.Status(context.Background(), "wf-oplock")
	assert.NoError(t, err)
}
