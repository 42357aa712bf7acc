package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gateflow/internal/checkpoint"
	"github.com/fyrsmithlabs/gateflow/internal/feedback"
	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

// Resume consumes the latest checkpoint for a workflow and returns the
// restored state, ready to be driven with Run. The interrupted phase is
// re-attempted from its beginning; attempt ledgers are rebuilt so retry
// budgets and accumulated feedback survive the restart.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
	if err := o.acquire(workflowID); err != nil {
		return nil, err
	}
	defer o.release(workflowID)

	ctx, span := o.tracer.Start(ctx, "orchestrator.resume")
	defer span.End()
	span.SetAttributes(attribute.String("workflow_id", workflowID))

	latest, err := o.store.Latest(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	cp, err := o.store.Resume(ctx, workflowID, latest.ID)
	if err != nil {
		return nil, err
	}

	wf := cp.Workflow
	o.restoreMemories(wf, cp)

	// Republish the consumed state so Latest keeps working for status reads.
	cp.ID = ""
	cp.CheckpointAt = time.Time{}
	if _, err := o.store.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to persist resumed state: %w", err)
	}

	o.logger.Info("resumed workflow",
		zap.String("workflow_id", workflowID),
		zap.String("phase", string(wf.CurrentPhase)),
	)
	return wf, nil
}

// Rollback resets a workflow to an earlier phase. Operator-only; never
// automatic. The target phase and all later phases lose their roles, gates,
// attempt ledgers, and escalations.
func (o *Orchestrator) Rollback(ctx context.Context, workflowID string, to workflow.Phase) (*workflow.Workflow, error) {
	if err := o.acquire(workflowID); err != nil {
		return nil, err
	}
	defer o.release(workflowID)

	ctx, span := o.tracer.Start(ctx, "orchestrator.rollback")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("to_phase", string(to)),
	)

	cp, err := o.store.Latest(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	wf := cp.Workflow
	if err := wf.Rollback(to); err != nil {
		return nil, err
	}

	toIdx := to.Index()
	for _, phase := range workflow.Phases()[toIdx:] {
		delete(cp.Attempts, phase)
		delete(cp.Escalations, phase)
		o.mu.Lock()
		delete(o.memories, workflowID+"/"+string(phase))
		o.mu.Unlock()
	}

	cp.ID = ""
	cp.CheckpointAt = time.Time{}
	cp.Phase = to
	cp.RecoveryPending = false
	if _, err := o.store.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to persist rollback: %w", err)
	}

	o.logger.Warn("rolled back workflow",
		zap.String("workflow_id", workflowID),
		zap.String("to_phase", string(to)),
	)
	return wf, nil
}

// ForceEscalate marks a phase escalated and blocked on operator request.
func (o *Orchestrator) ForceEscalate(ctx context.Context, workflowID string, phase workflow.Phase, reason string) error {
	if err := o.acquire(workflowID); err != nil {
		return err
	}
	defer o.release(workflowID)

	ctx, span := o.tracer.Start(ctx, "orchestrator.force_escalate")
	defer span.End()

	if !phase.Valid() {
		return fmt.Errorf("%w: %q", workflow.ErrUnknownPhase, phase)
	}

	cp, err := o.store.Latest(ctx, workflowID)
	if err != nil {
		return err
	}
	wf := cp.Workflow
	st := wf.State(phase)
	st.Status = workflow.StatusBlocked
	st.BlockedReason = reason

	if cp.Escalations == nil {
		cp.Escalations = make(map[workflow.Phase]string)
	}
	if _, already := cp.Escalations[phase]; !already {
		cp.Escalations[phase] = reason
	}

	o.mu.Lock()
	if m, ok := o.memories[workflowID+"/"+string(phase)]; ok {
		m.Escalate(reason)
	}
	o.mu.Unlock()

	cp.ID = ""
	cp.CheckpointAt = time.Time{}
	if _, err := o.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to persist escalation: %w", err)
	}

	if o.escalationCounter != nil {
		o.escalationCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", string(phase)),
			attribute.Bool("forced", true),
		))
	}
	o.logger.Warn("force-escalated phase",
		zap.String("workflow_id", workflowID),
		zap.String("phase", string(phase)),
		zap.String("reason", reason),
	)
	return nil
}

// SignalGate records an externally determined gate outcome (e.g. a CI system
// reporting tests_pass) without going through an evaluator. The gate must be
// declared for the phase.
func (o *Orchestrator) SignalGate(ctx context.Context, workflowID string, phase workflow.Phase, gateName string, passed bool) error {
	if err := o.acquire(workflowID); err != nil {
		return err
	}
	defer o.release(workflowID)

	ctx, span := o.tracer.Start(ctx, "orchestrator.signal_gate")
	defer span.End()

	if !o.gates.Declared(phase, gateName) {
		return fmt.Errorf("%w: %s/%s", ErrGateNotDeclared, phase, gateName)
	}

	cp, err := o.store.Latest(ctx, workflowID)
	if err != nil {
		return err
	}
	st := cp.Workflow.State(phase)
	if passed {
		st.MarkGatePassed(gateName)
	} else {
		if st.Status == workflow.StatusCompleted {
			return fmt.Errorf("%w: withdraw %s/%s via rollback", ErrPhaseImmutable, phase, gateName)
		}
		st.GatesPassed = removeString(st.GatesPassed, gateName)
	}

	cp.ID = ""
	cp.CheckpointAt = time.Time{}
	if _, err := o.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to persist gate signal: %w", err)
	}

	o.logger.Info("recorded external gate signal",
		zap.String("workflow_id", workflowID),
		zap.String("phase", string(phase)),
		zap.String("gate", gateName),
		zap.Bool("passed", passed),
	)
	return nil
}

// Status builds the read-only snapshot from the latest checkpoint. It does
// not take the workflow lock: concurrent reads see either the old or the new
// checkpoint, never a mix.
func (o *Orchestrator) Status(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.status")
	defer span.End()
	span.SetAttributes(attribute.String("workflow_id", workflowID))

	cp, err := o.store.Latest(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return o.buildSnapshot(cp), nil
}

// buildSnapshot derives the operator view: per-phase missing gates plus the
// most recent feedback for the current phase.
func (o *Orchestrator) buildSnapshot(cp *checkpoint.Checkpoint) *workflow.Snapshot {
	wf := cp.Workflow
	snap := &workflow.Snapshot{
		WorkflowID:   wf.ID,
		Goal:         wf.Goal,
		CurrentPhase: wf.CurrentPhase,
		Completed:    wf.Completed,
		CheckpointAt: cp.CheckpointAt,
	}

	for _, phase := range workflow.Phases() {
		st := wf.State(phase)
		snap.Phases = append(snap.Phases, workflow.PhaseSnapshot{
			Phase:          phase,
			Status:         st.Status,
			GatesPassed:    append([]string(nil), st.GatesPassed...),
			MissingGates:   o.gates.Missing(phase, st.GatesPassed),
			RolesCompleted: append([]string(nil), st.RolesCompleted...),
			BlockedReason:  st.BlockedReason,
		})
	}

	if reason, ok := cp.Escalations[wf.CurrentPhase]; ok {
		snap.Escalated = true
		snap.EscalationReason = reason
	}

	attempts := cp.Attempts[wf.CurrentPhase]
	snap.Attempts = len(attempts)
	for _, attempt := range attempts {
		for _, res := range attempt.Results {
			if res.Passed {
				continue
			}
			snap.LatestFeedback = append(snap.LatestFeedback, fmt.Sprintf("attempt %d [%s] %s", attempt.Number, res.Evaluator, res.Feedback))
			snap.LatestFeedback = append(snap.LatestFeedback, res.Suggestions...)
		}
	}
	return snap
}

// restoreMemories rebuilds attempt ledgers from a checkpoint.
func (o *Orchestrator) restoreMemories(wf *workflow.Workflow, cp *checkpoint.Checkpoint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for phase, records := range cp.Attempts {
		reason, escalated := cp.Escalations[phase]
		key := wf.ID + "/" + string(phase)
		o.memories[key] = feedback.Restore(wf.ID, phase, wf.Goal, o.config.MaxAttempts, records, reason, escalated, o.logger)
	}
}

func removeString(items []string, target string) []string {
	out := items[:0]
	for _, item := range items {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}
