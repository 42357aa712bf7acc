package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gateflow/internal/checkpoint"
	"github.com/fyrsmithlabs/gateflow/internal/dispatch"
	"github.com/fyrsmithlabs/gateflow/internal/evaluate"
	"github.com/fyrsmithlabs/gateflow/internal/feedback"
	"github.com/fyrsmithlabs/gateflow/internal/gate"
	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/gateflow/internal/orchestrator"

// Orchestrator is the single writer for the workflows it drives. An advisory
// lock keyed by workflow id rejects a second orchestrator for the same
// workflow immediately.
type Orchestrator struct {
	config     *Config
	dispatcher *dispatch.Dispatcher
	evaluators *evaluate.Registry
	gates      *gate.Registry
	store      checkpoint.Store
	merge      MergeFunc
	logger     *zap.Logger

	tracer            trace.Tracer
	meter             metric.Meter
	phaseCounter      metric.Int64Counter
	retryCounter      metric.Int64Counter
	escalationCounter metric.Int64Counter

	mu       sync.Mutex
	locked   map[string]struct{}
	memories map[string]*feedback.Memory // key: workflowID + "/" + phase
}

// New creates an orchestrator. Dispatcher, evaluators, gates, and store are
// required; a nil merge uses ConcatMerge.
func New(cfg *Config, d *dispatch.Dispatcher, evals *evaluate.Registry, gates *gate.Registry, store checkpoint.Store, merge MergeFunc, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = feedback.DefaultMaxAttempts
	}
	if d == nil {
		return nil, errors.New("dispatcher is required")
	}
	if evals == nil {
		return nil, errors.New("evaluator registry is required")
	}
	if gates == nil {
		return nil, errors.New("gate registry is required")
	}
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if merge == nil {
		merge = ConcatMerge
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		config:     cfg,
		dispatcher: d,
		evaluators: evals,
		gates:      gates,
		store:      store,
		merge:      merge,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		locked:     make(map[string]struct{}),
		memories:   make(map[string]*feedback.Memory),
	}
	o.initMetrics()
	return o, nil
}

func (o *Orchestrator) initMetrics() {
	var err error
	o.phaseCounter, err = o.meter.Int64Counter(
		"gateflow.orchestrator.phase_runs_total",
		metric.WithDescription("Total number of phase runs driven to a terminal state"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		o.logger.Warn("failed to create phase counter", zap.Error(err))
	}
	o.retryCounter, err = o.meter.Int64Counter(
		"gateflow.orchestrator.retries_total",
		metric.WithDescription("Total number of phase retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		o.logger.Warn("failed to create retry counter", zap.Error(err))
	}
	o.escalationCounter, err = o.meter.Int64Counter(
		"gateflow.orchestrator.escalations_total",
		metric.WithDescription("Total number of phase escalations"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		o.logger.Warn("failed to create escalation counter", zap.Error(err))
	}
}

// acquire takes the advisory single-writer lock for a workflow id.
func (o *Orchestrator) acquire(workflowID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, held := o.locked[workflowID]; held {
		return fmt.Errorf("%w: %s", ErrWorkflowLocked, workflowID)
	}
	o.locked[workflowID] = struct{}{}
	return nil
}

func (o *Orchestrator) release(workflowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.locked, workflowID)
}

// memoryFor returns the attempt ledger for a (workflow, phase), creating it
// with the phase's original input as the goal on first use.
func (o *Orchestrator) memoryFor(wf *workflow.Workflow, phase workflow.Phase, goal string) *feedback.Memory {
	key := wf.ID + "/" + string(phase)
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.memories[key]; ok {
		return m
	}
	m := feedback.NewMemory(wf.ID, phase, goal, o.config.MaxAttempts, o.logger)
	o.memories[key] = m
	return m
}

// Run drives the workflow from its current phase to completion or the first
// blocked phase. Each phase's input is the preceding phase's output; the
// first phase receives the workflow goal.
func (o *Orchestrator) Run(ctx context.Context, wf *workflow.Workflow) error {
	if err := o.acquire(wf.ID); err != nil {
		return err
	}
	defer o.release(wf.ID)

	ctx, span := o.tracer.Start(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(attribute.String("workflow_id", wf.ID))

	startIdx := wf.CurrentPhase.Index()
	if startIdx < 0 {
		return fmt.Errorf("%w: %q", workflow.ErrUnknownPhase, wf.CurrentPhase)
	}

	for _, phase := range workflow.Phases()[startIdx:] {
		if wf.State(phase).Status == workflow.StatusCompleted {
			continue
		}
		input := o.phaseInput(wf, phase)
		if _, err := o.runPhase(ctx, wf, phase, input); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

// RunPhase drives a single phase to completed or blocked. Callers embedding
// the orchestrator use this for phase-at-a-time control.
func (o *Orchestrator) RunPhase(ctx context.Context, wf *workflow.Workflow, phase workflow.Phase, input string) (*PhaseResult, error) {
	if err := o.acquire(wf.ID); err != nil {
		return nil, err
	}
	defer o.release(wf.ID)
	return o.runPhase(ctx, wf, phase, input)
}

// phaseInput chains the preceding completed phase's output, falling back to
// the workflow goal for the first phase.
func (o *Orchestrator) phaseInput(wf *workflow.Workflow, phase workflow.Phase) string {
	idx := phase.Index()
	if idx <= 0 {
		return wf.Goal
	}
	prev := workflow.Phases()[idx-1]
	if out := wf.State(prev).Output; out != "" {
		return out
	}
	return wf.Goal
}

// runPhase is the retry loop of one phase. The caller must hold the workflow
// lock.
func (o *Orchestrator) runPhase(ctx context.Context, wf *workflow.Workflow, phase workflow.Phase, input string) (*PhaseResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run_phase")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow_id", wf.ID),
		attribute.String("phase", string(phase)),
	)

	if err := wf.CanStart(phase); err != nil {
		return nil, err
	}

	st := wf.State(phase)
	st.Status = workflow.StatusInProgress
	wf.CurrentPhase = phase
	if err := o.saveCheckpoint(ctx, wf, false); err != nil {
		return nil, err
	}

	mem := o.memoryFor(wf, phase, input)
	attemptInput := input
	if len(mem.Attempts()) > 0 {
		// A ledger restored from a checkpoint re-enters the loop with the
		// full feedback history, not the bare goal.
		attemptInput = mem.SummaryForPrompt()
	}

	for {
		if ctx.Err() != nil {
			return o.blockOnCancel(ctx, wf, phase, st)
		}
		if !mem.CanRetry() {
			// An escalated or attempt-exhausted ledger blocks before any
			// role or evaluator runs.
			reason := mem.EscalationReason()
			if reason == "" {
				reason = fmt.Sprintf("exhausted %d attempts in phase %s", mem.MaxAttempts(), phase)
			}
			mem.Escalate(reason)
			return o.blockPhase(ctx, wf, phase, st, reason, len(mem.Attempts()), nil)
		}

		outputs, dispatchErr := o.dispatcher.Dispatch(ctx, phase, attemptInput)
		if dispatchErr != nil {
			var partial *dispatch.PartialFailureError
			if !errors.As(dispatchErr, &partial) {
				// Not a role failure but a dispatch-level fault (no roles
				// configured, cancelled before start). Not retryable here.
				if ctx.Err() != nil {
					return o.blockOnCancel(ctx, wf, phase, st)
				}
				st.Status = workflow.StatusBlocked
				st.BlockedReason = dispatchErr.Error()
				if err := o.saveCheckpoint(ctx, wf, false); err != nil {
					return nil, err
				}
				return nil, dispatchErr
			}
		}
		if ctx.Err() != nil {
			return o.blockOnCancel(ctx, wf, phase, st)
		}

		merged := o.merge(phase, outputs)
		ec := evaluate.Context{
			WorkflowID:    wf.ID,
			Phase:         phase,
			Attempt:       len(mem.Attempts()) + 1,
			Goal:          input,
			ExpectedRoles: o.dispatcher.Roles(phase),
			RoleFailures:  roleFailures(dispatchErr),
		}

		// Deterministic evaluators first; judgment-based ones only run once
		// every cheap check passes.
		results := o.evaluators.Evaluate(ctx, phase, merged, ec, true)
		if workflow.AllPassed(results) {
			results = append(results, o.evaluators.EvaluateJudgment(ctx, phase, merged, ec)...)
		}

		record, err := mem.RecordAttempt(merged, results)
		if err != nil {
			return nil, fmt.Errorf("failed to record attempt: %w", err)
		}

		if workflow.AllPassed(results) {
			return o.completePhase(ctx, wf, phase, st, merged, outputs, record, results)
		}

		if mem.CanRetry() {
			o.logger.Info("phase attempt failed, retrying with accumulated feedback",
				zap.String("workflow_id", wf.ID),
				zap.String("phase", string(phase)),
				zap.Int("attempt", record.Number),
			)
			if o.retryCounter != nil {
				o.retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", string(phase))))
			}
			// The retry input strictly extends the previous input: original
			// goal plus the full prior feedback history, never only the
			// latest attempt.
			attemptInput = mem.SummaryForPrompt()
			continue
		}

		reason := fmt.Sprintf("exhausted %d attempts in phase %s", mem.MaxAttempts(), phase)
		mem.Escalate(reason)
		return o.blockPhase(ctx, wf, phase, st, reason, record.Number, results)
	}
}

// completePhase marks gates, records roles, persists, and advances.
func (o *Orchestrator) completePhase(ctx context.Context, wf *workflow.Workflow, phase workflow.Phase, st *workflow.PhaseState, merged string, outputs map[string]dispatch.RoleResult, record workflow.AttemptRecord, results []workflow.EvaluationResult) (*PhaseResult, error) {
	for _, name := range o.gates.Required(phase) {
		st.MarkGatePassed(name)
	}
	for id, res := range outputs {
		if !res.Failed() {
			st.MarkRoleCompleted(id)
		}
	}
	st.Output = merged
	st.Status = workflow.StatusCompleted

	if next, ok := phase.Next(); ok {
		wf.CurrentPhase = next
	} else {
		wf.Completed = true
	}

	if err := o.saveCheckpoint(ctx, wf, false); err != nil {
		return nil, err
	}

	if o.phaseCounter != nil {
		o.phaseCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", string(phase)),
			attribute.String("status", string(workflow.StatusCompleted)),
		))
	}
	o.logger.Info("phase completed",
		zap.String("workflow_id", wf.ID),
		zap.String("phase", string(phase)),
		zap.Int("attempts", record.Number),
	)
	return &PhaseResult{
		Phase:    phase,
		Status:   workflow.StatusCompleted,
		Attempts: record.Number,
		Output:   merged,
		Results:  results,
	}, nil
}

// blockPhase marks the phase blocked after escalation and persists.
func (o *Orchestrator) blockPhase(ctx context.Context, wf *workflow.Workflow, phase workflow.Phase, st *workflow.PhaseState, reason string, attempts int, results []workflow.EvaluationResult) (*PhaseResult, error) {
	st.Status = workflow.StatusBlocked
	st.BlockedReason = reason

	if err := o.saveCheckpoint(ctx, wf, false); err != nil {
		return nil, err
	}

	if o.escalationCounter != nil {
		o.escalationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", string(phase))))
	}
	if o.phaseCounter != nil {
		o.phaseCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", string(phase)),
			attribute.String("status", string(workflow.StatusBlocked)),
		))
	}
	o.logger.Warn("phase blocked",
		zap.String("workflow_id", wf.ID),
		zap.String("phase", string(phase)),
		zap.String("reason", reason),
	)
	return &PhaseResult{
		Phase:     phase,
		Status:    workflow.StatusBlocked,
		Attempts:  attempts,
		Escalated: true,
		Results:   results,
	}, fmt.Errorf("%w: %s", ErrPhaseBlocked, reason)
}

// blockOnCancel handles caller cancellation: outstanding role tasks are
// abandoned best-effort via context propagation, and a checkpoint records
// the blocked status with the cancellation reason.
func (o *Orchestrator) blockOnCancel(ctx context.Context, wf *workflow.Workflow, phase workflow.Phase, st *workflow.PhaseState) (*PhaseResult, error) {
	reason := fmt.Sprintf("cancelled: %v", ctx.Err())
	st.Status = workflow.StatusBlocked
	st.BlockedReason = reason

	// The save context must outlive the cancelled caller context.
	if err := o.saveCheckpoint(context.WithoutCancel(ctx), wf, true); err != nil {
		o.logger.Error("failed to checkpoint cancelled phase",
			zap.String("workflow_id", wf.ID),
			zap.Error(err),
		)
	}
	o.logger.Warn("phase cancelled",
		zap.String("workflow_id", wf.ID),
		zap.String("phase", string(phase)),
	)
	return &PhaseResult{Phase: phase, Status: workflow.StatusBlocked}, fmt.Errorf("%w: %s", ErrPhaseBlocked, reason)
}

// saveCheckpoint snapshots the workflow plus every phase's attempt ledger.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, wf *workflow.Workflow, recoveryPending bool) error {
	cp := &checkpoint.Checkpoint{
		WorkflowID:      wf.ID,
		Phase:           wf.CurrentPhase,
		Workflow:        wf.Clone(),
		Attempts:        make(map[workflow.Phase][]workflow.AttemptRecord),
		Escalations:     make(map[workflow.Phase]string),
		RecoveryPending: recoveryPending,
	}

	o.mu.Lock()
	for _, phase := range workflow.Phases() {
		key := wf.ID + "/" + string(phase)
		if m, ok := o.memories[key]; ok {
			if attempts := m.Attempts(); len(attempts) > 0 {
				cp.Attempts[phase] = attempts
			}
			if m.Escalated() {
				cp.Escalations[phase] = m.EscalationReason()
			}
		}
	}
	o.mu.Unlock()

	if _, err := o.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}

// roleFailures extracts the failed-role map from a dispatch error.
func roleFailures(err error) map[string]string {
	var partial *dispatch.PartialFailureError
	if errors.As(err, &partial) {
		return partial.Failed
	}
	return nil
}
