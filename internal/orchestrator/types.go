// Package orchestrator drives the phase sequence: it dispatches roles, runs
// evaluators against the merged output, retries failed phases with
// accumulating feedback context, and writes crash-safe checkpoints at every
// state change.
package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/gateflow/internal/dispatch"
	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

// Errors surfaced by the orchestrator.
var (
	// ErrWorkflowLocked means another orchestrator already drives this
	// workflow id. Rejected immediately, never queued.
	ErrWorkflowLocked = errors.New("workflow already locked by another orchestrator")

	// ErrPhaseBlocked means the phase exhausted its retries and escalated,
	// or was blocked by cancellation. Operator action is required.
	ErrPhaseBlocked = errors.New("phase blocked")

	// ErrGateNotDeclared rejects external gate signals for gates the
	// registry does not declare for that phase.
	ErrGateNotDeclared = errors.New("gate not declared for phase")

	// ErrPhaseImmutable rejects mutations of a completed phase. Completed
	// state only changes through an explicit rollback.
	ErrPhaseImmutable = errors.New("completed phase is immutable without rollback")
)

// MergeFunc combines per-role outputs into a single phase output. Merge
// policies are phase-specific and must be pure: no side effects, same inputs
// produce the same output.
type MergeFunc func(phase workflow.Phase, outputs map[string]dispatch.RoleResult) string

// ConcatMerge is the default merge policy: successful role outputs
// concatenated under role headers, in stable role-id order.
func ConcatMerge(phase workflow.Phase, outputs map[string]dispatch.RoleResult) string {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		res := outputs[id]
		if res.Failed() {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n", id, res.Output)
	}
	return b.String()
}

// PhaseResult is the outcome of driving one phase to completed or blocked.
type PhaseResult struct {
	Phase     workflow.Phase              `json:"phase"`
	Status    workflow.Status             `json:"status"`
	Attempts  int                         `json:"attempts"`
	Escalated bool                        `json:"escalated"`
	Output    string                      `json:"output,omitempty"`
	Results   []workflow.EvaluationResult `json:"results,omitempty"`
}

// Config configures the orchestrator.
type Config struct {
	// MaxAttempts bounds retries per phase before escalation (default: 3).
	MaxAttempts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{MaxAttempts: 3}
}
