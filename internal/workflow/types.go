// Package workflow defines the data model for phase-gated workflow runs:
// the ordered phase sequence, per-phase state, evaluation results, and the
// append-only attempt ledger entries that feed retry prompts.
package workflow

import (
	"fmt"
	"time"
)

// Phase is one stage of the fixed workflow sequence.
type Phase string

const (
	// PhaseRequirements gathers and validates requirements.
	PhaseRequirements Phase = "requirements"

	// PhaseDesign produces the design artifacts.
	PhaseDesign Phase = "design"

	// PhaseImplementation implements the design.
	PhaseImplementation Phase = "implementation"

	// PhaseQuality verifies the implementation against quality gates.
	PhaseQuality Phase = "quality"

	// PhaseRelease runs the order-dependent release steps.
	PhaseRelease Phase = "release"
)

// Phases returns all phases in execution order.
func Phases() []Phase {
	return []Phase{PhaseRequirements, PhaseDesign, PhaseImplementation, PhaseQuality, PhaseRelease}
}

// Index returns the position of p in the phase sequence, or -1 if p is not
// a known phase.
func (p Phase) Index() int {
	for i, ph := range Phases() {
		if ph == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.Index() >= 0
}

// Next returns the phase following p, or false if p is the last phase.
func (p Phase) Next() (Phase, bool) {
	idx := p.Index()
	phases := Phases()
	if idx < 0 || idx >= len(phases)-1 {
		return "", false
	}
	return phases[idx+1], true
}

// Status is the completion status of a phase.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

// EvaluationResult is the immutable outcome of one evaluator run against a
// phase's merged output. Score is advisory only; gate decisions are boolean.
type EvaluationResult struct {
	Evaluator   string   `json:"evaluator"`
	Passed      bool     `json:"passed"`
	Score       float64  `json:"score"`
	Feedback    string   `json:"feedback"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// AllPassed reports whether every result in the set passed.
func AllPassed(results []EvaluationResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// AttemptRecord is one entry in the append-only attempt ledger for a
// (workflow, phase) pair. Records are never mutated after append.
type AttemptRecord struct {
	Number    int                `json:"number"` // 1-based
	Output    string             `json:"output"`
	Results   []EvaluationResult `json:"results"`
	Timestamp time.Time          `json:"timestamp"`
}

// PhaseState tracks the mutable state of one phase within a workflow.
// Mutated exclusively by the orchestrator driving the workflow.
type PhaseState struct {
	Status         Status   `json:"status"`
	RolesCompleted []string `json:"roles_completed,omitempty"`
	GatesPassed    []string `json:"gates_passed,omitempty"`
	Output         string   `json:"output,omitempty"`
	BlockedReason  string   `json:"blocked_reason,omitempty"`
}

// GatePassed reports whether the named gate has been recorded as passed.
func (ps *PhaseState) GatePassed(name string) bool {
	for _, g := range ps.GatesPassed {
		if g == name {
			return true
		}
	}
	return false
}

// MarkGatePassed records a gate outcome. Recording the same gate twice is a
// no-op so external signals and evaluator-derived outcomes can overlap.
func (ps *PhaseState) MarkGatePassed(name string) {
	if !ps.GatePassed(name) {
		ps.GatesPassed = append(ps.GatesPassed, name)
	}
}

// MarkRoleCompleted records a role as having completed within this phase.
func (ps *PhaseState) MarkRoleCompleted(roleID string) {
	for _, r := range ps.RolesCompleted {
		if r == roleID {
			return
		}
	}
	ps.RolesCompleted = append(ps.RolesCompleted, roleID)
}

// Reset clears the phase back to pending, dropping gates, roles, and output.
func (ps *PhaseState) Reset() {
	ps.Status = StatusPending
	ps.RolesCompleted = nil
	ps.GatesPassed = nil
	ps.Output = ""
	ps.BlockedReason = ""
}

// clone returns a deep copy of the phase state.
func (ps *PhaseState) clone() *PhaseState {
	cp := &PhaseState{
		Status:        ps.Status,
		Output:        ps.Output,
		BlockedReason: ps.BlockedReason,
	}
	cp.RolesCompleted = append([]string(nil), ps.RolesCompleted...)
	cp.GatesPassed = append([]string(nil), ps.GatesPassed...)
	return cp
}

// ParsePhase converts a string into a Phase, validating it.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPhase, s)
	}
	return p, nil
}
