package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors for workflow state transitions.
var (
	ErrUnknownPhase     = errors.New("unknown phase")
	ErrPhaseOrder       = errors.New("phase order violation")
	ErrPhaseNotComplete = errors.New("preceding phase not completed")
	ErrRollbackForward  = errors.New("rollback target must precede current phase")
)

// Workflow identifies one end-to-end run. Created on first phase entry,
// mutated only by the orchestrator holding the workflow lock, never deleted.
type Workflow struct {
	ID           string                `json:"id"`
	Goal         string                `json:"goal"`
	CurrentPhase Phase                 `json:"current_phase"`
	CreatedAt    time.Time             `json:"created_at"`
	Completed    bool                  `json:"completed"`
	PhaseStates  map[Phase]*PhaseState `json:"phase_states"`
}

// New creates a workflow positioned at the first phase with all phases pending.
// If id is empty a new UUID is assigned.
func New(id, goal string) *Workflow {
	if id == "" {
		id = uuid.New().String()
	}
	states := make(map[Phase]*PhaseState, len(Phases()))
	for _, p := range Phases() {
		states[p] = &PhaseState{Status: StatusPending}
	}
	return &Workflow{
		ID:           id,
		Goal:         goal,
		CurrentPhase: PhaseRequirements,
		CreatedAt:    time.Now().UTC(),
		PhaseStates:  states,
	}
}

// State returns the state for a phase, initializing it if absent (can happen
// after deserializing older snapshots).
func (w *Workflow) State(p Phase) *PhaseState {
	if w.PhaseStates == nil {
		w.PhaseStates = make(map[Phase]*PhaseState)
	}
	st, ok := w.PhaseStates[p]
	if !ok {
		st = &PhaseState{Status: StatusPending}
		w.PhaseStates[p] = st
	}
	return st
}

// CanStart checks the global transition rule: a phase may start only when all
// preceding phases are completed.
func (w *Workflow) CanStart(p Phase) error {
	idx := p.Index()
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, p)
	}
	for _, prior := range Phases()[:idx] {
		if w.State(prior).Status != StatusCompleted {
			return fmt.Errorf("%w: %s requires %s completed (is %s)",
				ErrPhaseNotComplete, p, prior, w.State(prior).Status)
		}
	}
	return nil
}

// Rollback resets the workflow to an earlier phase. The target phase and every
// later phase are reset to pending with roles and gates cleared; earlier
// phases are untouched. Only valid as an explicit operator action.
func (w *Workflow) Rollback(to Phase) error {
	toIdx := to.Index()
	if toIdx < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, to)
	}
	curIdx := w.CurrentPhase.Index()
	if toIdx >= curIdx {
		return fmt.Errorf("%w: %s -> %s", ErrRollbackForward, w.CurrentPhase, to)
	}
	for _, p := range Phases()[toIdx:] {
		w.State(p).Reset()
	}
	w.CurrentPhase = to
	w.Completed = false
	return nil
}

// Clone returns a deep copy suitable for checkpointing; mutations to the copy
// do not affect the original.
func (w *Workflow) Clone() *Workflow {
	cp := &Workflow{
		ID:           w.ID,
		Goal:         w.Goal,
		CurrentPhase: w.CurrentPhase,
		CreatedAt:    w.CreatedAt,
		Completed:    w.Completed,
		PhaseStates:  make(map[Phase]*PhaseState, len(w.PhaseStates)),
	}
	for p, st := range w.PhaseStates {
		cp.PhaseStates[p] = st.clone()
	}
	return cp
}
