// Package gate declares the named boolean conditions required to leave each
// phase. The registry is a pure lookup table: gate values are derived at
// runtime from evaluator results or external signals, never stored here.
package gate

import (
	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

// BlockLevel controls whether a failing gate blocks the phase transition or
// only annotates a warning.
type BlockLevel string

const (
	// Required gates must hold before a phase can complete.
	Required BlockLevel = "required"
	// Advisory gates only annotate warnings.
	Advisory BlockLevel = "advisory"
)

// Gate is a statically declared named condition on a phase.
type Gate struct {
	Name        string
	Level       BlockLevel
	Description string
}

// Registry maps phases to their declared gates. It has no mutable runtime
// state; Declare is only called during setup.
type Registry struct {
	gates map[workflow.Phase][]Gate
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[workflow.Phase][]Gate)}
}

// Default returns the standard gate table for the five-phase sequence.
func Default() *Registry {
	r := NewRegistry()
	r.Declare(workflow.PhaseRequirements, Gate{Name: "requirements_complete", Level: Required, Description: "requirements artifact approved"})
	r.Declare(workflow.PhaseDesign, Gate{Name: "design_approved", Level: Required, Description: "design artifact approved"})
	r.Declare(workflow.PhaseDesign, Gate{Name: "adr_recorded", Level: Advisory, Description: "decision record captured"})
	r.Declare(workflow.PhaseImplementation, Gate{Name: "lint_pass", Level: Required, Description: "linter reported no errors"})
	r.Declare(workflow.PhaseImplementation, Gate{Name: "tests_pass", Level: Required, Description: "test suite passed"})
	r.Declare(workflow.PhaseQuality, Gate{Name: "review_pass", Level: Required, Description: "review evaluators passed"})
	r.Declare(workflow.PhaseQuality, Gate{Name: "coverage_threshold", Level: Advisory, Description: "coverage at or above target"})
	r.Declare(workflow.PhaseRelease, Gate{Name: "canary_validated", Level: Required, Description: "canary validation succeeded"})
	r.Declare(workflow.PhaseRelease, Gate{Name: "deploy_approved", Level: Required, Description: "deployment approved"})
	return r
}

// Declare adds a gate for a phase. Declaring the same name twice replaces the
// earlier declaration.
func (r *Registry) Declare(phase workflow.Phase, g Gate) {
	for i, existing := range r.gates[phase] {
		if existing.Name == g.Name {
			r.gates[phase][i] = g
			return
		}
	}
	r.gates[phase] = append(r.gates[phase], g)
}

// Required returns the names of required gates for a phase.
func (r *Registry) Required(phase workflow.Phase) []string {
	return r.names(phase, Required)
}

// Advisory returns the names of advisory gates for a phase.
func (r *Registry) Advisory(phase workflow.Phase) []string {
	return r.names(phase, Advisory)
}

// Declared reports whether the named gate is declared for the phase, at any
// block level. External gate signals are only accepted for declared gates.
func (r *Registry) Declared(phase workflow.Phase, name string) bool {
	for _, g := range r.gates[phase] {
		if g.Name == name {
			return true
		}
	}
	return false
}

// Missing returns the required gates for phase not present in passed.
func (r *Registry) Missing(phase workflow.Phase, passed []string) []string {
	set := make(map[string]struct{}, len(passed))
	for _, p := range passed {
		set[p] = struct{}{}
	}
	var missing []string
	for _, name := range r.Required(phase) {
		if _, ok := set[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func (r *Registry) names(phase workflow.Phase, level BlockLevel) []string {
	var names []string
	for _, g := range r.gates[phase] {
		if g.Level == level {
			names = append(names, g.Name)
		}
	}
	return names
}
