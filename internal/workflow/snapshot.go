package workflow

import "time"

// PhaseSnapshot is the read-only view of one phase's progress.
type PhaseSnapshot struct {
	Phase          Phase    `json:"phase"`
	Status         Status   `json:"status"`
	GatesPassed    []string `json:"gates_passed,omitempty"`
	MissingGates   []string `json:"missing_gates,omitempty"`
	RolesCompleted []string `json:"roles_completed,omitempty"`
	BlockedReason  string   `json:"blocked_reason,omitempty"`
}

// Snapshot is the read-only status view exposed to operators. It always
// reports which gates are still missing and the most recent feedback so an
// escalated workflow is actionable without inspecting internals.
type Snapshot struct {
	WorkflowID       string          `json:"workflow_id"`
	Goal             string          `json:"goal"`
	CurrentPhase     Phase           `json:"current_phase"`
	Completed        bool            `json:"completed"`
	Escalated        bool            `json:"escalated"`
	EscalationReason string          `json:"escalation_reason,omitempty"`
	Phases           []PhaseSnapshot `json:"phases"`
	Attempts         int             `json:"attempts"`
	LatestFeedback   []string        `json:"latest_feedback,omitempty"`
	CheckpointAt     time.Time       `json:"checkpoint_at"`
}
