package checkpoint

import (
	"time"

	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

// Checkpoint is an immutable, timestamped snapshot of workflow state plus the
// attempt ledgers needed to rebuild feedback memory on resume. Published
// atomically; a reader never observes a partial write.
type Checkpoint struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`

	// Phase is the phase the workflow was in at snapshot time.
	Phase workflow.Phase `json:"phase"`

	// Workflow is a full deep copy, including per-phase gatesPassed and
	// rolesCompleted.
	Workflow *workflow.Workflow `json:"workflow"`

	// Attempts carries the per-phase attempt ledgers.
	Attempts map[workflow.Phase][]workflow.AttemptRecord `json:"attempts,omitempty"`

	// Escalations maps escalated phases to their reasons.
	Escalations map[workflow.Phase]string `json:"escalations,omitempty"`

	// RecoveryPending marks a checkpoint written at abrupt mid-phase
	// termination; it is cleared by the resume that consumes it.
	RecoveryPending bool `json:"recovery_pending"`

	CheckpointAt time.Time `json:"checkpoint_at"`
}
