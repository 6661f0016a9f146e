package ext

import (
	"context"
	"time"

	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Workflow lifecycle hooks
// ──────────────────────────────────────────────────

// WorkflowStarted is called when a workflow instance begins executing.
type WorkflowStarted interface {
	OnWorkflowStarted(ctx context.Context, in *workflow.Instance) error
}

// StateChanged is called after every persisted state transition.
type StateChanged interface {
	OnStateChanged(ctx context.Context, in *workflow.Instance, from, to workflow.State) error
}

// WorkflowCompleted is called when an instance reaches COMPLETED.
type WorkflowCompleted interface {
	OnWorkflowCompleted(ctx context.Context, in *workflow.Instance, elapsed time.Duration) error
}

// WorkflowFailed is called when an instance reaches FAILED.
type WorkflowFailed interface {
	OnWorkflowFailed(ctx context.Context, in *workflow.Instance, err error) error
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepCompleted is called after a step's checkpoint is durably written.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, in *workflow.Instance, cp *checkpoint.Checkpoint, elapsed time.Duration) error
}

// StepFailed is called when a step exhausts its retries.
type StepFailed interface {
	OnStepFailed(ctx context.Context, in *workflow.Instance, stepID string, err error) error
}

// StepSkipped is called when an operator skips a step or an optional step
// is passed over after failing.
type StepSkipped interface {
	OnStepSkipped(ctx context.Context, in *workflow.Instance, stepID string) error
}

// ──────────────────────────────────────────────────
// Budget hooks
// ──────────────────────────────────────────────────

// BudgetDenied is called when admission control refuses a step.
type BudgetDenied interface {
	OnBudgetDenied(ctx context.Context, in *workflow.Instance, stepID string, d budget.Decision) error
}

// BudgetSettled is called after a step's actual cost lands in the ledger.
type BudgetSettled interface {
	OnBudgetSettled(ctx context.Context, in *workflow.Instance, e *budget.CostLedgerEntry) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// InterventionApplied is called after an operator intervention is
// accepted and persisted.
type InterventionApplied interface {
	OnInterventionApplied(ctx context.Context, in *workflow.Instance, op workflow.Op) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
