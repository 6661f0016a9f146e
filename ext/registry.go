package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/workflow"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type workflowStartedEntry struct {
	name string
	hook WorkflowStarted
}

type stateChangedEntry struct {
	name string
	hook StateChanged
}

type workflowCompletedEntry struct {
	name string
	hook WorkflowCompleted
}

type workflowFailedEntry struct {
	name string
	hook WorkflowFailed
}

type stepCompletedEntry struct {
	name string
	hook StepCompleted
}

type stepFailedEntry struct {
	name string
	hook StepFailed
}

type stepSkippedEntry struct {
	name string
	hook StepSkipped
}

type budgetDeniedEntry struct {
	name string
	hook BudgetDenied
}

type budgetSettledEntry struct {
	name string
	hook BudgetSettled
}

type interventionAppliedEntry struct {
	name string
	hook InterventionApplied
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	workflowStarted     []workflowStartedEntry
	stateChanged        []stateChangedEntry
	workflowCompleted   []workflowCompletedEntry
	workflowFailed      []workflowFailedEntry
	stepCompleted       []stepCompletedEntry
	stepFailed          []stepFailedEntry
	stepSkipped         []stepSkippedEntry
	budgetDenied        []budgetDeniedEntry
	budgetSettled       []budgetSettledEntry
	interventionApplied []interventionAppliedEntry
	shutdown            []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(WorkflowStarted); ok {
		r.workflowStarted = append(r.workflowStarted, workflowStartedEntry{name, h})
	}
	if h, ok := e.(StateChanged); ok {
		r.stateChanged = append(r.stateChanged, stateChangedEntry{name, h})
	}
	if h, ok := e.(WorkflowCompleted); ok {
		r.workflowCompleted = append(r.workflowCompleted, workflowCompletedEntry{name, h})
	}
	if h, ok := e.(WorkflowFailed); ok {
		r.workflowFailed = append(r.workflowFailed, workflowFailedEntry{name, h})
	}
	if h, ok := e.(StepCompleted); ok {
		r.stepCompleted = append(r.stepCompleted, stepCompletedEntry{name, h})
	}
	if h, ok := e.(StepFailed); ok {
		r.stepFailed = append(r.stepFailed, stepFailedEntry{name, h})
	}
	if h, ok := e.(StepSkipped); ok {
		r.stepSkipped = append(r.stepSkipped, stepSkippedEntry{name, h})
	}
	if h, ok := e.(BudgetDenied); ok {
		r.budgetDenied = append(r.budgetDenied, budgetDeniedEntry{name, h})
	}
	if h, ok := e.(BudgetSettled); ok {
		r.budgetSettled = append(r.budgetSettled, budgetSettledEntry{name, h})
	}
	if h, ok := e.(InterventionApplied); ok {
		r.interventionApplied = append(r.interventionApplied, interventionAppliedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Workflow event emitters
// ──────────────────────────────────────────────────

// EmitWorkflowStarted notifies all extensions that implement WorkflowStarted.
func (r *Registry) EmitWorkflowStarted(ctx context.Context, in *workflow.Instance) {
	for _, e := range r.workflowStarted {
		if err := e.hook.OnWorkflowStarted(ctx, in); err != nil {
			r.logHookError("OnWorkflowStarted", e.name, err)
		}
	}
}

// EmitStateChanged notifies all extensions that implement StateChanged.
func (r *Registry) EmitStateChanged(ctx context.Context, in *workflow.Instance, from, to workflow.State) {
	for _, e := range r.stateChanged {
		if err := e.hook.OnStateChanged(ctx, in, from, to); err != nil {
			r.logHookError("OnStateChanged", e.name, err)
		}
	}
}

// EmitWorkflowCompleted notifies all extensions that implement WorkflowCompleted.
func (r *Registry) EmitWorkflowCompleted(ctx context.Context, in *workflow.Instance, elapsed time.Duration) {
	for _, e := range r.workflowCompleted {
		if err := e.hook.OnWorkflowCompleted(ctx, in, elapsed); err != nil {
			r.logHookError("OnWorkflowCompleted", e.name, err)
		}
	}
}

// EmitWorkflowFailed notifies all extensions that implement WorkflowFailed.
func (r *Registry) EmitWorkflowFailed(ctx context.Context, in *workflow.Instance, wfErr error) {
	for _, e := range r.workflowFailed {
		if err := e.hook.OnWorkflowFailed(ctx, in, wfErr); err != nil {
			r.logHookError("OnWorkflowFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Step event emitters
// ──────────────────────────────────────────────────

// EmitStepCompleted notifies all extensions that implement StepCompleted.
func (r *Registry) EmitStepCompleted(ctx context.Context, in *workflow.Instance, cp *checkpoint.Checkpoint, elapsed time.Duration) {
	for _, e := range r.stepCompleted {
		if err := e.hook.OnStepCompleted(ctx, in, cp, elapsed); err != nil {
			r.logHookError("OnStepCompleted", e.name, err)
		}
	}
}

// EmitStepFailed notifies all extensions that implement StepFailed.
func (r *Registry) EmitStepFailed(ctx context.Context, in *workflow.Instance, stepID string, stepErr error) {
	for _, e := range r.stepFailed {
		if err := e.hook.OnStepFailed(ctx, in, stepID, stepErr); err != nil {
			r.logHookError("OnStepFailed", e.name, err)
		}
	}
}

// EmitStepSkipped notifies all extensions that implement StepSkipped.
func (r *Registry) EmitStepSkipped(ctx context.Context, in *workflow.Instance, stepID string) {
	for _, e := range r.stepSkipped {
		if err := e.hook.OnStepSkipped(ctx, in, stepID); err != nil {
			r.logHookError("OnStepSkipped", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Budget event emitters
// ──────────────────────────────────────────────────

// EmitBudgetDenied notifies all extensions that implement BudgetDenied.
func (r *Registry) EmitBudgetDenied(ctx context.Context, in *workflow.Instance, stepID string, d budget.Decision) {
	for _, e := range r.budgetDenied {
		if err := e.hook.OnBudgetDenied(ctx, in, stepID, d); err != nil {
			r.logHookError("OnBudgetDenied", e.name, err)
		}
	}
}

// EmitBudgetSettled notifies all extensions that implement BudgetSettled.
func (r *Registry) EmitBudgetSettled(ctx context.Context, in *workflow.Instance, entry *budget.CostLedgerEntry) {
	for _, e := range r.budgetSettled {
		if err := e.hook.OnBudgetSettled(ctx, in, entry); err != nil {
			r.logHookError("OnBudgetSettled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitInterventionApplied notifies all extensions that implement InterventionApplied.
func (r *Registry) EmitInterventionApplied(ctx context.Context, in *workflow.Instance, op workflow.Op) {
	for _, e := range r.interventionApplied {
		if err := e.hook.OnInterventionApplied(ctx, in, op); err != nil {
			r.logHookError("OnInterventionApplied", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
