package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionWorkflowStarted     = "workflow.started"
	ActionStateChanged        = "workflow.state_changed"
	ActionWorkflowCompleted   = "workflow.completed"
	ActionWorkflowFailed      = "workflow.failed"
	ActionStepCompleted       = "step.completed"
	ActionStepFailed          = "step.failed"
	ActionStepSkipped         = "step.skipped"
	ActionBudgetDenied        = "budget.denied"
	ActionBudgetSettled       = "budget.settled"
	ActionInterventionApplied = "intervention.applied"
)

// Audit event categories group related actions.
const (
	CategoryWorkflow = "loom.workflow"
	CategoryStep     = "loom.step"
	CategoryBudget   = "loom.budget"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceWorkflow = "workflow_instance"
	ResourceStep     = "workflow_step"
	ResourceBudget   = "budget"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionWorkflowStarted,
		ActionStateChanged,
		ActionWorkflowCompleted,
		ActionWorkflowFailed,
		ActionStepCompleted,
		ActionStepFailed,
		ActionStepSkipped,
		ActionBudgetDenied,
		ActionBudgetSettled,
		ActionInterventionApplied,
	}
}
