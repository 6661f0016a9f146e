package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/ext"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*Extension)(nil)
	_ ext.WorkflowStarted     = (*Extension)(nil)
	_ ext.StateChanged        = (*Extension)(nil)
	_ ext.WorkflowCompleted   = (*Extension)(nil)
	_ ext.WorkflowFailed      = (*Extension)(nil)
	_ ext.StepCompleted       = (*Extension)(nil)
	_ ext.StepFailed          = (*Extension)(nil)
	_ ext.StepSkipped         = (*Extension)(nil)
	_ ext.BudgetDenied        = (*Extension)(nil)
	_ ext.BudgetSettled       = (*Extension)(nil)
	_ ext.InterventionApplied = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement. It is
// defined locally so the package carries no backend dependency; callers
// inject their concrete trail at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one immutable entry in the audit trail.
type AuditEvent struct {
	// EventID is a unique "evt"-prefixed identifier assigned on emit.
	EventID id.EventID `json:"event_id"`

	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges Loom lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Workflow lifecycle hooks ────────────────────────

// OnWorkflowStarted implements ext.WorkflowStarted.
func (e *Extension) OnWorkflowStarted(ctx context.Context, in *workflow.Instance) error {
	return e.record(ctx, ActionWorkflowStarted, SeverityInfo, OutcomeSuccess,
		ResourceWorkflow, in.ID.String(), CategoryWorkflow, nil,
		"template_id", in.TemplateID,
		"budget_total", in.BudgetTotal,
	)
}

// OnStateChanged implements ext.StateChanged.
func (e *Extension) OnStateChanged(ctx context.Context, in *workflow.Instance, from, to workflow.State) error {
	return e.record(ctx, ActionStateChanged, SeverityInfo, OutcomeSuccess,
		ResourceWorkflow, in.ID.String(), CategoryWorkflow, nil,
		"template_id", in.TemplateID,
		"from", string(from),
		"to", string(to),
	)
}

// OnWorkflowCompleted implements ext.WorkflowCompleted.
func (e *Extension) OnWorkflowCompleted(ctx context.Context, in *workflow.Instance, elapsed time.Duration) error {
	return e.record(ctx, ActionWorkflowCompleted, SeverityInfo, OutcomeSuccess,
		ResourceWorkflow, in.ID.String(), CategoryWorkflow, nil,
		"template_id", in.TemplateID,
		"elapsed_ms", elapsed.Milliseconds(),
		"budget_remaining", in.BudgetRemaining,
	)
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (e *Extension) OnWorkflowFailed(ctx context.Context, in *workflow.Instance, wfErr error) error {
	return e.record(ctx, ActionWorkflowFailed, SeverityCritical, OutcomeFailure,
		ResourceWorkflow, in.ID.String(), CategoryWorkflow, wfErr,
		"template_id", in.TemplateID,
		"current_step", in.CurrentStep,
	)
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepCompleted implements ext.StepCompleted.
func (e *Extension) OnStepCompleted(ctx context.Context, in *workflow.Instance, cp *checkpoint.Checkpoint, elapsed time.Duration) error {
	return e.record(ctx, ActionStepCompleted, SeverityInfo, OutcomeSuccess,
		ResourceStep, in.ID.String(), CategoryStep, nil,
		"step_id", cp.StepID,
		"agent_id", cp.AgentID,
		"elapsed_ms", elapsed.Milliseconds(),
		"cost", cp.CostIncurred,
	)
}

// OnStepFailed implements ext.StepFailed.
func (e *Extension) OnStepFailed(ctx context.Context, in *workflow.Instance, stepID string, stepErr error) error {
	return e.record(ctx, ActionStepFailed, SeverityWarning, OutcomeFailure,
		ResourceStep, in.ID.String(), CategoryStep, stepErr,
		"step_id", stepID,
		"failures", in.LoopCount[stepID],
	)
}

// OnStepSkipped implements ext.StepSkipped.
func (e *Extension) OnStepSkipped(ctx context.Context, in *workflow.Instance, stepID string) error {
	return e.record(ctx, ActionStepSkipped, SeverityWarning, OutcomeSuccess,
		ResourceStep, in.ID.String(), CategoryStep, nil,
		"step_id", stepID,
	)
}

// ── Budget hooks ────────────────────────────────────

// OnBudgetDenied implements ext.BudgetDenied.
func (e *Extension) OnBudgetDenied(ctx context.Context, in *workflow.Instance, stepID string, d budget.Decision) error {
	return e.record(ctx, ActionBudgetDenied, SeverityWarning, OutcomeFailure,
		ResourceBudget, in.ID.String(), CategoryBudget, nil,
		"step_id", stepID,
		"estimate", d.Estimate,
		"remaining", in.BudgetRemaining,
		"reason", d.Reason,
	)
}

// OnBudgetSettled implements ext.BudgetSettled.
func (e *Extension) OnBudgetSettled(ctx context.Context, in *workflow.Instance, entry *budget.CostLedgerEntry) error {
	return e.record(ctx, ActionBudgetSettled, SeverityInfo, OutcomeSuccess,
		ResourceBudget, in.ID.String(), CategoryBudget, nil,
		"step_id", entry.StepID,
		"cost", entry.Cost,
		"remaining", in.BudgetRemaining,
	)
}

// ── Intervention hooks ──────────────────────────────

// OnInterventionApplied implements ext.InterventionApplied.
func (e *Extension) OnInterventionApplied(ctx context.Context, in *workflow.Instance, op workflow.Op) error {
	return e.record(ctx, ActionInterventionApplied, SeverityInfo, OutcomeSuccess,
		ResourceWorkflow, in.ID.String(), CategoryWorkflow, nil,
		"op", string(op),
		"state", string(in.State),
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		EventID:    id.NewEventID(),
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
