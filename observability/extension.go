package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/ext"
	"github.com/loomworks/loom/workflow"
)

// meterName is the instrumentation scope name for loom lifecycle metrics.
const meterName = "github.com/loomworks/loom/observability"

// Compile-time interface checks.
var (
	_ ext.Extension           = (*MetricsExtension)(nil)
	_ ext.WorkflowStarted     = (*MetricsExtension)(nil)
	_ ext.WorkflowCompleted   = (*MetricsExtension)(nil)
	_ ext.WorkflowFailed      = (*MetricsExtension)(nil)
	_ ext.StepCompleted       = (*MetricsExtension)(nil)
	_ ext.StepFailed          = (*MetricsExtension)(nil)
	_ ext.StepSkipped         = (*MetricsExtension)(nil)
	_ ext.BudgetDenied        = (*MetricsExtension)(nil)
	_ ext.BudgetSettled       = (*MetricsExtension)(nil)
	_ ext.InterventionApplied = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters. Register it as
// a Loom extension to automatically track workflow starts, completions,
// failures, step outcomes, budget denials, settled spend, and operator
// interventions.
type MetricsExtension struct {
	workflowStarted   metric.Int64Counter
	workflowCompleted metric.Int64Counter
	workflowFailed    metric.Int64Counter
	workflowDuration  metric.Float64Histogram
	stepCompleted     metric.Int64Counter
	stepFailed        metric.Int64Counter
	stepSkipped       metric.Int64Counter
	budgetDenied      metric.Int64Counter
	budgetSpend       metric.Float64Counter
	interventions     metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. Without a configured provider the instruments are noop.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a specific MeterProvider
// for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	// On error the OTel API returns noop instruments, so errors are
	// ignored and the extension degrades gracefully.
	m.workflowStarted, _ = meter.Int64Counter("loom.workflow.started",
		metric.WithDescription("Total workflow instances started"),
		metric.WithUnit("{workflow}"))
	m.workflowCompleted, _ = meter.Int64Counter("loom.workflow.completed",
		metric.WithDescription("Total workflow instances completed"),
		metric.WithUnit("{workflow}"))
	m.workflowFailed, _ = meter.Int64Counter("loom.workflow.failed",
		metric.WithDescription("Total workflow instances failed"),
		metric.WithUnit("{workflow}"))
	m.workflowDuration, _ = meter.Float64Histogram("loom.workflow.duration",
		metric.WithDescription("End-to-end workflow duration in seconds"),
		metric.WithUnit("s"))
	m.stepCompleted, _ = meter.Int64Counter("loom.step.completed",
		metric.WithDescription("Total steps completed"),
		metric.WithUnit("{step}"))
	m.stepFailed, _ = meter.Int64Counter("loom.step.failed",
		metric.WithDescription("Total steps failed terminally"),
		metric.WithUnit("{step}"))
	m.stepSkipped, _ = meter.Int64Counter("loom.step.skipped",
		metric.WithDescription("Total steps skipped"),
		metric.WithUnit("{step}"))
	m.budgetDenied, _ = meter.Int64Counter("loom.budget.denied",
		metric.WithDescription("Total admission-control denials"),
		metric.WithUnit("{denial}"))
	m.budgetSpend, _ = meter.Float64Counter("loom.budget.spend",
		metric.WithDescription("Total settled spend in budget units"),
		metric.WithUnit("1"))
	m.interventions, _ = meter.Int64Counter("loom.intervention.applied",
		metric.WithDescription("Total operator interventions applied"),
		metric.WithUnit("{intervention}"))

	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Workflow lifecycle hooks ────────────────────────

// OnWorkflowStarted implements ext.WorkflowStarted.
func (m *MetricsExtension) OnWorkflowStarted(ctx context.Context, in *workflow.Instance) error {
	m.workflowStarted.Add(ctx, 1, templateAttr(in))
	return nil
}

// OnWorkflowCompleted implements ext.WorkflowCompleted.
func (m *MetricsExtension) OnWorkflowCompleted(ctx context.Context, in *workflow.Instance, elapsed time.Duration) error {
	m.workflowCompleted.Add(ctx, 1, templateAttr(in))
	m.workflowDuration.Record(ctx, elapsed.Seconds(), templateAttr(in))
	return nil
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (m *MetricsExtension) OnWorkflowFailed(ctx context.Context, in *workflow.Instance, _ error) error {
	m.workflowFailed.Add(ctx, 1, templateAttr(in))
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepCompleted implements ext.StepCompleted.
func (m *MetricsExtension) OnStepCompleted(ctx context.Context, in *workflow.Instance, cp *checkpoint.Checkpoint, _ time.Duration) error {
	m.stepCompleted.Add(ctx, 1, stepAttr(in, cp.StepID))
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (m *MetricsExtension) OnStepFailed(ctx context.Context, in *workflow.Instance, stepID string, _ error) error {
	m.stepFailed.Add(ctx, 1, stepAttr(in, stepID))
	return nil
}

// OnStepSkipped implements ext.StepSkipped.
func (m *MetricsExtension) OnStepSkipped(ctx context.Context, in *workflow.Instance, stepID string) error {
	m.stepSkipped.Add(ctx, 1, stepAttr(in, stepID))
	return nil
}

// ── Budget hooks ────────────────────────────────────

// OnBudgetDenied implements ext.BudgetDenied.
func (m *MetricsExtension) OnBudgetDenied(ctx context.Context, in *workflow.Instance, stepID string, _ budget.Decision) error {
	m.budgetDenied.Add(ctx, 1, stepAttr(in, stepID))
	return nil
}

// OnBudgetSettled implements ext.BudgetSettled.
func (m *MetricsExtension) OnBudgetSettled(ctx context.Context, in *workflow.Instance, e *budget.CostLedgerEntry) error {
	m.budgetSpend.Add(ctx, e.Cost, stepAttr(in, e.StepID))
	return nil
}

// ── Other hooks ─────────────────────────────────────

// OnInterventionApplied implements ext.InterventionApplied.
func (m *MetricsExtension) OnInterventionApplied(ctx context.Context, in *workflow.Instance, op workflow.Op) error {
	m.interventions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("template", in.TemplateID),
		attribute.String("op", string(op)),
	))
	return nil
}

func templateAttr(in *workflow.Instance) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("template", in.TemplateID))
}

func stepAttr(in *workflow.Instance, stepID string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("template", in.TemplateID),
		attribute.String("step", stepID),
	)
}
