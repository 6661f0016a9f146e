// Package audithook is a Loom extension that bridges lifecycle events to
// an immutable audit trail backend.
//
// Every workflow, step, budget, and intervention lifecycle hook emits a
// structured audit event through the [Recorder] interface. The extension
// assigns severity levels (info for normal operations, warning for
// recoverable failures, critical for terminal ones) and rich metadata
// (template id, step id, budget figures, errors).
//
// # Usage
//
//	audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	    return trail.Write(ctx, evt.Action, evt.ResourceID, evt.Metadata)
//	}))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionWorkflowFailed,
//	        audithook.ActionBudgetDenied,
//	        audithook.ActionInterventionApplied,
//	    ),
//	)
package audithook
