package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// Interventions are the operator-facing mutations of a running workflow.
// Every operation checks its state precondition via workflow.CheckOp and
// returns an *workflow.IllegalTransitionError when violated. All of them
// serialize with the step loop on the per-workflow lock, so an
// intervention applies between loop iterations, never mid-step.

// Pause halts the step loop before its next iteration. An in-flight step
// completes and checkpoints; no further step is scheduled.
func (e *Engine) Pause(ctx context.Context, wfID id.WorkflowID) error {
	unlock := e.lock(wfID)
	defer unlock()

	in, err := e.workflows.GetInstance(ctx, wfID)
	if err != nil {
		return err
	}
	if err := workflow.CheckOp(workflow.OpPause, in.State); err != nil {
		return err
	}

	e.transition(ctx, in, workflow.StatePaused)
	if err := e.workflows.UpdateInstance(ctx, in); err != nil {
		return fmt.Errorf("loom: update instance: %w", err)
	}
	e.extensions.EmitInterventionApplied(ctx, in, workflow.OpPause)
	return nil
}

// Resume returns a parked workflow (PAUSED, OVER_BUDGET,
// WAITING_DIRECTION) to RUNNING and re-enters the step loop via the task
// queue. A positive topUp is applied first, under the top-up preconditions.
func (e *Engine) Resume(ctx context.Context, wfID id.WorkflowID, topUp float64) error {
	unlock := e.lock(wfID)
	defer unlock()

	in, err := e.workflows.GetInstance(ctx, wfID)
	if err != nil {
		return err
	}
	if err := workflow.CheckOp(workflow.OpResume, in.State); err != nil {
		return err
	}
	if topUp > 0 {
		if err := workflow.CheckOp(workflow.OpTopUp, in.State); err != nil {
			return err
		}
		if err := e.governor.TopUp(in, topUp); err != nil {
			return err
		}
	}

	e.transition(ctx, in, workflow.StateRunning)
	if err := e.workflows.UpdateInstance(ctx, in); err != nil {
		return fmt.Errorf("loom: update instance: %w", err)
	}
	e.extensions.EmitInterventionApplied(ctx, in, workflow.OpResume)

	if _, err := e.pool.Submit(ctx, wfID); err != nil {
		return fmt.Errorf("loom: submit resumed workflow: %w", err)
	}
	return nil
}

// Cancel transitions a non-terminal workflow to CANCELLED immediately.
// An in-flight step's result, once produced, is still checkpointed, but
// no further steps execute.
func (e *Engine) Cancel(ctx context.Context, wfID id.WorkflowID) error {
	unlock := e.lock(wfID)
	defer unlock()

	in, err := e.workflows.GetInstance(ctx, wfID)
	if err != nil {
		return err
	}
	if err := workflow.CheckOp(workflow.OpCancel, in.State); err != nil {
		return err
	}

	e.transition(ctx, in, workflow.StateCancelled)
	if err := e.workflows.UpdateInstance(ctx, in); err != nil {
		return fmt.Errorf("loom: update instance: %w", err)
	}
	e.extensions.EmitInterventionApplied(ctx, in, workflow.OpCancel)
	e.logger.Info("workflow cancelled", slog.String("workflow_id", wfID.String()))
	return nil
}

// InjectNote appends an operator note. It takes effect on the next step's
// context assembly, not retroactively.
func (e *Engine) InjectNote(ctx context.Context, wfID id.WorkflowID, text string, action workflow.NoteAction) error {
	unlock := e.lock(wfID)
	defer unlock()

	in, err := e.workflows.GetInstance(ctx, wfID)
	if err != nil {
		return err
	}
	if err := workflow.CheckOp(workflow.OpInjectNote, in.State); err != nil {
		return err
	}

	in.AppendNote(text, action)
	if err := e.workflows.UpdateInstance(ctx, in); err != nil {
		return fmt.Errorf("loom: update instance: %w", err)
	}
	e.extensions.EmitInterventionApplied(ctx, in, workflow.OpInjectNote)
	return nil
}

// DirectionResponse supplies the operator's answer to a direction check
// and implicitly resumes: the response is folded into the checking step's
// input context on the next iteration.
func (e *Engine) DirectionResponse(ctx context.Context, wfID id.WorkflowID, text string) error {
	unlock := e.lock(wfID)
	defer unlock()

	in, err := e.workflows.GetInstance(ctx, wfID)
	if err != nil {
		return err
	}
	if err := workflow.CheckOp(workflow.OpDirectionResponse, in.State); err != nil {
		return err
	}

	in.PendingDirective = text
	e.transition(ctx, in, workflow.StateRunning)
	if err := e.workflows.UpdateInstance(ctx, in); err != nil {
		return fmt.Errorf("loom: update instance: %w", err)
	}
	e.extensions.EmitInterventionApplied(ctx, in, workflow.OpDirectionResponse)

	if _, err := e.pool.Submit(ctx, wfID); err != nil {
		return fmt.Errorf("loom: submit directed workflow: %w", err)
	}
	return nil
}

// TopUp adds budget to a PAUSED or OVER_BUDGET workflow without resuming
// it. Top-up and resume are independent operations.
func (e *Engine) TopUp(ctx context.Context, wfID id.WorkflowID, amount float64) error {
	unlock := e.lock(wfID)
	defer unlock()

	in, err := e.workflows.GetInstance(ctx, wfID)
	if err != nil {
		return err
	}
	if err := workflow.CheckOp(workflow.OpTopUp, in.State); err != nil {
		return err
	}
	if err := e.governor.TopUp(in, amount); err != nil {
		return err
	}

	if err := e.workflows.UpdateInstance(ctx, in); err != nil {
		return fmt.Errorf("loom: update instance: %w", err)
	}
	e.extensions.EmitInterventionApplied(ctx, in, workflow.OpTopUp)
	return nil
}

// RerunStep deletes a step's checkpoint so the loop re-executes it, and
// rewinds CurrentStep if the loop had moved past it. The workflow then
// resumes as if Resume had been called.
func (e *Engine) RerunStep(ctx context.Context, wfID id.WorkflowID, stepID string) error {
	unlock := e.lock(wfID)
	defer unlock()

	in, err := e.workflows.GetInstance(ctx, wfID)
	if err != nil {
		return err
	}
	if err := workflow.CheckOp(workflow.OpRerunStep, in.State); err != nil {
		return err
	}
	tpl, err := e.templates.Get(in.TemplateID)
	if err != nil {
		return err
	}
	idx := tpl.StepIndex(stepID)
	if idx < 0 {
		return fmt.Errorf("%w: template %q has no step %q", loom.ErrStepNotFound, in.TemplateID, stepID)
	}

	if err := e.checkpoints.DeleteCheckpoint(ctx, wfID, stepID); err != nil {
		return fmt.Errorf("loom: delete checkpoint: %w", err)
	}
	// The rerun starts its retry budget fresh.
	delete(in.LoopCount, stepID)

	if cur := tpl.StepIndex(in.CurrentStep); cur < 0 || cur > idx {
		in.CurrentStep = stepID
	}
	if in.State != workflow.StateRunning {
		e.transition(ctx, in, workflow.StateRunning)
	}
	if err := e.workflows.UpdateInstance(ctx, in); err != nil {
		return fmt.Errorf("loom: update instance: %w", err)
	}
	e.extensions.EmitInterventionApplied(ctx, in, workflow.OpRerunStep)

	if _, err := e.pool.Submit(ctx, wfID); err != nil {
		return fmt.Errorf("loom: submit rerun workflow: %w", err)
	}
	return nil
}

// SkipStep writes a checkpoint with status skipped and an empty output,
// advancing past the step without invoking its agent.
func (e *Engine) SkipStep(ctx context.Context, wfID id.WorkflowID, stepID string) error {
	return e.writeManualCheckpoint(ctx, wfID, stepID, workflow.OpSkipStep, checkpoint.StatusSkipped, nil, "")
}

// InjectStep writes a checkpoint with status injected carrying an
// operator-supplied result, advancing past the step without invoking its
// agent. The reason is recorded as the checkpoint's user adjustment.
func (e *Engine) InjectStep(ctx context.Context, wfID id.WorkflowID, stepID string, result json.RawMessage, reason string) error {
	return e.writeManualCheckpoint(ctx, wfID, stepID, workflow.OpInjectStep, checkpoint.StatusInjected, result, reason)
}

// writeManualCheckpoint is the shared body of SkipStep and InjectStep.
func (e *Engine) writeManualCheckpoint(ctx context.Context, wfID id.WorkflowID, stepID string, op workflow.Op, status checkpoint.Status, output json.RawMessage, reason string) error {
	unlock := e.lock(wfID)
	defer unlock()

	in, err := e.workflows.GetInstance(ctx, wfID)
	if err != nil {
		return err
	}
	if err := workflow.CheckOp(op, in.State); err != nil {
		return err
	}
	tpl, err := e.templates.Get(in.TemplateID)
	if err != nil {
		return err
	}
	idx := tpl.StepIndex(stepID)
	if idx < 0 {
		return fmt.Errorf("%w: template %q has no step %q", loom.ErrStepNotFound, in.TemplateID, stepID)
	}

	now := time.Now().UTC()
	stepDef, _ := tpl.Step(stepID)
	cp := &checkpoint.Checkpoint{
		ID:               id.NewCheckpointID(),
		WorkflowID:       wfID,
		StepID:           stepID,
		StepIndex:        idx,
		AgentID:          stepDef.AgentID,
		Status:           status,
		Output:           output,
		IdempotencyToken: checkpoint.NewToken(),
		CompletedAt:      now,
		UserAdjustment:   reason,
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("loom: save checkpoint: %w", err)
	}

	in.StepHistory = append(in.StepHistory, workflow.StepSummary{
		StepID:      stepID,
		AgentID:     stepDef.AgentID,
		Status:      string(status),
		CompletedAt: now,
	})
	if in.CurrentStep == stepID {
		e.advanceFrom(in, tpl, stepID)
	}
	if err := e.workflows.UpdateInstance(ctx, in); err != nil {
		return fmt.Errorf("loom: update instance: %w", err)
	}

	if status == checkpoint.StatusSkipped {
		e.extensions.EmitStepSkipped(ctx, in, stepID)
	}
	e.extensions.EmitInterventionApplied(ctx, in, op)
	return nil
}

// ──────────────────────────────────────────────────
// Read surface
// ──────────────────────────────────────────────────

// Get returns the stored instance.
func (e *Engine) Get(ctx context.Context, wfID id.WorkflowID) (*workflow.Instance, error) {
	return e.workflows.GetInstance(ctx, wfID)
}

// List returns instances matching the options.
func (e *Engine) List(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	return e.workflows.ListInstances(ctx, opts)
}

// Checkpoints returns all checkpoints for a workflow in step order.
func (e *Engine) Checkpoints(ctx context.Context, wfID id.WorkflowID) ([]*checkpoint.Checkpoint, error) {
	return e.checkpoints.ListCheckpoints(ctx, wfID)
}

// Ledger returns the workflow's cost ledger entries in creation order.
func (e *Engine) Ledger(ctx context.Context, wfID id.WorkflowID) ([]*budget.CostLedgerEntry, error) {
	return e.governor.Ledger(ctx, wfID)
}

// GetStatus returns an operator-facing snapshot: state, position,
// history, budget, and every checkpointed output.
func (e *Engine) GetStatus(ctx context.Context, wfID id.WorkflowID) (*workflow.Status, error) {
	in, err := e.workflows.GetInstance(ctx, wfID)
	if err != nil {
		return nil, err
	}
	outputs, err := checkpoint.LoadCompletedSteps(ctx, e.checkpoints, wfID)
	if err != nil {
		return nil, err
	}
	return &workflow.Status{
		ID:              in.ID,
		State:           in.State,
		CurrentStep:     in.CurrentStep,
		StepHistory:     in.StepHistory,
		BudgetTotal:     in.BudgetTotal,
		BudgetRemaining: in.BudgetRemaining,
		LoopCount:       in.LoopCount,
		LastError:       in.LastError,
		Outputs:         outputs,
	}, nil
}
