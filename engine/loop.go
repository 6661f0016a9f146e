package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/id"
	mw "github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/taskqueue"
	"github.com/loomworks/loom/workflow"
)

// CreateParams are the inputs for a new workflow instance.
type CreateParams struct {
	TemplateID   string   `json:"template_id"`
	Query        string   `json:"query"`
	Budget       float64  `json:"budget"`
	SeedPapers   []string `json:"seed_papers,omitempty"`
	ManifestPath string   `json:"manifest_path,omitempty"`
}

// Create persists a new workflow instance in PENDING state. The template
// must be registered; execution begins with Start or Submit.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*workflow.Instance, error) {
	tpl, err := e.templates.Get(p.TemplateID)
	if err != nil {
		return nil, err
	}
	if p.Budget < 0 {
		return nil, fmt.Errorf("loom: budget %.4f is negative", p.Budget)
	}

	in := &workflow.Instance{
		Entity:          loom.NewEntity(),
		ID:              id.NewWorkflowID(),
		TemplateID:      p.TemplateID,
		Query:           p.Query,
		State:           workflow.StatePending,
		CurrentStep:     tpl.Steps[0].ID,
		BudgetTotal:     p.Budget,
		BudgetRemaining: p.Budget,
		SeedPapers:      p.SeedPapers,
		ManifestPath:    p.ManifestPath,
	}
	if err := e.workflows.CreateInstance(ctx, in); err != nil {
		return nil, fmt.Errorf("loom: create instance: %w", err)
	}

	e.logger.Info("workflow created",
		slog.String("workflow_id", in.ID.String()),
		slog.String("template", p.TemplateID),
		slog.Float64("budget", p.Budget),
	)
	return in, nil
}

// Submit starts a pending workflow and hands its execution to the task
// queue. The returned task is the queue handle.
func (e *Engine) Submit(ctx context.Context, wfID id.WorkflowID) (*taskqueue.Task, error) {
	if err := e.Start(ctx, wfID); err != nil {
		return nil, err
	}
	return e.pool.Submit(ctx, wfID)
}

// Start transitions a PENDING workflow to RUNNING. It does not execute
// any step: drive the loop with Run (inline) or Submit (queued).
func (e *Engine) Start(ctx context.Context, wfID id.WorkflowID) error {
	unlock := e.lock(wfID)
	defer unlock()

	in, err := e.workflows.GetInstance(ctx, wfID)
	if err != nil {
		return err
	}
	if err := workflow.CheckOp(workflow.OpStart, in.State); err != nil {
		return err
	}

	in.StartedAt = time.Now().UTC()
	e.transition(ctx, in, workflow.StateRunning)
	if err := e.workflows.UpdateInstance(ctx, in); err != nil {
		return fmt.Errorf("loom: update instance: %w", err)
	}
	e.extensions.EmitWorkflowStarted(ctx, in)
	return nil
}

// Run drives the step loop for one workflow until it completes, fails,
// or parks (PAUSED, OVER_BUDGET, WAITING_DIRECTION). Parking is not an
// error: Run returns nil and the loop re-enters on the next resume.
//
// Run is safe to call for a workflow another goroutine is driving — each
// iteration serializes on the per-workflow lock and re-reads state — but
// the queue ensures at most one active executor per workflow.
func (e *Engine) Run(ctx context.Context, wfID id.WorkflowID) error {
	if err := e.reconcile(ctx, wfID); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		more, wait, err := e.step(ctx, wfID)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// reconcile settles any checkpoint whose cost never reached the ledger —
// the crash-between-checkpoint-and-settle window. Idempotent: already
// ledgered checkpoints deduct nothing.
func (e *Engine) reconcile(ctx context.Context, wfID id.WorkflowID) error {
	unlock := e.lock(wfID)
	defer unlock()

	in, err := e.workflows.GetInstance(ctx, wfID)
	if err != nil {
		return err
	}
	if in.State != workflow.StateRunning {
		return nil
	}

	cps, err := e.checkpoints.ListCheckpoints(ctx, wfID)
	if err != nil {
		return fmt.Errorf("loom: list checkpoints: %w", err)
	}
	before := in.BudgetRemaining
	if err := e.governor.Reconcile(ctx, in, cps); err != nil {
		return err
	}
	if in.BudgetRemaining != before {
		if err := e.workflows.UpdateInstance(ctx, in); err != nil {
			return fmt.Errorf("loom: update instance: %w", err)
		}
	}
	return nil
}

// step executes one loop iteration under the workflow lock. It reports
// whether the loop should continue and an optional retry delay to wait
// (outside the lock) before the next iteration. Errors are infrastructure
// failures; step execution failures are absorbed into instance state.
func (e *Engine) step(ctx context.Context, wfID id.WorkflowID) (more bool, wait time.Duration, err error) {
	unlock := e.lock(wfID)
	defer unlock()

	in, err := e.workflows.GetInstance(ctx, wfID)
	if err != nil {
		return false, 0, err
	}
	// An intervention may have parked or cancelled the workflow between
	// iterations; the loop simply stops scheduling.
	if in.State != workflow.StateRunning {
		return false, 0, nil
	}

	tpl, err := e.templates.Get(in.TemplateID)
	if err != nil {
		return false, 0, err
	}

	// The authoritative position is checkpoint presence, not CurrentStep:
	// the next step is the first template step without a checkpoint.
	cps, err := e.checkpoints.ListCheckpoints(ctx, wfID)
	if err != nil {
		return false, 0, fmt.Errorf("loom: list checkpoints: %w", err)
	}
	done := make(map[string]*checkpoint.Checkpoint, len(cps))
	for _, cp := range cps {
		done[cp.StepID] = cp
	}

	var stepDef workflow.StepDef
	found := false
	for _, s := range tpl.Steps {
		if _, ok := done[s.ID]; !ok {
			stepDef = s
			found = true
			break
		}
	}
	if !found {
		e.transition(ctx, in, workflow.StateCompleted)
		if err := e.workflows.UpdateInstance(ctx, in); err != nil {
			return false, 0, fmt.Errorf("loom: update instance: %w", err)
		}
		e.extensions.EmitWorkflowCompleted(ctx, in, time.Since(in.StartedAt))
		e.logger.Info("workflow completed",
			slog.String("workflow_id", in.ID.String()),
			slog.Float64("budget_remaining", in.BudgetRemaining),
		)
		return false, 0, nil
	}

	in.CurrentStep = stepDef.ID

	// Budget admission: a denied step is not consumed.
	decision := e.governor.Authorize(ctx, in, stepDef)
	if !decision.Allowed {
		e.transition(ctx, in, workflow.StateOverBudget)
		if err := e.workflows.UpdateInstance(ctx, in); err != nil {
			return false, 0, fmt.Errorf("loom: update instance: %w", err)
		}
		e.extensions.EmitBudgetDenied(ctx, in, stepDef.ID, decision)
		e.logger.Warn("budget denied, parking workflow",
			slog.String("workflow_id", in.ID.String()),
			slog.String("step", stepDef.ID),
			slog.String("reason", decision.Reason),
		)
		return false, 0, nil
	}

	// Direction check: park until an operator responds.
	if stepDef.DirectionCheck && in.PendingDirective == "" {
		e.transition(ctx, in, workflow.StateWaitingDirection)
		if err := e.workflows.UpdateInstance(ctx, in); err != nil {
			return false, 0, fmt.Errorf("loom: update instance: %w", err)
		}
		e.logger.Info("workflow waiting for direction",
			slog.String("workflow_id", in.ID.String()),
			slog.String("step", stepDef.ID),
		)
		return false, 0, nil
	}

	executor, err := e.agents.Get(stepDef.AgentID)
	if err != nil {
		// A missing agent is a wiring error, not a transient failure.
		in.LastError = err.Error()
		e.transition(ctx, in, workflow.StateFailed)
		if updErr := e.workflows.UpdateInstance(ctx, in); updErr != nil {
			return false, 0, fmt.Errorf("loom: update instance: %w", updErr)
		}
		e.extensions.EmitWorkflowFailed(ctx, in, err)
		return false, 0, nil
	}

	prior := make(map[string]json.RawMessage, len(done))
	for stepID, cp := range done {
		prior[stepID] = cp.Output
	}
	agentCtx := agent.Context{
		WorkflowID:   in.ID,
		Query:        in.Query,
		PriorOutputs: prior,
		Notes:        in.InjectedNotes,
		Directive:    in.PendingDirective,
		SeedPapers:   in.SeedPapers,
		ManifestPath: in.ManifestPath,
	}

	call := &mw.Call{
		WorkflowID: in.ID,
		StepID:     stepDef.ID,
		AgentID:    stepDef.AgentID,
		Attempt:    in.LoopCount[stepDef.ID] + 1,
		RateClass:  stepDef.RateClass,
	}

	startedAt := time.Now().UTC()
	var res agent.Result
	execErr := e.chain(ctx, call, func(ctx context.Context) error {
		r, execErr := executor.Execute(ctx, stepDef, agentCtx)
		if execErr != nil {
			return execErr
		}
		res = r
		return nil
	})

	if execErr != nil {
		return e.stepFailed(ctx, in, tpl, stepDef, execErr)
	}

	now := time.Now().UTC()
	cp := &checkpoint.Checkpoint{
		ID:               id.NewCheckpointID(),
		WorkflowID:       in.ID,
		StepID:           stepDef.ID,
		StepIndex:        tpl.StepIndex(stepDef.ID),
		AgentID:          stepDef.AgentID,
		Status:           checkpoint.StatusCompleted,
		Output:           res.Output,
		CostIncurred:     res.Cost,
		IdempotencyToken: checkpoint.NewToken(),
		StartedAt:        startedAt,
		CompletedAt:      now,
	}
	entry := &budget.CostLedgerEntry{
		ID:               id.NewCostID(),
		WorkflowID:       in.ID,
		StepID:           stepDef.ID,
		AgentID:          stepDef.AgentID,
		InputTokens:      res.InputTokens,
		OutputTokens:     res.OutputTokens,
		Cost:             res.Cost,
		IdempotencyToken: cp.IdempotencyToken,
		CreatedAt:        now,
	}

	if e.atomicSaves != nil {
		// Checkpoint and ledger entry land in one transaction; a failure
		// means neither did, so the queue redelivery recomputes the step.
		inserted, saveErr := e.atomicSaves.SaveCheckpointAndCost(ctx, cp, entry)
		if saveErr != nil {
			return false, 0, saveErr
		}
		if inserted {
			e.governor.SettleRecorded(in, entry)
		}
	} else {
		// A lost checkpoint write is a recoverable degradation: the step is
		// recomputed on resume, and the idempotency token keeps the ledger
		// consistent either way.
		if saveErr := e.checkpoints.SaveCheckpoint(ctx, cp); saveErr != nil {
			e.logger.Error("checkpoint write failed",
				slog.String("workflow_id", in.ID.String()),
				slog.String("step", stepDef.ID),
				slog.String("error", saveErr.Error()),
			)
		}
		if settleErr := e.governor.Settle(ctx, in, entry); settleErr != nil {
			return false, 0, settleErr
		}
	}

	if stepDef.DirectionCheck {
		// The directive was consumed by this step's context.
		in.PendingDirective = ""
	}
	in.StepHistory = append(in.StepHistory, workflow.StepSummary{
		StepID:      stepDef.ID,
		AgentID:     stepDef.AgentID,
		Status:      string(checkpoint.StatusCompleted),
		Cost:        res.Cost,
		CompletedAt: now,
	})
	e.advance(in, tpl, stepDef.ID, done)

	if err := e.workflows.UpdateInstance(ctx, in); err != nil {
		return false, 0, fmt.Errorf("loom: update instance: %w", err)
	}

	e.extensions.EmitStepCompleted(ctx, in, cp, now.Sub(startedAt))
	e.extensions.EmitBudgetSettled(ctx, in, entry)
	e.logger.Info("step completed",
		slog.String("workflow_id", in.ID.String()),
		slog.String("step", stepDef.ID),
		slog.Float64("cost", res.Cost),
		slog.Float64("budget_remaining", in.BudgetRemaining),
	)
	return true, 0, nil
}

// stepFailed handles a collaborator failure: retry under the per-step
// ceiling, skip-and-advance for optional steps, fail otherwise.
func (e *Engine) stepFailed(ctx context.Context, in *workflow.Instance, tpl *workflow.Template, stepDef workflow.StepDef, execErr error) (bool, time.Duration, error) {
	failures := in.Bump(stepDef.ID)
	in.LastError = execErr.Error()
	e.extensions.EmitStepFailed(ctx, in, stepDef.ID, execErr)

	ceiling := stepDef.MaxRetries
	if ceiling <= 0 {
		ceiling = e.cfg.DefaultStepRetries
	}

	if failures <= ceiling {
		if err := e.workflows.UpdateInstance(ctx, in); err != nil {
			return false, 0, fmt.Errorf("loom: update instance: %w", err)
		}
		delay := e.retry.Delay(failures)
		e.logger.Warn("step failed, retrying",
			slog.String("workflow_id", in.ID.String()),
			slog.String("step", stepDef.ID),
			slog.Int("failures", failures),
			slog.Duration("delay", delay),
			slog.String("error", execErr.Error()),
		)
		return true, delay, nil
	}

	if stepDef.Optional {
		// Record the failure as a checkpoint so the loop advances past it.
		now := time.Now().UTC()
		cp := &checkpoint.Checkpoint{
			ID:               id.NewCheckpointID(),
			WorkflowID:       in.ID,
			StepID:           stepDef.ID,
			StepIndex:        tpl.StepIndex(stepDef.ID),
			AgentID:          stepDef.AgentID,
			Status:           checkpoint.StatusSkipped,
			IdempotencyToken: checkpoint.NewToken(),
			CompletedAt:      now,
			Error:            execErr.Error(),
		}
		if saveErr := e.checkpoints.SaveCheckpoint(ctx, cp); saveErr != nil {
			e.logger.Error("failure checkpoint write failed",
				slog.String("workflow_id", in.ID.String()),
				slog.String("step", stepDef.ID),
				slog.String("error", saveErr.Error()),
			)
		}
		in.StepHistory = append(in.StepHistory, workflow.StepSummary{
			StepID:      stepDef.ID,
			AgentID:     stepDef.AgentID,
			Status:      string(checkpoint.StatusSkipped),
			CompletedAt: now,
		})
		e.advanceFrom(in, tpl, stepDef.ID)
		if err := e.workflows.UpdateInstance(ctx, in); err != nil {
			return false, 0, fmt.Errorf("loom: update instance: %w", err)
		}
		e.extensions.EmitStepSkipped(ctx, in, stepDef.ID)
		e.logger.Warn("optional step exhausted retries, skipping",
			slog.String("workflow_id", in.ID.String()),
			slog.String("step", stepDef.ID),
			slog.String("error", execErr.Error()),
		)
		return true, 0, nil
	}

	e.transition(ctx, in, workflow.StateFailed)
	if err := e.workflows.UpdateInstance(ctx, in); err != nil {
		return false, 0, fmt.Errorf("loom: update instance: %w", err)
	}
	e.extensions.EmitWorkflowFailed(ctx, in, execErr)
	e.logger.Error("critical step exhausted retries, workflow failed",
		slog.String("workflow_id", in.ID.String()),
		slog.String("step", stepDef.ID),
		slog.String("error", execErr.Error()),
	)
	return false, 0, nil
}

// advance moves CurrentStep to the first template step not in done,
// treating justDone as completed.
func (e *Engine) advance(in *workflow.Instance, tpl *workflow.Template, justDone string, done map[string]*checkpoint.Checkpoint) {
	for _, s := range tpl.Steps {
		if s.ID == justDone {
			continue
		}
		if _, ok := done[s.ID]; !ok {
			in.CurrentStep = s.ID
			return
		}
	}
	// Nothing remains; the next iteration transitions to COMPLETED, which
	// sets the terminal CurrentStep sentinel.
}

// advanceFrom is advance for callers that have not loaded the checkpoint
// set: it moves CurrentStep to the template step after stepID.
func (e *Engine) advanceFrom(in *workflow.Instance, tpl *workflow.Template, stepID string) {
	idx := tpl.StepIndex(stepID)
	if idx >= 0 && idx+1 < len(tpl.Steps) {
		in.CurrentStep = tpl.Steps[idx+1].ID
	}
}
