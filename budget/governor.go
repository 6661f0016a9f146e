package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed  bool    `json:"allowed"`
	Estimate float64 `json:"estimate"`
	Reason   string  `json:"reason,omitempty"`
}

// Governor enforces spend limits as an admission-control gate. It answers
// "may step X proceed" before execution and settles actual cost after.
// The governor never mutates instance state except through Settle/TopUp,
// and the engine serializes those calls under the per-workflow lock.
type Governor struct {
	store     Store
	estimator Estimator
	ceiling   float64
	logger    *slog.Logger
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// WithTopUpCeiling sets the system-wide maximum for a single top-up.
func WithTopUpCeiling(max float64) GovernorOption {
	return func(g *Governor) { g.ceiling = max }
}

// WithLogger sets the governor's logger.
func WithLogger(l *slog.Logger) GovernorOption {
	return func(g *Governor) { g.logger = l }
}

// NewGovernor creates a Governor over the given ledger store and estimator.
func NewGovernor(store Store, estimator Estimator, opts ...GovernorOption) *Governor {
	g := &Governor{
		store:     store,
		estimator: estimator,
		ceiling:   loom.DefaultConfig().TopUpCeiling,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize decides whether a step may proceed. It denies when the
// estimated cost exceeds the remaining budget, or when a previous settle
// clamped the budget at zero (overdrawn).
func (g *Governor) Authorize(ctx context.Context, in *workflow.Instance, step workflow.StepDef) Decision {
	estimate := g.estimator.EstimateCost(ctx, step)

	if in.Overdrawn {
		return Decision{Allowed: false, Estimate: estimate, Reason: "budget overdrawn by a previous step"}
	}
	if estimate > in.BudgetRemaining {
		return Decision{
			Allowed:  false,
			Estimate: estimate,
			Reason: fmt.Sprintf("estimated cost %.4f exceeds remaining budget %.4f",
				estimate, in.BudgetRemaining),
		}
	}
	return Decision{Allowed: true, Estimate: estimate}
}

// Settle records the actual cost of an executed step: it appends a ledger
// entry (idempotent on token) and deducts from the instance's remaining
// budget. If the deduction would go negative, the remaining budget is
// clamped to zero and the instance is flagged overdrawn so the next
// authorization denies.
//
// Settle deducts only when the ledger append actually inserted: a task
// redelivered by the queue that reaches settlement with a token that
// already landed deducts nothing.
func (g *Governor) Settle(ctx context.Context, in *workflow.Instance, e *CostLedgerEntry) error {
	if e.ID.IsNil() {
		e.ID = id.NewCostID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	inserted, err := g.store.AppendCostEntry(ctx, e)
	if err != nil {
		return fmt.Errorf("budget: append ledger entry for %s/%s: %w", e.WorkflowID, e.StepID, err)
	}
	if !inserted {
		g.logger.Debug("duplicate settlement skipped",
			slog.String("workflow_id", e.WorkflowID.String()),
			slog.String("step", e.StepID),
			slog.String("token", e.IdempotencyToken),
		)
		return nil
	}

	g.deduct(in, e.Cost)
	return nil
}

// SettleRecorded deducts a cost whose ledger entry has already been
// written — the path used when a store lands the checkpoint and ledger
// entry in one transaction. The caller must only pass entries whose
// append actually inserted.
func (g *Governor) SettleRecorded(in *workflow.Instance, e *CostLedgerEntry) {
	g.deduct(in, e.Cost)
}

// Reconcile settles any checkpoint whose cost never reached the ledger —
// the crash-between-checkpoint-and-settle case. Called on the engine's
// resume path; deduction derives from checkpoint presence, so replaying
// reconciliation is idempotent.
func (g *Governor) Reconcile(ctx context.Context, in *workflow.Instance, cps []*checkpoint.Checkpoint) error {
	for _, cp := range cps {
		if cp.CostIncurred == 0 {
			continue
		}
		entry := &CostLedgerEntry{
			ID:               id.NewCostID(),
			WorkflowID:       cp.WorkflowID,
			StepID:           cp.StepID,
			AgentID:          cp.AgentID,
			Cost:             cp.CostIncurred,
			IdempotencyToken: cp.IdempotencyToken,
			CreatedAt:        time.Now().UTC(),
		}
		inserted, err := g.store.AppendCostEntry(ctx, entry)
		if err != nil {
			return fmt.Errorf("budget: reconcile %s/%s: %w", cp.WorkflowID, cp.StepID, err)
		}
		if inserted {
			g.logger.Info("reconciled unsettled checkpoint",
				slog.String("workflow_id", cp.WorkflowID.String()),
				slog.String("step", cp.StepID),
				slog.Float64("cost", cp.CostIncurred),
			)
			g.deduct(in, cp.CostIncurred)
		}
	}
	return nil
}

// TopUp adds to both the total and remaining budget. The amount must be
// non-negative and bounded by the system-wide ceiling. State preconditions
// (OVER_BUDGET or PAUSED only) are enforced by the engine's intervention
// handler before TopUp is called.
func (g *Governor) TopUp(in *workflow.Instance, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("%w: amount %.4f is negative", loom.ErrTopUpRejected, amount)
	}
	if amount > g.ceiling {
		return fmt.Errorf("%w: amount %.4f exceeds ceiling %.4f", loom.ErrTopUpRejected, amount, g.ceiling)
	}

	in.BudgetTotal += amount
	in.BudgetRemaining += amount
	if in.BudgetRemaining > 0 {
		in.Overdrawn = false
	}

	g.logger.Info("budget topped up",
		slog.String("workflow_id", in.ID.String()),
		slog.Float64("amount", amount),
		slog.Float64("remaining", in.BudgetRemaining),
	)
	return nil
}

// Spent returns the total ledger-recorded spend for a workflow.
func (g *Governor) Spent(ctx context.Context, wfID id.WorkflowID) (float64, error) {
	return g.store.SumCost(ctx, wfID)
}

// Ledger returns the workflow's cost ledger entries in creation order.
func (g *Governor) Ledger(ctx context.Context, wfID id.WorkflowID) ([]*CostLedgerEntry, error) {
	return g.store.ListCostEntries(ctx, wfID)
}

func (g *Governor) deduct(in *workflow.Instance, cost float64) {
	in.BudgetRemaining -= cost
	if in.BudgetRemaining < 0 {
		g.logger.Warn("actual cost overdrew budget, clamping to zero",
			slog.String("workflow_id", in.ID.String()),
			slog.Float64("overdraft", -in.BudgetRemaining),
		)
		in.BudgetRemaining = 0
		in.Overdrawn = true
	}
}
