package bunstore

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/id"
)

// AppendCostEntry persists a ledger entry. Appending a second entry with
// the same idempotency token is a no-op and inserted is false.
func (s *Store) AppendCostEntry(ctx context.Context, e *budget.CostLedgerEntry) (bool, error) {
	res, err := s.db.NewInsert().Model(toCostEntryModel(e)).
		On("CONFLICT (idempotency_token) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("loom/bun: append cost entry: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// ListCostEntries returns all ledger entries for a workflow in creation
// order.
func (s *Store) ListCostEntries(ctx context.Context, wfID id.WorkflowID) ([]*budget.CostLedgerEntry, error) {
	var models []costEntryModel
	err := s.db.NewSelect().Model(&models).
		Where("workflow_id = ?", wfID.String()).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: list cost entries: %w", err)
	}

	entries := make([]*budget.CostLedgerEntry, 0, len(models))
	for i := range models {
		e, convErr := fromCostEntryModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("loom/bun: list cost entries convert: %w", convErr)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SumCost returns the total recorded spend for a workflow.
func (s *Store) SumCost(ctx context.Context, wfID id.WorkflowID) (float64, error) {
	var total float64
	err := s.db.NewSelect().
		TableExpr("loom_cost_ledger").
		ColumnExpr("COALESCE(SUM(cost), 0)").
		Where("workflow_id = ?", wfID.String()).
		Scan(ctx, &total)
	if err != nil {
		return 0, fmt.Errorf("loom/bun: sum cost: %w", err)
	}
	return total, nil
}

// AverageCostByStep returns the mean cost and sample count for a step id
// across all workflows.
func (s *Store) AverageCostByStep(ctx context.Context, stepID string) (float64, int, error) {
	var row struct {
		Avg float64
		N   int
	}
	err := s.db.NewSelect().
		TableExpr("loom_cost_ledger").
		ColumnExpr("COALESCE(AVG(cost), 0) AS avg").
		ColumnExpr("COUNT(*) AS n").
		Where("step_id = ?", stepID).
		Scan(ctx, &row)
	if err != nil {
		return 0, 0, fmt.Errorf("loom/bun: average cost by step: %w", err)
	}
	return row.Avg, row.N, nil
}
