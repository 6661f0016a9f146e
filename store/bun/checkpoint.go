package bunstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/id"
)

// SaveCheckpoint upserts a checkpoint keyed by (workflow, step): a second
// save for the same pair replaces the row in place.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	return s.saveCheckpointTx(ctx, s.db, cp)
}

func (s *Store) saveCheckpointTx(ctx context.Context, db bun.IDB, cp *checkpoint.Checkpoint) error {
	m := toCheckpointModel(cp)
	_, err := db.NewInsert().Model(m).
		On("CONFLICT (workflow_id, step_id) DO UPDATE").
		Set("id = EXCLUDED.id").
		Set("step_index = EXCLUDED.step_index").
		Set("agent_id = EXCLUDED.agent_id").
		Set("status = EXCLUDED.status").
		Set("output = EXCLUDED.output").
		Set("cost_incurred = EXCLUDED.cost_incurred").
		Set("idempotency_token = EXCLUDED.idempotency_token").
		Set("started_at = EXCLUDED.started_at").
		Set("completed_at = EXCLUDED.completed_at").
		Set("error = EXCLUDED.error").
		Set("user_adjustment = EXCLUDED.user_adjustment").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/bun: save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the checkpoint for a step, or (nil, nil) when the
// step has no checkpoint yet.
func (s *Store) GetCheckpoint(ctx context.Context, wfID id.WorkflowID, stepID string) (*checkpoint.Checkpoint, error) {
	m := new(checkpointModel)
	err := s.db.NewSelect().Model(m).
		Where("workflow_id = ?", wfID.String()).
		Where("step_id = ?", stepID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("loom/bun: get checkpoint: %w", err)
	}
	return fromCheckpointModel(m)
}

// ListCheckpoints returns all checkpoints for a workflow ordered by step
// index.
func (s *Store) ListCheckpoints(ctx context.Context, wfID id.WorkflowID) ([]*checkpoint.Checkpoint, error) {
	var models []checkpointModel
	err := s.db.NewSelect().Model(&models).
		Where("workflow_id = ?", wfID.String()).
		Order("step_index ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: list checkpoints: %w", err)
	}

	cps := make([]*checkpoint.Checkpoint, 0, len(models))
	for i := range models {
		cp, convErr := fromCheckpointModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("loom/bun: list checkpoints convert: %w", convErr)
		}
		cps = append(cps, cp)
	}
	return cps, nil
}

// DeleteCheckpoint removes the checkpoint for a step. Deleting a missing
// checkpoint is not an error.
func (s *Store) DeleteCheckpoint(ctx context.Context, wfID id.WorkflowID, stepID string) error {
	_, err := s.db.NewDelete().
		TableExpr("loom_checkpoints").
		Where("workflow_id = ?", wfID.String()).
		Where("step_id = ?", stepID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/bun: delete checkpoint: %w", err)
	}
	return nil
}

// SaveCheckpointAndCost writes a checkpoint and its cost-ledger entry in
// one transaction, so the proof of completion and the spend record land
// together or not at all. Inserted is false when an entry with the same
// idempotency token already exists; the checkpoint upsert still applies.
func (s *Store) SaveCheckpointAndCost(ctx context.Context, cp *checkpoint.Checkpoint, e *budget.CostLedgerEntry) (inserted bool, err error) {
	err = s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if txErr := s.saveCheckpointTx(ctx, tx, cp); txErr != nil {
			return txErr
		}

		res, txErr := tx.NewInsert().Model(toCostEntryModel(e)).
			On("CONFLICT (idempotency_token) DO NOTHING").
			Exec(ctx)
		if txErr != nil {
			return fmt.Errorf("loom/bun: append cost entry: %w", txErr)
		}
		rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
		inserted = rows > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}
