package checkpoint

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/id"
)

// Store defines the persistence contract for step checkpoints.
//
// Implementations must treat (workflow_id, step_id) as the logical key:
// SaveCheckpoint replaces any existing row for the pair. Reads for a
// workflow with no checkpoints return empty results, never an error.
type Store interface {
	// SaveCheckpoint persists a checkpoint, overwriting any existing row
	// for the same (workflow, step) pair.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// GetCheckpoint retrieves the checkpoint for a specific step.
	// Returns (nil, nil) if no checkpoint exists.
	GetCheckpoint(ctx context.Context, wfID id.WorkflowID, stepID string) (*Checkpoint, error)

	// ListCheckpoints returns all checkpoints for a workflow, ordered by
	// step index.
	ListCheckpoints(ctx context.Context, wfID id.WorkflowID) ([]*Checkpoint, error)

	// DeleteCheckpoint removes the checkpoint for a step. Used only by
	// the rerun intervention. Deleting a missing checkpoint is not an
	// error.
	DeleteCheckpoint(ctx context.Context, wfID id.WorkflowID, stepID string) error
}

// LoadCompletedSteps returns a mapping from step id to output payload for
// every checkpointed step of a workflow. The engine's resume path uses it
// to rebuild prior-step context. A workflow with no checkpoints yields an
// empty, non-nil map.
func LoadCompletedSteps(ctx context.Context, s Store, wfID id.WorkflowID) (map[string]json.RawMessage, error) {
	cps, err := s.ListCheckpoints(ctx, wfID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(cps))
	for _, cp := range cps {
		out[cp.StepID] = cp.Output
	}
	return out, nil
}
