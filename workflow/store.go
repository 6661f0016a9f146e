package workflow

import (
	"context"

	"github.com/loomworks/loom/id"
)

// ListOpts controls pagination for instance list queries.
type ListOpts struct {
	// Limit is the maximum number of instances to return. Zero means no limit.
	Limit int
	// Offset is the number of instances to skip.
	Offset int
	// State filters by workflow state. Empty means all states.
	State State
}

// Store defines the persistence contract for workflow instances.
type Store interface {
	// CreateInstance persists a new workflow instance.
	CreateInstance(ctx context.Context, in *Instance) error

	// GetInstance retrieves a workflow instance by ID.
	GetInstance(ctx context.Context, wfID id.WorkflowID) (*Instance, error)

	// UpdateInstance persists changes to an existing workflow instance.
	UpdateInstance(ctx context.Context, in *Instance) error

	// ListInstances returns workflow instances matching the given options.
	ListInstances(ctx context.Context, opts ListOpts) ([]*Instance, error)
}
