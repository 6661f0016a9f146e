package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// CreateInstance persists a new workflow instance.
func (s *Store) CreateInstance(ctx context.Context, in *workflow.Instance) error {
	m := toInstanceModel(in)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/bun: create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves a workflow instance by ID.
func (s *Store) GetInstance(ctx context.Context, wfID id.WorkflowID) (*workflow.Instance, error) {
	m := new(instanceModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", wfID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("loom/bun: get instance: %w", err)
	}
	return fromInstanceModel(m)
}

// UpdateInstance persists changes to an existing workflow instance.
func (s *Store) UpdateInstance(ctx context.Context, in *workflow.Instance) error {
	m := toInstanceModel(in)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/bun: update instance: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return loom.ErrWorkflowNotFound
	}
	return nil
}

// ListInstances returns workflow instances matching the given options,
// oldest first.
func (s *Store) ListInstances(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	var models []instanceModel
	q := s.db.NewSelect().Model(&models)

	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}

	q = q.Order("created_at ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: list instances: %w", err)
	}

	instances := make([]*workflow.Instance, 0, len(models))
	for i := range models {
		in, convErr := fromInstanceModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("loom/bun: list instances convert: %w", convErr)
		}
		instances = append(instances, in)
	}
	return instances, nil
}
