package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/taskqueue"
)

// EnqueueTask persists a new task in pending state.
func (s *Store) EnqueueTask(ctx context.Context, t *taskqueue.Task) error {
	m := toTaskModel(t)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("loom/bun: task %s already enqueued: %w", t.ID, err)
		}
		return fmt.Errorf("loom/bun: enqueue task: %w", err)
	}
	return nil
}

// DequeueTasks atomically claims up to limit pending tasks whose run_at
// has passed: sets them running under workerID, increments attempts, and
// stamps started_at/heartbeat_at. Uses SELECT FOR UPDATE SKIP LOCKED so
// concurrent workers never claim the same task.
func (s *Store) DequeueTasks(ctx context.Context, workerID id.WorkerID, limit int) ([]*taskqueue.Task, error) {
	var models []taskModel
	_, err := s.db.NewRaw(`
		WITH claimed AS (
			UPDATE loom_tasks
			SET state = 'running',
			    worker_id = ?0,
			    attempts = attempts + 1,
			    started_at = NOW(),
			    heartbeat_at = NOW(),
			    updated_at = NOW()
			WHERE id IN (
				SELECT id FROM loom_tasks
				WHERE state = 'pending'
				  AND run_at <= NOW()
				ORDER BY run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT ?1
			)
			RETURNING *
		)
		SELECT * FROM claimed ORDER BY run_at ASC`,
		workerID.String(), limit,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: dequeue tasks: %w", err)
	}

	tasks := make([]*taskqueue.Task, 0, len(models))
	for i := range models {
		t, convErr := fromTaskModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("loom/bun: dequeue convert: %w", convErr)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*taskqueue.Task, error) {
	m := new(taskModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", taskID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrTaskNotFound
		}
		return nil, fmt.Errorf("loom/bun: get task: %w", err)
	}
	return fromTaskModel(m)
}

// UpdateTask persists changes to an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *taskqueue.Task) error {
	m := toTaskModel(t)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/bun: update task: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return loom.ErrTaskNotFound
	}
	return nil
}

// ListTasksByState returns tasks matching the given state, oldest first.
func (s *Store) ListTasksByState(ctx context.Context, state taskqueue.State, opts taskqueue.ListOpts) ([]*taskqueue.Task, error) {
	var models []taskModel
	q := s.db.NewSelect().Model(&models).
		Where("state = ?", string(state)).
		Order("created_at ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: list tasks by state: %w", err)
	}

	tasks := make([]*taskqueue.Task, 0, len(models))
	for i := range models {
		t, convErr := fromTaskModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("loom/bun: list tasks convert: %w", convErr)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// HeartbeatTask updates the heartbeat timestamp for a running task.
func (s *Store) HeartbeatTask(ctx context.Context, taskID id.TaskID, _ id.WorkerID) error {
	res, err := s.db.NewUpdate().
		TableExpr("loom_tasks").
		Set("heartbeat_at = NOW()").
		Set("updated_at = NOW()").
		Where("id = ?", taskID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/bun: heartbeat task: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return loom.ErrTaskNotFound
	}
	return nil
}

// ReapStaleTasks returns running tasks whose last heartbeat is older than
// the given threshold.
func (s *Store) ReapStaleTasks(ctx context.Context, threshold time.Duration) ([]*taskqueue.Task, error) {
	var models []taskModel
	err := s.db.NewSelect().Model(&models).
		Where("state = 'running'").
		Where("heartbeat_at IS NOT NULL").
		Where("heartbeat_at < NOW() - ?::interval", threshold.String()).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: reap stale tasks: %w", err)
	}

	tasks := make([]*taskqueue.Task, 0, len(models))
	for i := range models {
		t, convErr := fromTaskModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("loom/bun: reap stale convert: %w", convErr)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// CountTasks returns the number of tasks in the given state. An empty
// state counts all tasks.
func (s *Store) CountTasks(ctx context.Context, state taskqueue.State) (int64, error) {
	q := s.db.NewSelect().TableExpr("loom_tasks")
	if state != "" {
		q = q.Where("state = ?", string(state))
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("loom/bun: count tasks: %w", err)
	}
	return int64(count), nil
}
