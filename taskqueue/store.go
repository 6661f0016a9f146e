package taskqueue

import (
	"context"
	"time"

	"github.com/loomworks/loom/id"
)

// ListOpts controls pagination for task list queries.
type ListOpts struct {
	// Limit is the maximum number of tasks to return. Zero means no limit.
	Limit int
	// Offset is the number of tasks to skip.
	Offset int
}

// Store defines the persistence contract for tasks.
type Store interface {
	// EnqueueTask persists a new task in pending state.
	EnqueueTask(ctx context.Context, t *Task) error

	// DequeueTasks atomically claims up to limit pending tasks whose RunAt
	// has passed, sets them to running under workerID, increments their
	// attempt count, and returns them ordered by RunAt ascending.
	DequeueTasks(ctx context.Context, workerID id.WorkerID, limit int) ([]*Task, error)

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// UpdateTask persists changes to an existing task.
	UpdateTask(ctx context.Context, t *Task) error

	// ListTasksByState returns tasks matching the given state.
	ListTasksByState(ctx context.Context, state State, opts ListOpts) ([]*Task, error)

	// HeartbeatTask updates the heartbeat timestamp for a running task,
	// indicating the worker is still alive.
	HeartbeatTask(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) error

	// ReapStaleTasks returns running tasks whose last heartbeat is older
	// than the given threshold, indicating the worker may have crashed.
	ReapStaleTasks(ctx context.Context, threshold time.Duration) ([]*Task, error)

	// CountTasks returns the number of tasks in the given state. An empty
	// state counts all tasks.
	CountTasks(ctx context.Context, state State) (int64, error)
}
