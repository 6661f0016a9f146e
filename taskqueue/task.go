package taskqueue

import (
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StatePending means the task is waiting to be picked up by a worker.
	StatePending State = "pending"
	// StateRunning means a worker is currently executing the task.
	StateRunning State = "running"
	// StateCompleted means the task finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the task failed and will not be retried.
	StateFailed State = "failed"
	// StateCancelled means the task was explicitly cancelled.
	StateCancelled State = "cancelled"
)

// DefaultMaxAttempts is how many times a task is delivered before it is
// marked failed. The second delivery covers the worker-crash case; step
// level retries happen inside the engine, not here.
const DefaultMaxAttempts = 2

// Task is one unit of queue work: advance a workflow instance until it
// completes, pauses, or fails.
type Task struct {
	loom.Entity

	ID         id.TaskID     `json:"id"`
	WorkflowID id.WorkflowID `json:"workflow_id"`
	State      State         `json:"state"`

	// Attempts counts deliveries, including the current one.
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	LastError   string      `json:"last_error,omitempty"`
	WorkerID    id.WorkerID `json:"worker_id,omitempty"`

	// RunAt is the earliest time the task may be claimed.
	RunAt time.Time `json:"run_at"`

	// Deadline bounds the task's total wall-clock time once claimed.
	// Zero means no deadline.
	Deadline time.Time `json:"deadline,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

// New creates a pending task for a workflow instance.
func New(wfID id.WorkflowID) *Task {
	return &Task{
		Entity:      loom.NewEntity(),
		ID:          id.NewTaskID(),
		WorkflowID:  wfID,
		State:       StatePending,
		MaxAttempts: DefaultMaxAttempts,
		RunAt:       time.Now().UTC(),
	}
}
