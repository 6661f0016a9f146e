package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/taskqueue"
)

// taskRecord is the msgpack wire form of a task. IDs travel as strings;
// the domain type is rebuilt on read.
type taskRecord struct {
	ID          string     `msgpack:"id"`
	WorkflowID  string     `msgpack:"workflow_id"`
	State       string     `msgpack:"state"`
	Attempts    int        `msgpack:"attempts"`
	MaxAttempts int        `msgpack:"max_attempts"`
	LastError   string     `msgpack:"last_error"`
	WorkerID    string     `msgpack:"worker_id"`
	RunAt       time.Time  `msgpack:"run_at"`
	Deadline    time.Time  `msgpack:"deadline"`
	StartedAt   *time.Time `msgpack:"started_at"`
	CompletedAt *time.Time `msgpack:"completed_at"`
	HeartbeatAt *time.Time `msgpack:"heartbeat_at"`
	CreatedAt   time.Time  `msgpack:"created_at"`
	UpdatedAt   time.Time  `msgpack:"updated_at"`
}

func encodeTask(t *taskqueue.Task) ([]byte, error) {
	rec := taskRecord{
		ID:          t.ID.String(),
		WorkflowID:  t.WorkflowID.String(),
		State:       string(t.State),
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		LastError:   t.LastError,
		WorkerID:    t.WorkerID.String(),
		RunAt:       t.RunAt,
		Deadline:    t.Deadline,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		HeartbeatAt: t.HeartbeatAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	b, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("loom/redis: encode task: %w", err)
	}
	return b, nil
}

func decodeTask(b []byte) (*taskqueue.Task, error) {
	var rec taskRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("loom/redis: decode task: %w", err)
	}

	taskID, err := id.ParseTaskID(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("loom/redis: parse task id %q: %w", rec.ID, err)
	}
	wfID, err := id.ParseWorkflowID(rec.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("loom/redis: parse workflow id %q: %w", rec.WorkflowID, err)
	}

	t := &taskqueue.Task{
		Entity: loom.Entity{
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		},
		ID:          taskID,
		WorkflowID:  wfID,
		State:       taskqueue.State(rec.State),
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		LastError:   rec.LastError,
		RunAt:       rec.RunAt,
		Deadline:    rec.Deadline,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		HeartbeatAt: rec.HeartbeatAt,
	}
	if rec.WorkerID != "" {
		t.WorkerID, _ = id.ParseWorkerID(rec.WorkerID) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	return t, nil
}

// runAtScore converts a run time to the scheduled-set score.
func runAtScore(runAt time.Time) float64 {
	return float64(runAt.UnixMilli())
}

// EnqueueTask stores the task blob and schedules it by run_at.
func (s *Store) EnqueueTask(ctx context.Context, t *taskqueue.Task) error {
	tID := t.ID.String()
	blob, err := encodeTask(t)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, taskKey(tID), blob, 0)
	pipe.SAdd(ctx, taskIDsKey, tID)
	pipe.ZAdd(ctx, scheduledKey, goredis.Z{Score: runAtScore(t.RunAt), Member: tID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("loom/redis: enqueue task: %w", err)
	}
	return nil
}

// DequeueTasks claims up to limit due tasks. ZRem is the claim: only the
// worker whose removal succeeds owns the task, so concurrent workers
// never double-claim.
func (s *Store) DequeueTasks(ctx context.Context, workerID id.WorkerID, limit int) ([]*taskqueue.Task, error) {
	now := time.Now().UTC()

	due, err := s.client.ZRangeByScore(ctx, scheduledKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: dequeue range: %w", err)
	}

	tasks := make([]*taskqueue.Task, 0, len(due))
	for _, tID := range due {
		removed, remErr := s.client.ZRem(ctx, scheduledKey, tID).Result()
		if remErr != nil {
			return nil, fmt.Errorf("loom/redis: dequeue claim: %w", remErr)
		}
		if removed == 0 {
			// Another worker won the claim.
			continue
		}

		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			if errors.Is(getErr, loom.ErrTaskNotFound) {
				continue
			}
			return nil, getErr
		}

		t.State = taskqueue.StateRunning
		t.WorkerID = workerID
		t.Attempts++
		t.StartedAt = &now
		t.HeartbeatAt = &now
		t.Touch()

		blob, encErr := encodeTask(t)
		if encErr != nil {
			return nil, encErr
		}
		if setErr := s.client.Set(ctx, taskKey(tID), blob, 0).Err(); setErr != nil {
			return nil, fmt.Errorf("loom/redis: dequeue update: %w", setErr)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*taskqueue.Task, error) {
	return s.getTaskByKey(ctx, taskKey(taskID.String()))
}

// UpdateTask persists changes to an existing task and keeps the scheduled
// set consistent: pending tasks are (re)scheduled by run_at, everything
// else is removed from the set.
func (s *Store) UpdateTask(ctx context.Context, t *taskqueue.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: update task exists: %w", err)
	}
	if exists == 0 {
		return loom.ErrTaskNotFound
	}

	t.Touch()
	blob, err := encodeTask(t)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, blob, 0)
	if t.State == taskqueue.StatePending {
		pipe.ZAdd(ctx, scheduledKey, goredis.Z{Score: runAtScore(t.RunAt), Member: tID})
	} else {
		pipe.ZRem(ctx, scheduledKey, tID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("loom/redis: update task: %w", err)
	}
	return nil
}

// ListTasksByState returns tasks matching the given state, oldest first.
func (s *Store) ListTasksByState(ctx context.Context, state taskqueue.State, opts taskqueue.ListOpts) ([]*taskqueue.Task, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list tasks smembers: %w", err)
	}

	tasks := make([]*taskqueue.Task, 0, len(ids))
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue // skip missing
		}
		if t.State != state {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(tasks) {
		tasks = tasks[:opts.Limit]
	}
	return tasks, nil
}

// HeartbeatTask updates the heartbeat timestamp for a running task.
func (s *Store) HeartbeatTask(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) error {
	t, err := s.getTaskByKey(ctx, taskKey(taskID.String()))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	t.HeartbeatAt = &now
	t.WorkerID = workerID
	t.Touch()

	blob, err := encodeTask(t)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, taskKey(taskID.String()), blob, 0).Err(); err != nil {
		return fmt.Errorf("loom/redis: heartbeat task: %w", err)
	}
	return nil
}

// ReapStaleTasks returns running tasks whose last heartbeat is older than
// the threshold.
func (s *Store) ReapStaleTasks(ctx context.Context, threshold time.Duration) ([]*taskqueue.Task, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: reap smembers: %w", err)
	}

	var stale []*taskqueue.Task
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		if t.State != taskqueue.StateRunning {
			continue
		}
		if t.HeartbeatAt != nil && t.HeartbeatAt.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	return stale, nil
}

// CountTasks returns the number of tasks in the given state. An empty
// state counts all tasks.
func (s *Store) CountTasks(ctx context.Context, state taskqueue.State) (int64, error) {
	if state == "" {
		n, err := s.client.SCard(ctx, taskIDsKey).Result()
		if err != nil {
			return 0, fmt.Errorf("loom/redis: count tasks: %w", err)
		}
		return n, nil
	}

	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("loom/redis: count smembers: %w", err)
	}

	var count int64
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		if t.State == state {
			count++
		}
	}
	return count, nil
}

func (s *Store) getTaskByKey(ctx context.Context, key string) (*taskqueue.Task, error) {
	blob, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, loom.ErrTaskNotFound
		}
		return nil, fmt.Errorf("loom/redis: get task: %w", err)
	}
	return decodeTask(blob)
}
