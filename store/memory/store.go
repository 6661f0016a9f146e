package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/taskqueue"
	"github.com/loomworks/loom/workflow"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ workflow.Store   = (*Store)(nil)
	_ checkpoint.Store = (*Store)(nil)
	_ budget.Store     = (*Store)(nil)
	_ taskqueue.Store  = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	instances   map[string]*workflow.Instance
	checkpoints map[string]*checkpoint.Checkpoint // key: "wfID:stepID"
	ledger      []*budget.CostLedgerEntry
	tokens      map[string]struct{} // idempotency tokens already appended
	tasks       map[string]*taskqueue.Task
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		instances:   make(map[string]*workflow.Instance),
		checkpoints: make(map[string]*checkpoint.Checkpoint),
		tokens:      make(map[string]struct{}),
		tasks:       make(map[string]*taskqueue.Task),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Workflow Store
// ──────────────────────────────────────────────────

// CreateInstance persists a new workflow instance.
func (m *Store) CreateInstance(_ context.Context, in *workflow.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := in.ID.String()
	cp := cloneInstance(in)
	m.instances[key] = cp
	return nil
}

// GetInstance retrieves a workflow instance by ID.
func (m *Store) GetInstance(_ context.Context, wfID id.WorkflowID) (*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	in, ok := m.instances[wfID.String()]
	if !ok {
		return nil, loom.ErrWorkflowNotFound
	}
	return cloneInstance(in), nil
}

// UpdateInstance persists changes to an existing workflow instance.
func (m *Store) UpdateInstance(_ context.Context, in *workflow.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := in.ID.String()
	if _, ok := m.instances[key]; !ok {
		return loom.ErrWorkflowNotFound
	}
	cp := cloneInstance(in)
	cp.UpdatedAt = time.Now().UTC()
	m.instances[key] = cp
	return nil
}

// ListInstances returns workflow instances matching the given options.
func (m *Store) ListInstances(_ context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Instance, 0, len(m.instances))
	for _, in := range m.instances {
		if opts.State != "" && in.State != opts.State {
			continue
		}
		result = append(result, cloneInstance(in))
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// cloneInstance deep-copies an instance so callers can mutate without
// racing with the store.
func cloneInstance(in *workflow.Instance) *workflow.Instance {
	cp := *in
	if in.StepHistory != nil {
		cp.StepHistory = make([]workflow.StepSummary, len(in.StepHistory))
		copy(cp.StepHistory, in.StepHistory)
	}
	if in.LoopCount != nil {
		cp.LoopCount = make(map[string]int, len(in.LoopCount))
		for k, v := range in.LoopCount {
			cp.LoopCount[k] = v
		}
	}
	if in.InjectedNotes != nil {
		cp.InjectedNotes = make([]workflow.Note, len(in.InjectedNotes))
		copy(cp.InjectedNotes, in.InjectedNotes)
	}
	if in.SeedPapers != nil {
		cp.SeedPapers = make([]string, len(in.SeedPapers))
		copy(cp.SeedPapers, in.SeedPapers)
	}
	return &cp
}

// ──────────────────────────────────────────────────
// Checkpoint Store
// ──────────────────────────────────────────────────

// checkpointKey builds a composite map key for a checkpoint.
func checkpointKey(wfID id.WorkflowID, stepID string) string {
	return wfID.String() + ":" + stepID
}

// SaveCheckpoint persists a checkpoint, replacing any existing checkpoint
// for the same workflow and step.
func (m *Store) SaveCheckpoint(_ context.Context, cp *checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *cp
	m.checkpoints[checkpointKey(cp.WorkflowID, cp.StepID)] = &c
	return nil
}

// GetCheckpoint retrieves the checkpoint for a specific step.
// A missing checkpoint returns (nil, nil): absence means the step has not
// completed, which is not an error.
func (m *Store) GetCheckpoint(_ context.Context, wfID id.WorkflowID, stepID string) (*checkpoint.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[checkpointKey(wfID, stepID)]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

// ListCheckpoints returns all checkpoints for a workflow ordered by step
// index.
func (m *Store) ListCheckpoints(_ context.Context, wfID id.WorkflowID) ([]*checkpoint.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := wfID.String() + ":"
	var result []*checkpoint.Checkpoint
	for k, cp := range m.checkpoints {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			c := *cp
			result = append(result, &c)
		}
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].StepIndex < result[k].StepIndex
	})

	return result, nil
}

// DeleteCheckpoint removes the checkpoint for a step. Deleting a missing
// checkpoint is not an error.
func (m *Store) DeleteCheckpoint(_ context.Context, wfID id.WorkflowID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.checkpoints, checkpointKey(wfID, stepID))
	return nil
}

// ──────────────────────────────────────────────────
// Budget Store
// ──────────────────────────────────────────────────

// AppendCostEntry persists a ledger entry, deduplicating on the
// idempotency token.
func (m *Store) AppendCostEntry(_ context.Context, e *budget.CostLedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.IdempotencyToken != "" {
		if _, dup := m.tokens[e.IdempotencyToken]; dup {
			return false, nil
		}
		m.tokens[e.IdempotencyToken] = struct{}{}
	}

	cp := *e
	m.ledger = append(m.ledger, &cp)
	return true, nil
}

// ListCostEntries returns all ledger entries for a workflow in creation
// order.
func (m *Store) ListCostEntries(_ context.Context, wfID id.WorkflowID) ([]*budget.CostLedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*budget.CostLedgerEntry
	for _, e := range m.ledger {
		if e.WorkflowID.String() == wfID.String() {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

// SumCost returns the total recorded spend for a workflow.
func (m *Store) SumCost(_ context.Context, wfID id.WorkflowID) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total float64
	for _, e := range m.ledger {
		if e.WorkflowID.String() == wfID.String() {
			total += e.Cost
		}
	}
	return total, nil
}

// AverageCostByStep returns the mean cost and sample count for a step id
// across all workflows.
func (m *Store) AverageCostByStep(_ context.Context, stepID string) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total float64
	var n int
	for _, e := range m.ledger {
		if e.StepID == stepID {
			total += e.Cost
			n++
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return total / float64(n), n, nil
}

// ──────────────────────────────────────────────────
// Task Store
// ──────────────────────────────────────────────────

// EnqueueTask persists a new task in pending state.
func (m *Store) EnqueueTask(_ context.Context, t *taskqueue.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.tasks[t.ID.String()] = &cp
	return nil
}

// DequeueTasks atomically claims up to limit pending tasks whose RunAt
// has passed.
func (m *Store) DequeueTasks(_ context.Context, workerID id.WorkerID, limit int) ([]*taskqueue.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	candidates := make([]*taskqueue.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.State != taskqueue.StatePending {
			continue
		}
		if !t.RunAt.IsZero() && t.RunAt.After(now) {
			continue
		}
		candidates = append(candidates, t)
	}

	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].RunAt.Before(candidates[k].RunAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*taskqueue.Task, len(candidates))
	for i, t := range candidates {
		t.State = taskqueue.StateRunning
		t.WorkerID = workerID
		t.Attempts++
		n := now
		t.StartedAt = &n
		t.HeartbeatAt = &n
		// Return a copy so callers can mutate without racing with the store.
		cp := *t
		result[i] = &cp
	}

	return result, nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*taskqueue.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, loom.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTask persists changes to an existing task.
func (m *Store) UpdateTask(_ context.Context, t *taskqueue.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.tasks[key]; !ok {
		return loom.ErrTaskNotFound
	}
	cp := *t
	cp.UpdatedAt = time.Now().UTC()
	m.tasks[key] = &cp
	return nil
}

// ListTasksByState returns tasks matching the given state.
func (m *Store) ListTasksByState(_ context.Context, state taskqueue.State, opts taskqueue.ListOpts) ([]*taskqueue.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*taskqueue.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.State != state {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// HeartbeatTask updates the heartbeat timestamp for a running task.
func (m *Store) HeartbeatTask(_ context.Context, taskID id.TaskID, _ id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return loom.ErrTaskNotFound
	}
	now := time.Now().UTC()
	t.HeartbeatAt = &now
	return nil
}

// ReapStaleTasks returns running tasks whose last heartbeat is older than
// the given threshold.
func (m *Store) ReapStaleTasks(_ context.Context, threshold time.Duration) ([]*taskqueue.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var stale []*taskqueue.Task
	for _, t := range m.tasks {
		if t.State != taskqueue.StateRunning {
			continue
		}
		if t.HeartbeatAt != nil && t.HeartbeatAt.Before(cutoff) {
			cp := *t
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

// CountTasks returns the number of tasks in the given state.
func (m *Store) CountTasks(_ context.Context, state taskqueue.State) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, t := range m.tasks {
		if state != "" && t.State != state {
			continue
		}
		count++
	}
	return count, nil
}
