package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/id"
)

// Handler executes one claimed task: it advances the workflow until the
// instance completes, pauses, or fails. A nil return marks the task
// completed; an error return triggers redelivery until MaxAttempts.
type Handler func(ctx context.Context, t *Task) error

// FailureHandler is called when a task exhausts its deliveries.
type FailureHandler func(ctx context.Context, t *Task, err error)

// Pool manages a set of concurrent worker goroutines that poll the task
// store and execute tasks through the Handler.
type Pool struct {
	store   Store
	handler Handler

	concurrency  int
	pollInterval time.Duration
	wallClock    time.Duration
	retryDelay   backoff.Strategy
	workerID     id.WorkerID
	logger       *slog.Logger
	onFailure    FailureHandler

	// Heartbeat / reaper configuration.
	heartbeatInterval  time.Duration
	staleTaskThreshold time.Duration

	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	activeTasks map[string]context.CancelFunc
	activeMu    sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often workers poll for new tasks.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithTaskWallClock sets the wall-clock deadline applied to a task when
// it is first claimed. A zero value disables the deadline.
func WithTaskWallClock(d time.Duration) PoolOption {
	return func(p *Pool) { p.wallClock = d }
}

// WithRetryDelay sets the backoff strategy between task redeliveries.
func WithRetryDelay(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.retryDelay = s }
}

// WithHeartbeatInterval sets how often the pool sends heartbeats for
// active tasks. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStaleTaskThreshold sets the threshold after which running tasks
// without a heartbeat are considered stale and redelivered. A zero value
// disables reaping.
func WithStaleTaskThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleTaskThreshold = d }
}

// WithFailureHandler sets the callback invoked when a task exhausts its
// deliveries.
func WithFailureHandler(fn FailureHandler) PoolOption {
	return func(p *Pool) { p.onFailure = fn }
}

// NewPool creates a worker pool over the given task store and handler.
func NewPool(store Store, handler Handler, logger *slog.Logger, opts ...PoolOption) *Pool {
	cfg := loom.DefaultConfig()
	p := &Pool{
		store:              store,
		handler:            handler,
		concurrency:        cfg.Concurrency,
		pollInterval:       cfg.PollInterval,
		wallClock:          cfg.TaskWallClock,
		retryDelay:         backoff.DefaultStrategy(),
		workerID:           id.NewWorkerID(),
		logger:             logger,
		heartbeatInterval:  cfg.HeartbeatInterval,
		staleTaskThreshold: cfg.StaleTaskThreshold,
		stopCh:             make(chan struct{}),
		activeTasks:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Submit enqueues a task that advances the given workflow instance.
func (p *Pool) Submit(ctx context.Context, wfID id.WorkflowID) (*Task, error) {
	t := New(wfID)
	if err := p.store.EnqueueTask(ctx, t); err != nil {
		return nil, err
	}
	p.logger.Debug("task submitted",
		slog.String("task_id", t.ID.String()),
		slog.String("workflow_id", wfID.String()),
	)
	return t, nil
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	// Launch heartbeat goroutine if configured.
	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	// Launch reaper goroutine if configured.
	if p.staleTaskThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active tasks are cancelled when time
// runs out. A cancelled task is safe: the next delivery resumes from the
// last checkpoint.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks")
		p.cancelActiveTasks()
		p.wg.Wait()
	}

	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		tasks, err := p.store.DequeueTasks(context.Background(), p.workerID, 1)
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if len(tasks) == 0 {
			p.sleep()
			continue
		}

		p.runTask(tasks[0])
	}
}

// runTask executes one claimed task under its wall-clock deadline and
// records the outcome.
func (p *Pool) runTask(t *Task) {
	// The deadline is fixed on first delivery so redeliveries do not
	// extend a workflow's wall-clock budget.
	if t.Deadline.IsZero() && p.wallClock > 0 {
		t.Deadline = time.Now().UTC().Add(p.wallClock)
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if !t.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(context.Background(), t.Deadline)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	p.trackTask(t.ID.String(), cancel)
	defer func() {
		p.untrackTask(t.ID.String())
		cancel()
	}()

	execErr := p.handler(ctx, t)
	if execErr == nil {
		now := time.Now().UTC()
		t.State = StateCompleted
		t.CompletedAt = &now
		t.Touch()
		if err := p.store.UpdateTask(context.Background(), t); err != nil {
			p.logger.Error("failed to mark task completed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if errors.Is(execErr, context.DeadlineExceeded) {
		execErr = loom.ErrDeadlineExceeded
	}

	p.logger.Warn("task execution failed",
		slog.String("task_id", t.ID.String()),
		slog.String("workflow_id", t.WorkflowID.String()),
		slog.Int("attempt", t.Attempts),
		slog.String("error", execErr.Error()),
	)

	t.LastError = execErr.Error()
	t.Touch()

	if t.Attempts >= t.MaxAttempts {
		t.State = StateFailed
		if err := p.store.UpdateTask(context.Background(), t); err != nil {
			p.logger.Error("failed to mark task failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		if p.onFailure != nil {
			p.onFailure(context.Background(), t, execErr)
		}
		return
	}

	// Return to pending for redelivery after a backoff delay.
	t.State = StatePending
	t.WorkerID = id.WorkerID{}
	t.HeartbeatAt = nil
	t.RunAt = time.Now().UTC().Add(p.retryDelay.Delay(t.Attempts))
	if err := p.store.UpdateTask(context.Background(), t); err != nil {
		p.logger.Error("failed to requeue task",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// heartbeatLoop periodically sends heartbeats for all active tasks.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	taskIDs := make([]string, 0, len(p.activeTasks))
	for taskID := range p.activeTasks {
		taskIDs = append(taskIDs, taskID)
	}
	p.activeMu.Unlock()

	for _, taskIDStr := range taskIDs {
		parsedID, parseErr := id.ParseTaskID(taskIDStr)
		if parseErr != nil {
			p.logger.Warn("heartbeat: invalid task id", slog.String("task_id", taskIDStr))
			continue
		}
		if err := p.store.HeartbeatTask(context.Background(), parsedID, p.workerID); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("task_id", taskIDStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically redelivers stale tasks whose heartbeat has
// expired.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleTaskThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStaleTasks()
		}
	}
}

func (p *Pool) reapStaleTasks() {
	stale, err := p.store.ReapStaleTasks(context.Background(), p.staleTaskThreshold)
	if err != nil {
		p.logger.Error("reap stale tasks error", slog.String("error", err.Error()))
		return
	}

	for _, t := range stale {
		t.State = StatePending
		t.RunAt = time.Now().UTC()
		t.WorkerID = id.WorkerID{} // Clear the worker assignment.
		t.HeartbeatAt = nil
		t.StartedAt = nil
		t.Touch()

		if updateErr := p.store.UpdateTask(context.Background(), t); updateErr != nil {
			p.logger.Error("reap: failed to reset stale task",
				slog.String("task_id", t.ID.String()),
				slog.String("error", updateErr.Error()),
			)
			continue
		}

		p.logger.Info("reaped stale task",
			slog.String("task_id", t.ID.String()),
			slog.String("workflow_id", t.WorkflowID.String()),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackTask(taskID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeTasks[taskID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackTask(taskID string) {
	p.activeMu.Lock()
	delete(p.activeTasks, taskID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveTasks() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for taskID, cancel := range p.activeTasks {
		p.logger.Warn("cancelling active task", slog.String("task_id", taskID))
		cancel()
	}
}
