// Package engine wires all Loom subsystems together: the workflow step
// loop, budget governor, intervention protocol, extension registry,
// middleware chain, and task-queue worker pool.
//
// This package exists to break the import cycle: the root loom package
// defines Entity and Config (imported by workflow, checkpoint, etc.) and
// so cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/ext"
	"github.com/loomworks/loom/id"
	mw "github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/observability"
	"github.com/loomworks/loom/ratelimit"
	"github.com/loomworks/loom/taskqueue"
	"github.com/loomworks/loom/workflow"
)

// Engine drives workflow instances through their templates. All mutation
// of one instance — step execution and interventions alike — serializes
// on a per-workflow lock; distinct workflows proceed fully in parallel.
type Engine struct {
	o      *loom.Orchestrator
	cfg    loom.Config
	logger *slog.Logger

	workflows   workflow.Store
	checkpoints checkpoint.Store
	tasks       taskqueue.Store

	// atomicSaves is non-nil when the store can land a checkpoint and its
	// ledger entry in one transaction (the bun backend does).
	atomicSaves atomicCheckpointStore

	templates  *workflow.Registry
	agents     *agent.Registry
	extensions *ext.Registry
	governor   *budget.Governor
	estimator  budget.Estimator
	limiter    *ratelimit.Manager
	retry      backoff.Strategy
	pool       *taskqueue.Pool

	mws   []mw.Middleware
	chain mw.Middleware

	// locks serializes the step loop and interventions per workflow.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// atomicCheckpointStore is the optional store capability for writing a
// checkpoint and its cost-ledger entry atomically. Stores without it fall
// back to separate writes reconciled through the idempotency token.
type atomicCheckpointStore interface {
	SaveCheckpointAndCost(ctx context.Context, cp *checkpoint.Checkpoint, e *budget.CostLedgerEntry) (inserted bool, err error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware appends middleware to the engine's step-execution chain,
// after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy for failed steps.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.retry = b
	}
}

// WithEstimator sets the budget governor's cost estimator. If not set, a
// HistoricalEstimator over the ledger with a static fallback is used.
func WithEstimator(est budget.Estimator) Option {
	return func(eng *Engine) {
		eng.estimator = est
	}
}

// WithRateLimiter sets the token-bucket manager gating outbound provider
// calls. If not set, no rate classes are configured and every step passes.
func WithRateLimiter(m *ratelimit.Manager) Option {
	return func(eng *Engine) {
		eng.limiter = m
	}
}

// WithTaskStore routes the task queue to a dedicated store, letting queue
// traffic live apart from workflow state (e.g. the redis backend for
// tasks, bun for everything else). If not set, the Orchestrator's store
// must implement taskqueue.Store itself.
func WithTaskStore(ts taskqueue.Store) Option {
	return func(eng *Engine) {
		eng.tasks = ts
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an Orchestrator. The Orchestrator's store
// must implement the workflow, checkpoint, budget, and taskqueue store
// interfaces (the memory and bun backends implement all four). WithTaskStore
// lifts the taskqueue requirement by routing queue traffic elsewhere.
func Build(o *loom.Orchestrator, opts ...Option) (*Engine, error) {
	logger := o.Logger()
	store := o.Store()

	if store == nil {
		return nil, loom.ErrNoStore
	}

	ws, ok := store.(workflow.Store)
	if !ok {
		return nil, fmt.Errorf("loom: store does not implement workflow.Store")
	}
	cs, ok := store.(checkpoint.Store)
	if !ok {
		return nil, fmt.Errorf("loom: store does not implement checkpoint.Store")
	}
	bs, ok := store.(budget.Store)
	if !ok {
		return nil, fmt.Errorf("loom: store does not implement budget.Store")
	}
	atomic, _ := store.(atomicCheckpointStore)

	eng := &Engine{
		o:           o,
		cfg:         o.Config(),
		logger:      logger,
		workflows:   ws,
		checkpoints: cs,
		atomicSaves: atomic,
		templates:   workflow.NewRegistry(),
		agents:      agent.NewRegistry(),
		extensions:  ext.NewRegistry(logger),
		locks:       make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Tasks default to the main store unless WithTaskStore routed them
	// elsewhere.
	if eng.tasks == nil {
		ts, tok := store.(taskqueue.Store)
		if !tok {
			return nil, fmt.Errorf("loom: store does not implement taskqueue.Store and no task store was provided")
		}
		eng.tasks = ts
	}

	if eng.retry == nil {
		eng.retry = backoff.DefaultStrategy()
	}
	if eng.estimator == nil {
		eng.estimator = &budget.HistoricalEstimator{
			Ledger:   bs,
			Fallback: &budget.StaticEstimator{Default: 1.0},
			Logger:   logger,
		}
	}

	eng.governor = budget.NewGovernor(bs, eng.estimator,
		budget.WithTopUpCeiling(eng.cfg.TopUpCeiling),
		budget.WithLogger(logger),
	)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/loomworks/loom")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/loomworks/loom")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/loomworks/loom/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Default middleware stack:
	// recover → tracing → metrics → logging → ratelimit → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
	}
	if eng.limiter != nil {
		defaultMws = append(defaultMws, mw.RateLimit(eng.limiter, nil, 0, logger))
	}
	defaultMws = append(defaultMws, mw.Timeout(logger))

	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)
	eng.chain = mw.Chain(allMws...)

	// The pool's handler runs the step loop for the claimed workflow.
	// A task that exhausts its deliveries leaves the instance stranded in
	// RUNNING with no executor; the failure handler fails it explicitly.
	eng.pool = taskqueue.NewPool(eng.tasks, eng.runTask, logger,
		taskqueue.WithPoolConcurrency(eng.cfg.Concurrency),
		taskqueue.WithPollInterval(eng.cfg.PollInterval),
		taskqueue.WithTaskWallClock(eng.cfg.TaskWallClock),
		taskqueue.WithHeartbeatInterval(eng.cfg.HeartbeatInterval),
		taskqueue.WithStaleTaskThreshold(eng.cfg.StaleTaskThreshold),
		taskqueue.WithFailureHandler(eng.onTaskFailed),
	)

	// Wire back into the Orchestrator.
	o.SetPool(eng.pool)
	o.SetExtensions(eng.extensions)

	return eng, nil
}

// runTask is the task-queue handler: one delivery drives the workflow's
// step loop until it parks, completes, or fails.
func (e *Engine) runTask(ctx context.Context, t *taskqueue.Task) error {
	return e.Run(ctx, t.WorkflowID)
}

// onTaskFailed fails a workflow whose queue task exhausted its deliveries
// (e.g. both attempts hit the wall-clock limit). Without this the instance
// would sit in RUNNING forever with no executor.
func (e *Engine) onTaskFailed(ctx context.Context, t *taskqueue.Task, taskErr error) {
	unlock := e.lock(t.WorkflowID)
	defer unlock()

	in, err := e.workflows.GetInstance(ctx, t.WorkflowID)
	if err != nil {
		e.logger.Error("task failure: load instance",
			slog.String("workflow_id", t.WorkflowID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if in.State != workflow.StateRunning {
		return
	}

	in.LastError = taskErr.Error()
	e.transition(ctx, in, workflow.StateFailed)
	if err := e.workflows.UpdateInstance(ctx, in); err != nil {
		e.logger.Error("task failure: update instance",
			slog.String("workflow_id", in.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	e.extensions.EmitWorkflowFailed(ctx, in, taskErr)
}

// lock acquires the per-workflow mutex and returns its unlock function.
func (e *Engine) lock(wfID id.WorkflowID) func() {
	key := wfID.String()

	e.locksMu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	e.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// transition moves an instance to a new state and emits StateChanged.
// The caller must hold the workflow lock and persist the instance.
func (e *Engine) transition(ctx context.Context, in *workflow.Instance, to workflow.State) {
	from := in.State
	if err := in.Transition(to); err != nil {
		// The engine only calls transition on edges the state machine
		// permits; a failure here is a programming error worth surfacing.
		e.logger.Error("internal transition rejected",
			slog.String("workflow_id", in.ID.String()),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return
	}
	e.extensions.EmitStateChanged(ctx, in, from, to)
}

// Templates returns the engine's template registry.
func (e *Engine) Templates() *workflow.Registry { return e.templates }

// Agents returns the engine's agent registry.
func (e *Engine) Agents() *agent.Registry { return e.agents }

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Governor returns the budget governor.
func (e *Engine) Governor() *budget.Governor { return e.governor }

// Pool returns the task-queue worker pool.
func (e *Engine) Pool() *taskqueue.Pool { return e.pool }

// Orchestrator returns the underlying Orchestrator.
func (e *Engine) Orchestrator() *loom.Orchestrator { return e.o }

// Startup resumes interrupted workflows and begins task processing.
func (e *Engine) Startup(ctx context.Context) error {
	// Resume any workflows left in RUNNING by a crash (best-effort).
	if err := e.ResumeAll(ctx); err != nil {
		e.logger.Warn("failed to resume interrupted workflows",
			slog.String("error", err.Error()),
		)
	}
	return e.o.Start(ctx)
}

// Shutdown gracefully stops task processing and fires the shutdown hooks.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.o.Stop(ctx)
}

// ResumeAll re-enqueues every instance left in RUNNING with no active
// executor. Crash recovery: the step loop resolves its position from
// checkpoint presence, so re-entering the loop never re-executes a
// checkpointed step.
func (e *Engine) ResumeAll(ctx context.Context) error {
	running, err := e.workflows.ListInstances(ctx, workflow.ListOpts{State: workflow.StateRunning})
	if err != nil {
		return fmt.Errorf("loom: list running instances: %w", err)
	}

	// Skip instances that already have a pending or running task.
	active := make(map[string]struct{})
	for _, state := range []taskqueue.State{taskqueue.StatePending, taskqueue.StateRunning} {
		tasks, listErr := e.tasks.ListTasksByState(ctx, state, taskqueue.ListOpts{})
		if listErr != nil {
			return fmt.Errorf("loom: list %s tasks: %w", state, listErr)
		}
		for _, t := range tasks {
			active[t.WorkflowID.String()] = struct{}{}
		}
	}

	for _, in := range running {
		if _, ok := active[in.ID.String()]; ok {
			continue
		}
		if _, submitErr := e.pool.Submit(ctx, in.ID); submitErr != nil {
			e.logger.Error("resume: submit failed",
				slog.String("workflow_id", in.ID.String()),
				slog.String("error", submitErr.Error()),
			)
			continue
		}
		e.logger.Info("resuming interrupted workflow",
			slog.String("workflow_id", in.ID.String()),
			slog.String("current_step", in.CurrentStep),
		)
	}
	return nil
}
