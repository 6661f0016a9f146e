package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/store/memory"
	"github.com/loomworks/loom/taskqueue"
	"github.com/loomworks/loom/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedExecutor counts executions per step and delegates to a
// per-step function, defaulting to a trivial success.
type scriptedExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	steps map[string]func(in agent.Context) (agent.Result, error)
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		calls: make(map[string]int),
		steps: make(map[string]func(agent.Context) (agent.Result, error)),
	}
}

func (s *scriptedExecutor) on(stepID string, fn func(agent.Context) (agent.Result, error)) {
	s.steps[stepID] = fn
}

func (s *scriptedExecutor) count(stepID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stepID]
}

func (s *scriptedExecutor) Execute(_ context.Context, step workflow.StepDef, in agent.Context) (agent.Result, error) {
	s.mu.Lock()
	s.calls[step.ID]++
	s.mu.Unlock()

	if fn, ok := s.steps[step.ID]; ok {
		return fn(in)
	}
	out, _ := json.Marshal(map[string]string{"step": step.ID})
	return agent.Result{Output: out, Cost: 1.0}, nil
}

// setupEngine builds an engine over the memory store with the given
// template, wiring every step's agent to the scripted executor.
func setupEngine(t *testing.T, tpl *workflow.Template) (*engine.Engine, *scriptedExecutor, *memory.Store) {
	t.Helper()

	s := memory.New()
	o, err := loom.New(
		loom.WithStore(s),
		loom.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	eng, err := engine.Build(o,
		engine.WithBackoff(backoff.NewConstant(time.Millisecond)),
		engine.WithEstimator(&budget.StaticEstimator{Default: 1.0}),
	)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	if err := eng.Templates().Register(tpl); err != nil {
		t.Fatalf("register template: %v", err)
	}
	exec := newScriptedExecutor()
	for _, step := range tpl.Steps {
		eng.Agents().Register(step.AgentID, exec)
	}
	return eng, exec, s
}

func litReviewTemplate() *workflow.Template {
	return &workflow.Template{
		ID: "lit-review",
		Steps: []workflow.StepDef{
			{ID: "search", AgentID: "searcher", EstimatedCost: 1.0},
			{ID: "synthesize", AgentID: "synthesizer", EstimatedCost: 1.0},
			{ID: "critique", AgentID: "critic", EstimatedCost: 1.0},
		},
	}
}

func createRunning(t *testing.T, eng *engine.Engine, budgetTotal float64) *workflow.Instance {
	t.Helper()
	ctx := context.Background()
	in, err := eng.Create(ctx, engine.CreateParams{
		TemplateID: "lit-review",
		Query:      "transformer interpretability",
		Budget:     budgetTotal,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := eng.Start(ctx, in.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	return in
}

// ──────────────────────────────────────────────────
// Step loop
// ──────────────────────────────────────────────────

func TestEngine_RunsAllStepsToCompletion(t *testing.T) {
	eng, exec, _ := setupEngine(t, litReviewTemplate())
	ctx := context.Background()
	in := createRunning(t, eng, 10.0)

	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := eng.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != workflow.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if got.CurrentStep != workflow.StepDone {
		t.Errorf("current step = %s, want %s", got.CurrentStep, workflow.StepDone)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if len(got.StepHistory) != 3 {
		t.Errorf("step history = %d entries, want 3", len(got.StepHistory))
	}
	if got.BudgetRemaining != 7.0 {
		t.Errorf("remaining = %v, want 7.0", got.BudgetRemaining)
	}
	for _, step := range []string{"search", "synthesize", "critique"} {
		if n := exec.count(step); n != 1 {
			t.Errorf("step %s executed %d times, want 1", step, n)
		}
	}

	cps, err := eng.Checkpoints(ctx, in.ID)
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if len(cps) != 3 {
		t.Errorf("checkpoints = %d, want 3", len(cps))
	}
}

func TestEngine_ResumeSkipsCheckpointedSteps(t *testing.T) {
	eng, exec, s := setupEngine(t, litReviewTemplate())
	ctx := context.Background()
	in := createRunning(t, eng, 10.0)

	// Simulate a crash after the first step: its checkpoint exists (and
	// is ledgered), but the process died before the loop continued.
	token := checkpoint.NewToken()
	err := s.SaveCheckpoint(ctx, &checkpoint.Checkpoint{
		ID: id.NewCheckpointID(), WorkflowID: in.ID,
		StepID: "search", StepIndex: 0, AgentID: "searcher",
		Status: checkpoint.StatusCompleted, CostIncurred: 1.0,
		Output:           json.RawMessage(`{"step":"search"}`),
		IdempotencyToken: token,
	})
	if err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if _, err := s.AppendCostEntry(ctx, &budget.CostLedgerEntry{
		ID: id.NewCostID(), WorkflowID: in.ID, StepID: "search",
		Cost: 1.0, IdempotencyToken: token,
	}); err != nil {
		t.Fatalf("append ledger: %v", err)
	}
	in.BudgetRemaining = 9.0
	if err := s.UpdateInstance(ctx, in); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if n := exec.count("search"); n != 0 {
		t.Errorf("checkpointed step re-executed %d times, want 0", n)
	}
	if n := exec.count("synthesize"); n != 1 {
		t.Errorf("synthesize executed %d times, want 1", n)
	}

	got, _ := eng.Get(ctx, in.ID)
	if got.State != workflow.StateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if got.BudgetRemaining != 7.0 {
		t.Errorf("remaining = %v, want 7.0", got.BudgetRemaining)
	}
}

func TestEngine_ReconcileSettlesUnledgeredCheckpointOnResume(t *testing.T) {
	eng, exec, s := setupEngine(t, litReviewTemplate())
	ctx := context.Background()
	in := createRunning(t, eng, 10.0)

	// Crash between checkpoint write and ledger settle: the checkpoint
	// exists but no ledger entry does, and the budget was never deducted.
	err := s.SaveCheckpoint(ctx, &checkpoint.Checkpoint{
		ID: id.NewCheckpointID(), WorkflowID: in.ID,
		StepID: "search", StepIndex: 0, AgentID: "searcher",
		Status: checkpoint.StatusCompleted, CostIncurred: 1.0,
		IdempotencyToken: checkpoint.NewToken(),
	})
	if err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if n := exec.count("search"); n != 0 {
		t.Errorf("checkpointed step re-executed %d times, want 0", n)
	}
	got, _ := eng.Get(ctx, in.ID)
	// 10 - 1 (reconciled) - 1 - 1 (remaining steps).
	if got.BudgetRemaining != 7.0 {
		t.Errorf("remaining = %v, want 7.0", got.BudgetRemaining)
	}
	spent, err := s.SumCost(ctx, in.ID)
	if err != nil {
		t.Fatalf("sum cost: %v", err)
	}
	if spent != 3.0 {
		t.Errorf("ledger spend = %v, want 3.0", spent)
	}
}

func TestEngine_RetriesToCeilingThenFails(t *testing.T) {
	tpl := litReviewTemplate()
	tpl.Steps[1].MaxRetries = 1
	eng, exec, _ := setupEngine(t, tpl)
	ctx := context.Background()
	in := createRunning(t, eng, 10.0)

	stepErr := errors.New("provider unavailable")
	exec.on("synthesize", func(agent.Context) (agent.Result, error) {
		return agent.Result{}, stepErr
	})

	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Initial attempt plus one retry.
	if n := exec.count("synthesize"); n != 2 {
		t.Errorf("synthesize executed %d times, want 2", n)
	}

	got, _ := eng.Get(ctx, in.ID)
	if got.State != workflow.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.LastError == "" {
		t.Error("expected LastError to carry the step error")
	}
	if got.LoopCount["synthesize"] != 2 {
		t.Errorf("loop count = %d, want 2", got.LoopCount["synthesize"])
	}
	// Critique never ran.
	if n := exec.count("critique"); n != 0 {
		t.Errorf("critique executed %d times after failure, want 0", n)
	}
}

func TestEngine_OptionalStepFailureSkipsAndAdvances(t *testing.T) {
	tpl := litReviewTemplate()
	tpl.Steps[1].Optional = true
	tpl.Steps[1].MaxRetries = 1
	eng, exec, _ := setupEngine(t, tpl)
	ctx := context.Background()
	in := createRunning(t, eng, 10.0)

	exec.on("synthesize", func(agent.Context) (agent.Result, error) {
		return agent.Result{}, errors.New("flaky enrichment")
	})

	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := eng.Get(ctx, in.ID)
	if got.State != workflow.StateCompleted {
		t.Fatalf("state = %s, want completed (optional failure skips)", got.State)
	}

	cps, _ := eng.Checkpoints(ctx, in.ID)
	if len(cps) != 3 {
		t.Fatalf("checkpoints = %d, want 3", len(cps))
	}
	if cps[1].Status != checkpoint.StatusSkipped {
		t.Errorf("optional step status = %s, want skipped", cps[1].Status)
	}
	if cps[1].Error == "" {
		t.Error("expected failure checkpoint to record the error")
	}
	// Budget untouched by the skipped step.
	if got.BudgetRemaining != 8.0 {
		t.Errorf("remaining = %v, want 8.0", got.BudgetRemaining)
	}
}

// ──────────────────────────────────────────────────
// Budget
// ──────────────────────────────────────────────────

func TestEngine_BudgetDenialParksThenTopUpResumes(t *testing.T) {
	tpl := litReviewTemplate()
	for i := range tpl.Steps {
		tpl.Steps[i].EstimatedCost = 2.0
	}
	eng, exec, _ := setupEngine(t, tpl)
	ctx := context.Background()

	for _, step := range tpl.Steps {
		exec.on(step.ID, func(agent.Context) (agent.Result, error) {
			return agent.Result{Output: json.RawMessage(`{}`), Cost: 2.0}, nil
		})
	}

	in := createRunning(t, eng, 5.0)
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := eng.Get(ctx, in.ID)
	if got.State != workflow.StateOverBudget {
		t.Fatalf("state = %s, want over_budget", got.State)
	}
	if got.BudgetRemaining != 1.0 {
		t.Errorf("remaining = %v, want 1.0", got.BudgetRemaining)
	}
	if n := exec.count("critique"); n != 0 {
		t.Errorf("denied step executed %d times, want 0", n)
	}

	// Top-up while parked, then resume and finish.
	if err := eng.TopUp(ctx, in.ID, 3.0); err != nil {
		t.Fatalf("top up: %v", err)
	}
	got, _ = eng.Get(ctx, in.ID)
	if got.BudgetRemaining != 4.0 {
		t.Errorf("remaining after top-up = %v, want 4.0", got.BudgetRemaining)
	}

	if err := eng.Resume(ctx, in.ID, 0); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run after resume: %v", err)
	}

	got, _ = eng.Get(ctx, in.ID)
	if got.State != workflow.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if got.BudgetRemaining != 2.0 {
		t.Errorf("final remaining = %v, want 2.0", got.BudgetRemaining)
	}
}

func TestEngine_ResumeWithTopUp(t *testing.T) {
	tpl := litReviewTemplate()
	for i := range tpl.Steps {
		tpl.Steps[i].EstimatedCost = 2.0
	}
	eng, exec, _ := setupEngine(t, tpl)
	ctx := context.Background()

	for _, step := range tpl.Steps {
		exec.on(step.ID, func(agent.Context) (agent.Result, error) {
			return agent.Result{Output: json.RawMessage(`{}`), Cost: 2.0}, nil
		})
	}

	in := createRunning(t, eng, 5.0)
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Resume carrying the top-up in one call.
	if err := eng.Resume(ctx, in.ID, 3.0); err != nil {
		t.Fatalf("resume with top-up: %v", err)
	}
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := eng.Get(ctx, in.ID)
	if got.State != workflow.StateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if got.BudgetRemaining != 2.0 {
		t.Errorf("remaining = %v, want 2.0", got.BudgetRemaining)
	}
}

// ──────────────────────────────────────────────────
// Direction checks
// ──────────────────────────────────────────────────

func TestEngine_DirectionCheckParksAndResponseFoldsIntoContext(t *testing.T) {
	tpl := litReviewTemplate()
	tpl.Steps[1].DirectionCheck = true
	eng, exec, _ := setupEngine(t, tpl)
	ctx := context.Background()

	var seenDirective string
	exec.on("synthesize", func(in agent.Context) (agent.Result, error) {
		seenDirective = in.Directive
		return agent.Result{Output: json.RawMessage(`{}`), Cost: 1.0}, nil
	})

	in := createRunning(t, eng, 10.0)
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := eng.Get(ctx, in.ID)
	if got.State != workflow.StateWaitingDirection {
		t.Fatalf("state = %s, want waiting_direction", got.State)
	}
	if n := exec.count("synthesize"); n != 0 {
		t.Errorf("direction-check step executed %d times before response, want 0", n)
	}

	if err := eng.DirectionResponse(ctx, in.ID, "narrow to sparse autoencoders"); err != nil {
		t.Fatalf("direction response: %v", err)
	}
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run after response: %v", err)
	}

	if seenDirective != "narrow to sparse autoencoders" {
		t.Errorf("directive = %q, want the operator response", seenDirective)
	}
	got, _ = eng.Get(ctx, in.ID)
	if got.State != workflow.StateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if got.PendingDirective != "" {
		t.Errorf("pending directive = %q, want consumed", got.PendingDirective)
	}
}

// ──────────────────────────────────────────────────
// Interventions
// ──────────────────────────────────────────────────

func TestEngine_InterventionPreconditions(t *testing.T) {
	eng, _, _ := setupEngine(t, litReviewTemplate())
	ctx := context.Background()

	in, err := eng.Create(ctx, engine.CreateParams{
		TemplateID: "lit-review", Query: "q", Budget: 10.0,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// PENDING: pause, resume, direction response, and top-up are illegal.
	for name, call := range map[string]func() error{
		"pause":              func() error { return eng.Pause(ctx, in.ID) },
		"resume":             func() error { return eng.Resume(ctx, in.ID, 0) },
		"direction_response": func() error { return eng.DirectionResponse(ctx, in.ID, "x") },
		"top_up":             func() error { return eng.TopUp(ctx, in.ID, 1.0) },
		"rerun":              func() error { return eng.RerunStep(ctx, in.ID, "search") },
		"skip":               func() error { return eng.SkipStep(ctx, in.ID, "search") },
	} {
		if err := call(); !errors.Is(err, loom.ErrIllegalTransition) {
			t.Errorf("%s from pending: got %v, want ErrIllegalTransition", name, err)
		}
	}

	// Note injection and cancel are legal from PENDING.
	if err := eng.InjectNote(ctx, in.ID, "prefer survey papers", workflow.NoteFreeText); err != nil {
		t.Errorf("inject note from pending: %v", err)
	}
	if err := eng.Cancel(ctx, in.ID); err != nil {
		t.Errorf("cancel from pending: %v", err)
	}

	// Terminal: everything is illegal, including cancel.
	if err := eng.Cancel(ctx, in.ID); !errors.Is(err, loom.ErrIllegalTransition) {
		t.Errorf("cancel from cancelled: got %v, want ErrIllegalTransition", err)
	}
	if err := eng.InjectNote(ctx, in.ID, "x", workflow.NoteFreeText); !errors.Is(err, loom.ErrIllegalTransition) {
		t.Errorf("inject note from cancelled: got %v, want ErrIllegalTransition", err)
	}
	var ite *workflow.IllegalTransitionError
	if err := eng.Pause(ctx, in.ID); !errors.As(err, &ite) {
		t.Errorf("expected typed IllegalTransitionError, got %T", err)
	} else if ite.From != workflow.StateCancelled {
		t.Errorf("error From = %s, want cancelled", ite.From)
	}
}

func TestEngine_CancelStopsScheduling(t *testing.T) {
	tpl := litReviewTemplate()
	tpl.Steps[1].DirectionCheck = true
	eng, exec, _ := setupEngine(t, tpl)
	ctx := context.Background()

	in := createRunning(t, eng, 10.0)
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Parked at the direction check; cancel instead of responding.
	if err := eng.Cancel(ctx, in.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run after cancel: %v", err)
	}

	got, _ := eng.Get(ctx, in.ID)
	if got.State != workflow.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}
	if n := exec.count("synthesize"); n != 0 {
		t.Errorf("step executed %d times after cancel, want 0", n)
	}
}

func TestEngine_InjectNoteReachesNextStepContext(t *testing.T) {
	tpl := litReviewTemplate()
	tpl.Steps[1].DirectionCheck = true
	eng, exec, _ := setupEngine(t, tpl)
	ctx := context.Background()

	var seenNotes []workflow.Note
	exec.on("synthesize", func(in agent.Context) (agent.Result, error) {
		seenNotes = in.Notes
		return agent.Result{Output: json.RawMessage(`{}`), Cost: 1.0}, nil
	})

	in := createRunning(t, eng, 10.0)
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Park, inject a note, resume via direction response.
	if err := eng.InjectNote(ctx, in.ID, "exclude preprints", workflow.NoteRedirect); err != nil {
		t.Fatalf("inject note: %v", err)
	}
	if err := eng.DirectionResponse(ctx, in.ID, "proceed"); err != nil {
		t.Fatalf("direction response: %v", err)
	}
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(seenNotes) != 1 {
		t.Fatalf("notes seen = %d, want 1", len(seenNotes))
	}
	if seenNotes[0].Text != "exclude preprints" || seenNotes[0].Action != workflow.NoteRedirect {
		t.Errorf("note = %+v, want the injected redirect", seenNotes[0])
	}
}

func TestEngine_RerunStepExecutesExactlyOnceMore(t *testing.T) {
	tpl := litReviewTemplate()
	tpl.Steps[2].DirectionCheck = true
	eng, exec, _ := setupEngine(t, tpl)
	ctx := context.Background()

	in := createRunning(t, eng, 10.0)
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := eng.Get(ctx, in.ID)
	if got.State != workflow.StateWaitingDirection {
		t.Fatalf("state = %s, want waiting_direction", got.State)
	}

	// Rerun the first step from the parked state.
	if err := eng.RerunStep(ctx, in.ID, "search"); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	got, _ = eng.Get(ctx, in.ID)
	if got.State != workflow.StateRunning {
		t.Fatalf("state after rerun = %s, want running", got.State)
	}
	if got.CurrentStep != "search" {
		t.Errorf("current step = %s, want rewound to search", got.CurrentStep)
	}

	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run after rerun: %v", err)
	}

	// The rerun step executed once more; the other completed step did not.
	if n := exec.count("search"); n != 2 {
		t.Errorf("search executed %d times, want 2", n)
	}
	if n := exec.count("synthesize"); n != 1 {
		t.Errorf("synthesize executed %d times, want 1", n)
	}

	// Exactly one checkpoint per step.
	cps, _ := eng.Checkpoints(ctx, in.ID)
	seen := make(map[string]int)
	for _, cp := range cps {
		seen[cp.StepID]++
	}
	if seen["search"] != 1 {
		t.Errorf("search checkpoints = %d, want 1", seen["search"])
	}

	if err := eng.RerunStep(ctx, in.ID, "nonexistent"); err == nil {
		t.Error("expected error for unknown step")
	}
}

func TestEngine_SkipStepWritesSkippedCheckpoint(t *testing.T) {
	tpl := litReviewTemplate()
	tpl.Steps[1].DirectionCheck = true
	eng, exec, _ := setupEngine(t, tpl)
	ctx := context.Background()

	in := createRunning(t, eng, 10.0)
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Skip the direction-check step itself, then resume.
	if err := eng.SkipStep(ctx, in.ID, "synthesize"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if err := eng.Resume(ctx, in.ID, 0); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if n := exec.count("synthesize"); n != 0 {
		t.Errorf("skipped step executed %d times, want 0", n)
	}
	got, _ := eng.Get(ctx, in.ID)
	if got.State != workflow.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}

	cps, _ := eng.Checkpoints(ctx, in.ID)
	var skipped *checkpoint.Checkpoint
	for _, cp := range cps {
		if cp.StepID == "synthesize" {
			skipped = cp
		}
	}
	if skipped == nil {
		t.Fatal("expected a checkpoint for the skipped step")
	}
	if skipped.Status != checkpoint.StatusSkipped {
		t.Errorf("status = %s, want skipped", skipped.Status)
	}
}

func TestEngine_InjectStepSuppliesOperatorResult(t *testing.T) {
	tpl := litReviewTemplate()
	tpl.Steps[1].DirectionCheck = true
	eng, exec, _ := setupEngine(t, tpl)
	ctx := context.Background()

	in := createRunning(t, eng, 10.0)
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Inject the final step's result while parked, then answer the check.
	injected := json.RawMessage(`{"verdict":"operator-reviewed"}`)
	if err := eng.InjectStep(ctx, in.ID, "critique", injected, "manual review"); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if err := eng.DirectionResponse(ctx, in.ID, "proceed"); err != nil {
		t.Fatalf("direction response: %v", err)
	}
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if n := exec.count("critique"); n != 0 {
		t.Errorf("injected step executed %d times, want 0", n)
	}

	status, err := eng.GetStatus(ctx, in.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != workflow.StateCompleted {
		t.Fatalf("state = %s, want completed", status.State)
	}
	if string(status.Outputs["critique"]) != string(injected) {
		t.Errorf("critique output = %s, want injected payload", status.Outputs["critique"])
	}

	cps, _ := eng.Checkpoints(ctx, in.ID)
	for _, cp := range cps {
		if cp.StepID != "critique" {
			continue
		}
		if cp.Status != checkpoint.StatusInjected {
			t.Errorf("status = %s, want injected", cp.Status)
		}
		if cp.UserAdjustment != "manual review" {
			t.Errorf("user adjustment = %q, want the reason", cp.UserAdjustment)
		}
	}
}

func TestEngine_PauseParksBetweenIterations(t *testing.T) {
	eng, exec, _ := setupEngine(t, litReviewTemplate())
	ctx := context.Background()

	in := createRunning(t, eng, 10.0)

	// Pause from the first step's executor: the intervention applies
	// after the in-flight step completes, before the next iteration.
	exec.on("search", func(agent.Context) (agent.Result, error) {
		go func() {
			// Applies while the loop holds the lock; blocks until the
			// iteration releases it.
			_ = eng.Pause(ctx, in.ID)
		}()
		return agent.Result{Output: json.RawMessage(`{}`), Cost: 1.0}, nil
	})

	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := eng.Get(ctx, in.ID)
	switch got.State {
	case workflow.StatePaused:
		// The pause won the race against the next iteration.
		if n := exec.count("search"); n != 1 {
			t.Errorf("in-flight step executed %d times, want 1", n)
		}
		cps, _ := eng.Checkpoints(ctx, in.ID)
		if len(cps) < 1 {
			t.Error("expected the in-flight step's checkpoint to be written")
		}
	case workflow.StateCompleted:
		// The loop finished before the pause applied; pause then fails
		// its precondition. Either order is a valid serialization.
	default:
		t.Fatalf("state = %s, want paused or completed", got.State)
	}
}

// ──────────────────────────────────────────────────
// Status and lifecycle
// ──────────────────────────────────────────────────

func TestEngine_GetStatusSnapshot(t *testing.T) {
	eng, _, _ := setupEngine(t, litReviewTemplate())
	ctx := context.Background()

	in := createRunning(t, eng, 10.0)
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	status, err := eng.GetStatus(ctx, in.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != workflow.StateCompleted {
		t.Errorf("state = %s, want completed", status.State)
	}
	if len(status.Outputs) != 3 {
		t.Errorf("outputs = %d, want 3", len(status.Outputs))
	}
	if status.BudgetTotal != 10.0 || status.BudgetRemaining != 7.0 {
		t.Errorf("budget = %v/%v, want 7.0/10.0", status.BudgetRemaining, status.BudgetTotal)
	}

	if _, err := eng.GetStatus(ctx, id.NewWorkflowID()); !errors.Is(err, loom.ErrWorkflowNotFound) {
		t.Errorf("unknown workflow: got %v, want ErrWorkflowNotFound", err)
	}
}

func TestEngine_CreateRejectsUnknownTemplate(t *testing.T) {
	eng, _, _ := setupEngine(t, litReviewTemplate())

	_, err := eng.Create(context.Background(), engine.CreateParams{
		TemplateID: "nope", Query: "q", Budget: 1.0,
	})
	if !errors.Is(err, loom.ErrTemplateNotFound) {
		t.Errorf("got %v, want ErrTemplateNotFound", err)
	}
}

func TestEngine_SubmitEnqueuesTask(t *testing.T) {
	eng, _, s := setupEngine(t, litReviewTemplate())
	ctx := context.Background()

	in, err := eng.Create(ctx, engine.CreateParams{
		TemplateID: "lit-review", Query: "q", Budget: 10.0,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	task, err := eng.Submit(ctx, in.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.WorkflowID.String() != in.ID.String() {
		t.Errorf("task workflow = %s, want %s", task.WorkflowID, in.ID)
	}

	got, _ := eng.Get(ctx, in.ID)
	if got.State != workflow.StateRunning {
		t.Errorf("state = %s, want running", got.State)
	}

	stored, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored == nil {
		t.Fatal("expected the task to be persisted")
	}
}

func TestEngine_ResumeAllRequeuesInterruptedWorkflows(t *testing.T) {
	eng, _, s := setupEngine(t, litReviewTemplate())
	ctx := context.Background()

	// One interrupted workflow (running, no task) and one parked.
	interrupted := createRunning(t, eng, 10.0)
	parked := createRunning(t, eng, 10.0)
	if err := eng.Pause(ctx, parked.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if err := eng.ResumeAll(ctx); err != nil {
		t.Fatalf("resume all: %v", err)
	}

	tasks, err := s.ListTasksByState(ctx, taskqueue.StatePending, taskqueue.ListOpts{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("pending tasks = %d, want 1 (only the interrupted workflow)", len(tasks))
	}
	if tasks[0].WorkflowID.String() != interrupted.ID.String() {
		t.Errorf("requeued workflow = %s, want %s", tasks[0].WorkflowID, interrupted.ID)
	}

	// Idempotent: a second scan sees the pending task and does not
	// enqueue another.
	if err := eng.ResumeAll(ctx); err != nil {
		t.Fatalf("second resume all: %v", err)
	}
	pending, err := s.CountTasks(ctx, taskqueue.StatePending)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending tasks after rescan = %d, want 1", pending)
	}
}

func TestEngine_IndependentWorkflowsRunConcurrently(t *testing.T) {
	eng, exec, _ := setupEngine(t, litReviewTemplate())
	ctx := context.Background()

	const n = 8
	ids := make([]id.WorkflowID, n)
	for i := range n {
		ids[i] = createRunning(t, eng, 10.0).ID
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, wfID := range ids {
		g.Go(func() error {
			return eng.Run(gctx, wfID)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent runs: %v", err)
	}

	for _, wfID := range ids {
		got, err := eng.Get(ctx, wfID)
		if err != nil {
			t.Fatalf("get %s: %v", wfID, err)
		}
		if got.State != workflow.StateCompleted {
			t.Errorf("workflow %s state = %s, want completed", wfID, got.State)
		}
		if got.BudgetRemaining != 7.0 {
			t.Errorf("workflow %s budget remaining = %.2f, want 7.0", wfID, got.BudgetRemaining)
		}
	}

	// Each instance executed each step exactly once across all runs.
	for _, stepID := range []string{"search", "synthesize", "critique"} {
		if c := exec.count(stepID); c != n {
			t.Errorf("step %s executed %d times, want %d", stepID, c, n)
		}
	}
}
