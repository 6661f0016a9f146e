package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/api"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/ratelimit"
	"github.com/loomworks/loom/store/memory"
	"github.com/loomworks/loom/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// okExecutor returns a trivial success for every step.
var okExecutor = agent.ExecutorFunc(func(_ context.Context, step workflow.StepDef, _ agent.Context) (agent.Result, error) {
	out, _ := json.Marshal(map[string]string{"step": step.ID})
	return agent.Result{Output: out, Cost: 1.0}, nil
})

func setupServer(t *testing.T, opts ...api.Option) (*api.Server, *engine.Engine) {
	t.Helper()

	o, err := loom.New(
		loom.WithStore(memory.New()),
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

	tpl := &workflow.Template{
		ID: "lit-review",
		Steps: []workflow.StepDef{
			{ID: "search", AgentID: "searcher", EstimatedCost: 1.0},
			{ID: "synthesize", AgentID: "synthesizer", EstimatedCost: 1.0},
			{ID: "critique", AgentID: "critic", EstimatedCost: 1.0},
		},
	}
	if err := eng.Templates().Register(tpl); err != nil {
		t.Fatalf("register template: %v", err)
	}
	for _, step := range tpl.Steps {
		eng.Agents().Register(step.AgentID, okExecutor)
	}

	opts = append([]api.Option{api.WithLogger(discardLogger())}, opts...)
	return api.NewServer(eng, opts...), eng
}

func doJSON(t *testing.T, s *api.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func createWorkflow(t *testing.T, s *api.Server, budgetTotal float64) *workflow.Instance {
	t.Helper()

	rec := doJSON(t, s, http.MethodPost, "/v1/workflows", engine.CreateParams{
		TemplateID: "lit-review",
		Query:      "transformer interpretability",
		Budget:     budgetTotal,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var in workflow.Instance
	if err := json.Unmarshal(rec.Body.Bytes(), &in); err != nil {
		t.Fatalf("decode instance: %v", err)
	}
	return &in
}

func TestAPI_CreateWorkflow(t *testing.T) {
	s, _ := setupServer(t)

	in := createWorkflow(t, s, 10.0)
	if in.TemplateID != "lit-review" {
		t.Errorf("template = %s, want lit-review", in.TemplateID)
	}
	if in.State != workflow.StatePending {
		t.Errorf("state = %s, want pending", in.State)
	}
	if in.BudgetRemaining != 10.0 {
		t.Errorf("budget remaining = %.2f, want 10.0", in.BudgetRemaining)
	}
	if in.ID.IsNil() {
		t.Error("expected an assigned workflow id")
	}
}

func TestAPI_CreateUnknownTemplateIs404(t *testing.T) {
	s, _ := setupServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/workflows", engine.CreateParams{
		TemplateID: "no-such-template",
		Budget:     1.0,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAPI_GetWorkflowErrors(t *testing.T) {
	s, _ := setupServer(t)

	rec := doJSON(t, s, http.MethodGet, "/v1/workflows/"+id.NewWorkflowID().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/workflows/not-a-typeid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed id status = %d, want 400", rec.Code)
	}
}

func TestAPI_LifecycleOverHTTP(t *testing.T) {
	s, eng := setupServer(t)
	ctx := context.Background()

	in := createWorkflow(t, s, 10.0)

	rec := doJSON(t, s, http.MethodPost, "/v1/workflows/"+in.ID.String()+"/submit", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Drive the loop directly instead of standing up the worker pool.
	if err := eng.Run(ctx, in.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/workflows/"+in.ID.String()+"/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status route = %d", rec.Code)
	}
	var status workflow.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != workflow.StateCompleted {
		t.Errorf("state = %s, want completed", status.State)
	}
	if len(status.Outputs) != 3 {
		t.Errorf("outputs = %d, want 3", len(status.Outputs))
	}
	if status.BudgetRemaining != 7.0 {
		t.Errorf("budget remaining = %.2f, want 7.0", status.BudgetRemaining)
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/workflows/"+in.ID.String()+"/checkpoints", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("checkpoints route = %d", rec.Code)
	}
	var cps []*checkpoint.Checkpoint
	if err := json.Unmarshal(rec.Body.Bytes(), &cps); err != nil {
		t.Fatalf("decode checkpoints: %v", err)
	}
	if len(cps) != 3 {
		t.Errorf("checkpoints = %d, want 3", len(cps))
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/workflows/"+in.ID.String()+"/ledger", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ledger route = %d", rec.Code)
	}
	var entries []*budget.CostLedgerEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode ledger: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("ledger entries = %d, want 3", len(entries))
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/workflows?state=completed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list route = %d", rec.Code)
	}
	var list []*workflow.Instance
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("completed instances = %d, want 1", len(list))
	}
}

func TestAPI_IllegalTransitionIs409(t *testing.T) {
	s, _ := setupServer(t)

	in := createWorkflow(t, s, 10.0)

	// Pause is not legal from PENDING.
	rec := doJSON(t, s, http.MethodPost, "/v1/workflows/"+in.ID.String()+"/pause", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("pause status = %d, want 409", rec.Code)
	}
}

func TestAPI_PauseResumeRoundTrip(t *testing.T) {
	s, eng := setupServer(t)
	ctx := context.Background()

	in := createWorkflow(t, s, 10.0)
	if err := eng.Start(ctx, in.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	rec := doJSON(t, s, http.MethodPost, "/v1/workflows/"+in.ID.String()+"/pause", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("pause status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/workflows/"+in.ID.String()+"/resume", api.ResumeRequest{TopUp: 2.0})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("resume status = %d, body %s", rec.Code, rec.Body.String())
	}

	got, err := eng.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != workflow.StateRunning {
		t.Errorf("state = %s, want running", got.State)
	}
	if got.BudgetRemaining != 12.0 {
		t.Errorf("budget remaining = %.2f, want 12.0 after top-up", got.BudgetRemaining)
	}
}

func TestAPI_TopUpValidation(t *testing.T) {
	s, eng := setupServer(t)
	ctx := context.Background()

	in := createWorkflow(t, s, 10.0)
	if err := eng.Start(ctx, in.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := eng.Pause(ctx, in.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	rec := doJSON(t, s, http.MethodPost, "/v1/workflows/"+in.ID.String()+"/topup", api.TopUpRequest{Amount: -5.0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative top-up status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/workflows/"+in.ID.String()+"/topup", api.TopUpRequest{Amount: 5.0})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("top-up status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_NoteRequiresText(t *testing.T) {
	s, _ := setupServer(t)

	in := createWorkflow(t, s, 10.0)

	rec := doJSON(t, s, http.MethodPost, "/v1/workflows/"+in.ID.String()+"/notes", api.NoteRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty note status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/workflows/"+in.ID.String()+"/notes", api.NoteRequest{
		Text: "exclude preprints",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("note status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_SkipStepWhileRunning(t *testing.T) {
	s, eng := setupServer(t)
	ctx := context.Background()

	in := createWorkflow(t, s, 10.0)
	if err := eng.Start(ctx, in.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	rec := doJSON(t, s, http.MethodPost, "/v1/workflows/"+in.ID.String()+"/steps/synthesize/skip", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("skip status = %d, body %s", rec.Code, rec.Body.String())
	}

	cps, err := eng.Checkpoints(ctx, in.ID)
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if len(cps) != 1 || cps[0].Status != checkpoint.StatusSkipped {
		t.Fatalf("expected one skipped checkpoint, got %+v", cps)
	}

	// A step the template does not contain.
	rec = doJSON(t, s, http.MethodPost, "/v1/workflows/"+in.ID.String()+"/steps/nonexistent/rerun", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("rerun unknown step status = %d, want 404", rec.Code)
	}
}

func TestAPI_InjectStepRequiresResult(t *testing.T) {
	s, eng := setupServer(t)
	ctx := context.Background()

	in := createWorkflow(t, s, 10.0)
	if err := eng.Start(ctx, in.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	rec := doJSON(t, s, http.MethodPost, "/v1/workflows/"+in.ID.String()+"/steps/critique/inject", api.InjectStepRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty inject status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/workflows/"+in.ID.String()+"/steps/critique/inject", api.InjectStepRequest{
		Result: json.RawMessage(`{"verdict":"sound"}`),
		Reason: "manual review",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("inject status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_RateLimitedMutationsGet429(t *testing.T) {
	limiter := ratelimit.NewManager(
		ratelimit.Config{Name: api.ClassMutations, Rate: 0, Burst: 1},
	)
	s, _ := setupServer(t, api.WithRateLimiter(limiter))

	// The single burst token admits the first mutation.
	_ = createWorkflow(t, s, 10.0)

	rec := doJSON(t, s, http.MethodPost, "/v1/workflows", engine.CreateParams{
		TemplateID: "lit-review",
		Budget:     1.0,
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second mutation status = %d, want 429", rec.Code)
	}

	// Reads are a separate class and stay open.
	rec = doJSON(t, s, http.MethodGet, "/v1/workflows", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d, want 200", rec.Code)
	}
}

func TestAPI_Healthz(t *testing.T) {
	s, _ := setupServer(t)

	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}
