package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// ──────────────────────────────────────────────────
// Request bodies
// ──────────────────────────────────────────────────

// ResumeRequest optionally adds budget before resuming.
type ResumeRequest struct {
	TopUp float64 `json:"top_up,omitempty"`
}

// NoteRequest injects an operator note.
type NoteRequest struct {
	Text   string              `json:"text"`
	Action workflow.NoteAction `json:"action,omitempty"`
}

// DirectionRequest answers a pending direction check.
type DirectionRequest struct {
	Text string `json:"text"`
}

// TopUpRequest adds budget without resuming.
type TopUpRequest struct {
	Amount float64 `json:"amount"`
}

// InjectStepRequest supplies an operator-authored step result.
type InjectStepRequest struct {
	Result json.RawMessage `json:"result"`
	Reason string          `json:"reason,omitempty"`
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("loom/api: decode request: %w", err)
	}
	return nil
}

// workflowID parses the {id} route parameter. A false return means the
// response has already been written.
func workflowID(w http.ResponseWriter, r *http.Request) (id.WorkflowID, bool) {
	wfID, err := id.ParseWorkflowID(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, err)
		return id.Nil, false
	}
	return wfID, true
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	opts := workflow.ListOpts{
		State: workflow.State(r.URL.Query().Get("state")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, fmt.Errorf("loom/api: invalid limit %q", v))
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, fmt.Errorf("loom/api: invalid offset %q", v))
			return
		}
		opts.Offset = n
	}

	list, err := s.eng.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*workflow.Instance{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	in, err := s.eng.Get(r.Context(), wfID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	status, err := s.eng.GetStatus(r.Context(), wfID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	cps, err := s.eng.Checkpoints(r.Context(), wfID)
	if err != nil {
		writeError(w, err)
		return
	}
	if cps == nil {
		cps = []*checkpoint.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	entries, err := s.eng.Ledger(r.Context(), wfID)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*budget.CostLedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ──────────────────────────────────────────────────
// Mutations
// ──────────────────────────────────────────────────

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var p engine.CreateParams
	if err := decode(r, &p); err != nil {
		badRequest(w, err)
		return
	}
	in, err := s.eng.Create(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	task, err := s.eng.Submit(r.Context(), wfID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	if err := s.eng.Pause(r.Context(), wfID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	// The body is optional; a bare resume carries no top-up.
	var req ResumeRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			badRequest(w, err)
			return
		}
	}
	if err := s.eng.Resume(r.Context(), wfID, req.TopUp); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	if err := s.eng.Cancel(r.Context(), wfID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInjectNote(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	var req NoteRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.Text == "" {
		badRequest(w, fmt.Errorf("loom/api: note text is required"))
		return
	}
	if req.Action == "" {
		req.Action = workflow.NoteFreeText
	}
	if err := s.eng.InjectNote(r.Context(), wfID, req.Text, req.Action); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDirectionResponse(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	var req DirectionRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.Text == "" {
		badRequest(w, fmt.Errorf("loom/api: direction text is required"))
		return
	}
	if err := s.eng.DirectionResponse(r.Context(), wfID, req.Text); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	var req TopUpRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if err := s.eng.TopUp(r.Context(), wfID, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRerunStep(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	if err := s.eng.RerunStep(r.Context(), wfID, chi.URLParam(r, "stepID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSkipStep(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	if err := s.eng.SkipStep(r.Context(), wfID, chi.URLParam(r, "stepID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInjectStep(w http.ResponseWriter, r *http.Request) {
	wfID, ok := workflowID(w, r)
	if !ok {
		return
	}
	var req InjectStepRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if len(req.Result) == 0 {
		badRequest(w, fmt.Errorf("loom/api: step result is required"))
		return
	}
	if err := s.eng.InjectStep(r.Context(), wfID, chi.URLParam(r, "stepID"), req.Result, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
