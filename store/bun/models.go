package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/taskqueue"
	"github.com/loomworks/loom/workflow"
)

// ── Workflow instance model ───────────────────────────────────────

type instanceModel struct {
	bun.BaseModel `bun:"table:loom_workflows"`

	ID               string                 `bun:"id,pk"`
	TemplateID       string                 `bun:"template_id,notnull"`
	Query            string                 `bun:"query,notnull"`
	State            string                 `bun:"state,notnull,default:'pending'"`
	CurrentStep      string                 `bun:"current_step"`
	StepHistory      []workflow.StepSummary `bun:"step_history,type:jsonb"`
	BudgetTotal      float64                `bun:"budget_total,notnull,default:0"`
	BudgetRemaining  float64                `bun:"budget_remaining,notnull,default:0"`
	Overdrawn        bool                   `bun:"overdrawn,notnull,default:false"`
	LoopCount        map[string]int         `bun:"loop_count,type:jsonb"`
	InjectedNotes    []workflow.Note        `bun:"injected_notes,type:jsonb"`
	SeedPapers       []string               `bun:"seed_papers,array"`
	ManifestPath     string                 `bun:"manifest_path"`
	PendingDirective string                 `bun:"pending_directive"`
	LastError        string                 `bun:"last_error"`
	StartedAt        time.Time              `bun:"started_at"`
	CompletedAt      *time.Time             `bun:"completed_at"`
	CreatedAt        time.Time              `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt        time.Time              `bun:"updated_at,notnull,default:current_timestamp"`
}

func toInstanceModel(in *workflow.Instance) *instanceModel {
	return &instanceModel{
		ID:               in.ID.String(),
		TemplateID:       in.TemplateID,
		Query:            in.Query,
		State:            string(in.State),
		CurrentStep:      in.CurrentStep,
		StepHistory:      in.StepHistory,
		BudgetTotal:      in.BudgetTotal,
		BudgetRemaining:  in.BudgetRemaining,
		Overdrawn:        in.Overdrawn,
		LoopCount:        in.LoopCount,
		InjectedNotes:    in.InjectedNotes,
		SeedPapers:       in.SeedPapers,
		ManifestPath:     in.ManifestPath,
		PendingDirective: in.PendingDirective,
		LastError:        in.LastError,
		StartedAt:        in.StartedAt,
		CompletedAt:      in.CompletedAt,
		CreatedAt:        in.CreatedAt,
		UpdatedAt:        in.UpdatedAt,
	}
}

func fromInstanceModel(m *instanceModel) (*workflow.Instance, error) {
	parsedID, err := id.ParseWorkflowID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse workflow id %q: %w", m.ID, err)
	}

	return &workflow.Instance{
		Entity: loom.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:               parsedID,
		TemplateID:       m.TemplateID,
		Query:            m.Query,
		State:            workflow.State(m.State),
		CurrentStep:      m.CurrentStep,
		StepHistory:      m.StepHistory,
		BudgetTotal:      m.BudgetTotal,
		BudgetRemaining:  m.BudgetRemaining,
		Overdrawn:        m.Overdrawn,
		LoopCount:        m.LoopCount,
		InjectedNotes:    m.InjectedNotes,
		SeedPapers:       m.SeedPapers,
		ManifestPath:     m.ManifestPath,
		PendingDirective: m.PendingDirective,
		LastError:        m.LastError,
		StartedAt:        m.StartedAt,
		CompletedAt:      m.CompletedAt,
	}, nil
}

// ── Checkpoint model ──────────────────────────────────────────────

type checkpointModel struct {
	bun.BaseModel `bun:"table:loom_checkpoints"`

	ID               string    `bun:"id,notnull"`
	WorkflowID       string    `bun:"workflow_id,pk"`
	StepID           string    `bun:"step_id,pk"`
	StepIndex        int       `bun:"step_index,notnull,default:0"`
	AgentID          string    `bun:"agent_id"`
	Status           string    `bun:"status,notnull,default:'completed'"`
	Output           []byte    `bun:"output,type:bytea"`
	CostIncurred     float64   `bun:"cost_incurred,notnull,default:0"`
	IdempotencyToken string    `bun:"idempotency_token,notnull"`
	StartedAt        time.Time `bun:"started_at"`
	CompletedAt      time.Time `bun:"completed_at"`
	Error            string    `bun:"error"`
	UserAdjustment   string    `bun:"user_adjustment"`
}

func toCheckpointModel(cp *checkpoint.Checkpoint) *checkpointModel {
	return &checkpointModel{
		ID:               cp.ID.String(),
		WorkflowID:       cp.WorkflowID.String(),
		StepID:           cp.StepID,
		StepIndex:        cp.StepIndex,
		AgentID:          cp.AgentID,
		Status:           string(cp.Status),
		Output:           cp.Output,
		CostIncurred:     cp.CostIncurred,
		IdempotencyToken: cp.IdempotencyToken,
		StartedAt:        cp.StartedAt,
		CompletedAt:      cp.CompletedAt,
		Error:            cp.Error,
		UserAdjustment:   cp.UserAdjustment,
	}
}

func fromCheckpointModel(m *checkpointModel) (*checkpoint.Checkpoint, error) {
	parsedID, err := id.ParseCheckpointID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse checkpoint id %q: %w", m.ID, err)
	}

	parsedWfID, err := id.ParseWorkflowID(m.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse workflow id %q: %w", m.WorkflowID, err)
	}

	return &checkpoint.Checkpoint{
		ID:               parsedID,
		WorkflowID:       parsedWfID,
		StepID:           m.StepID,
		StepIndex:        m.StepIndex,
		AgentID:          m.AgentID,
		Status:           checkpoint.Status(m.Status),
		Output:           m.Output,
		CostIncurred:     m.CostIncurred,
		IdempotencyToken: m.IdempotencyToken,
		StartedAt:        m.StartedAt,
		CompletedAt:      m.CompletedAt,
		Error:            m.Error,
		UserAdjustment:   m.UserAdjustment,
	}, nil
}

// ── Cost ledger model ─────────────────────────────────────────────

type costEntryModel struct {
	bun.BaseModel `bun:"table:loom_cost_ledger"`

	ID               string    `bun:"id,pk"`
	WorkflowID       string    `bun:"workflow_id,notnull"`
	StepID           string    `bun:"step_id,notnull"`
	AgentID          string    `bun:"agent_id"`
	InputTokens      int       `bun:"input_tokens,notnull,default:0"`
	OutputTokens     int       `bun:"output_tokens,notnull,default:0"`
	Cost             float64   `bun:"cost,notnull,default:0"`
	IdempotencyToken string    `bun:"idempotency_token,notnull,unique"`
	CreatedAt        time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func toCostEntryModel(e *budget.CostLedgerEntry) *costEntryModel {
	return &costEntryModel{
		ID:               e.ID.String(),
		WorkflowID:       e.WorkflowID.String(),
		StepID:           e.StepID,
		AgentID:          e.AgentID,
		InputTokens:      e.InputTokens,
		OutputTokens:     e.OutputTokens,
		Cost:             e.Cost,
		IdempotencyToken: e.IdempotencyToken,
		CreatedAt:        e.CreatedAt,
	}
}

func fromCostEntryModel(m *costEntryModel) (*budget.CostLedgerEntry, error) {
	parsedID, err := id.ParseCostID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse cost id %q: %w", m.ID, err)
	}

	parsedWfID, err := id.ParseWorkflowID(m.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse workflow id %q: %w", m.WorkflowID, err)
	}

	return &budget.CostLedgerEntry{
		ID:               parsedID,
		WorkflowID:       parsedWfID,
		StepID:           m.StepID,
		AgentID:          m.AgentID,
		InputTokens:      m.InputTokens,
		OutputTokens:     m.OutputTokens,
		Cost:             m.Cost,
		IdempotencyToken: m.IdempotencyToken,
		CreatedAt:        m.CreatedAt,
	}, nil
}

// ── Task model ────────────────────────────────────────────────────

type taskModel struct {
	bun.BaseModel `bun:"table:loom_tasks"`

	ID          string     `bun:"id,pk"`
	WorkflowID  string     `bun:"workflow_id,notnull"`
	State       string     `bun:"state,notnull,default:'pending'"`
	Attempts    int        `bun:"attempts,notnull,default:0"`
	MaxAttempts int        `bun:"max_attempts,notnull,default:2"`
	LastError   string     `bun:"last_error"`
	WorkerID    string     `bun:"worker_id"`
	RunAt       time.Time  `bun:"run_at,notnull,default:current_timestamp"`
	Deadline    *time.Time `bun:"deadline"`
	StartedAt   *time.Time `bun:"started_at"`
	CompletedAt *time.Time `bun:"completed_at"`
	HeartbeatAt *time.Time `bun:"heartbeat_at"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toTaskModel(t *taskqueue.Task) *taskModel {
	m := &taskModel{
		ID:          t.ID.String(),
		WorkflowID:  t.WorkflowID.String(),
		State:       string(t.State),
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		LastError:   t.LastError,
		WorkerID:    t.WorkerID.String(),
		RunAt:       t.RunAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		HeartbeatAt: t.HeartbeatAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if !t.Deadline.IsZero() {
		deadline := t.Deadline
		m.Deadline = &deadline
	}
	return m
}

func fromTaskModel(m *taskModel) (*taskqueue.Task, error) {
	parsedID, err := id.ParseTaskID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse task id %q: %w", m.ID, err)
	}

	parsedWfID, err := id.ParseWorkflowID(m.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse workflow id %q: %w", m.WorkflowID, err)
	}

	t := &taskqueue.Task{
		Entity: loom.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          parsedID,
		WorkflowID:  parsedWfID,
		State:       taskqueue.State(m.State),
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		LastError:   m.LastError,
		RunAt:       m.RunAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		HeartbeatAt: m.HeartbeatAt,
	}
	if m.Deadline != nil {
		t.Deadline = *m.Deadline
	}

	if m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr == nil {
			t.WorkerID = parsedWorker
		}
	}

	return t, nil
}
