// Package checkpoint defines the durable record of step completion and
// the checkpoint store interface. A checkpoint is the authoritative proof
// that a given step, for a given workflow, has produced a result: the
// engine's resume path trusts checkpoint presence over any in-memory or
// instance-level position marker.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/loomworks/loom/id"
)

// Status classifies how a checkpoint came to exist.
type Status string

const (
	// StatusCompleted means the step's agent executed normally.
	StatusCompleted Status = "completed"
	// StatusSkipped means an operator skipped the step; the output is
	// empty and the agent was never invoked.
	StatusSkipped Status = "skipped"
	// StatusInjected means an operator supplied the step's result
	// manually, bypassing the agent.
	StatusInjected Status = "injected"
)

// Checkpoint records that a step produced a result at a cost. Rows are
// keyed by (workflow, step): a second save for the same pair overwrites
// in place rather than duplicating.
type Checkpoint struct {
	ID         id.CheckpointID `json:"id"`
	WorkflowID id.WorkflowID   `json:"workflow_id"`
	StepID     string          `json:"step_id"`

	// StepIndex is the step's 0-based position in the template's ordered
	// list, used to detect and reject out-of-order replays.
	StepIndex int `json:"step_index"`

	AgentID string          `json:"agent_id"`
	Status  Status          `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`

	CostIncurred float64 `json:"cost_incurred"`

	// IdempotencyToken is unique per checkpoint write. A retried
	// execution (e.g. a task redelivered by the queue after a crash)
	// compares tokens to detect "this exact attempt already landed" and
	// skip the budget deduction a second time.
	IdempotencyToken string `json:"idempotency_token"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Error is set only for skipped/injected rows that bypassed normal
	// execution, or for failure checkpoints on optional steps.
	Error string `json:"error,omitempty"`

	// UserAdjustment is free text describing an operator directive that
	// influenced this step's outcome.
	UserAdjustment string `json:"user_adjustment,omitempty"`
}

// NewToken returns a fresh idempotency token. Tokens are ULIDs: sortable,
// unique, and cheap to compare.
func NewToken() string {
	return ulid.Make().String()
}
