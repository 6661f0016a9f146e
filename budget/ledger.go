// Package budget provides the budget governor: admission control before
// every step, cost settlement after every step, and operator top-ups.
// Spend is backed by an immutable cost ledger so that deductions can be
// reconciled from durable state after a crash.
package budget

import (
	"context"
	"time"

	"github.com/loomworks/loom/id"
)

// CostLedgerEntry is an immutable record of one billable unit of work.
// Entries are never mutated; the governor reconstructs spend from them.
type CostLedgerEntry struct {
	ID         id.CostID     `json:"id"`
	WorkflowID id.WorkflowID `json:"workflow_id"`
	StepID     string        `json:"step_id"`
	AgentID    string        `json:"agent_id"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`

	// IdempotencyToken ties the entry to the checkpoint write that
	// produced it. Appending a second entry with the same token is a
	// no-op, which is what makes queue-level redelivery safe.
	IdempotencyToken string `json:"idempotency_token"`

	CreatedAt time.Time `json:"created_at"`
}

// Store defines the persistence contract for the cost ledger.
type Store interface {
	// AppendCostEntry persists a ledger entry. If an entry with the same
	// idempotency token already exists, nothing is written and inserted
	// is false.
	AppendCostEntry(ctx context.Context, e *CostLedgerEntry) (inserted bool, err error)

	// ListCostEntries returns all ledger entries for a workflow in
	// creation order.
	ListCostEntries(ctx context.Context, wfID id.WorkflowID) ([]*CostLedgerEntry, error)

	// SumCost returns the total recorded spend for a workflow.
	SumCost(ctx context.Context, wfID id.WorkflowID) (float64, error)

	// AverageCostByStep returns the mean cost and sample count for a step
	// id across all workflows. Used by the historical estimator.
	AverageCostByStep(ctx context.Context, stepID string) (avg float64, n int, err error)
}
