// Package agent defines the contract between the workflow engine and the
// opaque step collaborators that call the generative inference provider.
// The engine never inspects what a step computes; it only assembles the
// input context, invokes the executor, and records the result and cost.
package agent

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// Context is the accumulated input handed to a step executor: the
// original query, every prior step's output, operator notes, and any
// pending directive from a direction check.
type Context struct {
	WorkflowID id.WorkflowID `json:"workflow_id"`
	Query      string        `json:"query"`

	// PriorOutputs maps completed step ids to their output payloads,
	// rebuilt from checkpoints so it is identical across resumes.
	PriorOutputs map[string]json.RawMessage `json:"prior_outputs,omitempty"`

	// Notes are operator-injected directives, in injection order.
	Notes []workflow.Note `json:"notes,omitempty"`

	// Directive is the operator's response to a direction check, present
	// only on the step that triggered the check.
	Directive string `json:"directive,omitempty"`

	SeedPapers   []string `json:"seed_papers,omitempty"`
	ManifestPath string   `json:"manifest_path,omitempty"`
}

// Result is a step's structured output plus what it cost to produce.
type Result struct {
	Output       json.RawMessage `json:"output"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	Cost         float64         `json:"cost"`
}

// Executor is the opaque step collaborator. Execute blocks for the
// duration of the provider call and must honor context cancellation.
type Executor interface {
	// Execute runs one step against the accumulated context.
	Execute(ctx context.Context, step workflow.StepDef, in Context) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, step workflow.StepDef, in Context) (Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, step workflow.StepDef, in Context) (Result, error) {
	return f(ctx, step, in)
}
