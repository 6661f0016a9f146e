package workflow

import (
	"encoding/json"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
)

// StepDone is the CurrentStep sentinel used once an instance reaches a
// terminal state and no step remains to execute.
const StepDone = "-"

// NoteAction classifies an injected operator note.
type NoteAction string

const (
	// NoteFreeText is an unstructured hint folded into step context.
	NoteFreeText NoteAction = "FREE_TEXT"
	// NoteRedirect asks the pipeline to change focus or direction.
	NoteRedirect NoteAction = "REDIRECT"
)

// Note is an operator-supplied directive appended to a running workflow.
// Notes take effect on the next step's context assembly, not retroactively.
type Note struct {
	Text      string     `json:"text"`
	Action    NoteAction `json:"action"`
	CreatedAt time.Time  `json:"created_at"`
}

// StepSummary is one entry in an instance's append-only step history.
type StepSummary struct {
	StepID      string    `json:"step_id"`
	AgentID     string    `json:"agent_id"`
	Status      string    `json:"status"` // mirrors checkpoint status
	Cost        float64   `json:"cost"`
	CompletedAt time.Time `json:"completed_at"`
}

// Instance represents one pipeline run: its template, query, budget, and
// the full mutable state the engine and intervention handlers operate on.
// It is mutated only by the engine's step loop and intervention handlers,
// always under the engine's per-workflow lock.
type Instance struct {
	loom.Entity

	ID         id.WorkflowID `json:"id"`
	TemplateID string        `json:"template_id"`
	Query      string        `json:"query"`
	State      State         `json:"state"`

	// CurrentStep is the step the loop will attempt next, or StepDone.
	// The authoritative resume position is checkpoint presence, not this
	// field; it exists for operator-facing status.
	CurrentStep string        `json:"current_step"`
	StepHistory []StepSummary `json:"step_history"`

	BudgetTotal     float64 `json:"budget_total"`
	BudgetRemaining float64 `json:"budget_remaining"`
	// Overdrawn is set when a settle clamped the remaining budget at zero;
	// it forces the next authorization to deny.
	Overdrawn bool `json:"overdrawn,omitempty"`

	// LoopCount maps step id to the number of times it has executed,
	// used to cap retry loops.
	LoopCount map[string]int `json:"loop_count,omitempty"`

	InjectedNotes []Note   `json:"injected_notes,omitempty"`
	SeedPapers    []string `json:"seed_papers,omitempty"`
	ManifestPath  string   `json:"manifest_path,omitempty"`

	// PendingDirective holds an operator's direction response until the
	// next direction-check step consumes it.
	PendingDirective string `json:"pending_directive,omitempty"`

	LastError   string     `json:"last_error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Transition moves the instance to a new state if the state machine
// permits it, returning an *IllegalTransitionError otherwise.
func (in *Instance) Transition(to State) error {
	if !CanTransition(in.State, to) {
		return &IllegalTransitionError{From: in.State, Attempted: Op(to)}
	}
	in.State = to
	if to.Terminal() {
		now := time.Now().UTC()
		in.CompletedAt = &now
		in.CurrentStep = StepDone
	}
	return nil
}

// Bump increments the loop counter for a step and returns the new count.
func (in *Instance) Bump(stepID string) int {
	if in.LoopCount == nil {
		in.LoopCount = make(map[string]int)
	}
	in.LoopCount[stepID]++
	return in.LoopCount[stepID]
}

// AppendNote appends an operator note stamped with the current time.
func (in *Instance) AppendNote(text string, action NoteAction) {
	in.InjectedNotes = append(in.InjectedNotes, Note{
		Text:      text,
		Action:    action,
		CreatedAt: time.Now().UTC(),
	})
}

// Status is the read-only snapshot returned by the engine's GetStatus.
type Status struct {
	ID              id.WorkflowID   `json:"id"`
	State           State           `json:"state"`
	CurrentStep     string          `json:"current_step"`
	StepHistory     []StepSummary   `json:"step_history"`
	BudgetTotal     float64         `json:"budget_total"`
	BudgetRemaining float64         `json:"budget_remaining"`
	LoopCount       map[string]int  `json:"loop_count,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	Outputs         map[string]json.RawMessage `json:"outputs,omitempty"`
}
