// Package workflow defines workflow instances, pipeline templates, the
// workflow state machine with its intervention legality rules, and the
// instance store interface.
package workflow

import (
	"fmt"

	"github.com/loomworks/loom"
)

// State represents the lifecycle state of a workflow instance.
type State string

const (
	// StatePending means the workflow has been created but not started.
	StatePending State = "pending"
	// StateRunning means the step loop is executing (or eligible to execute).
	StateRunning State = "running"
	// StatePaused means an operator halted the loop; resume to continue.
	StatePaused State = "paused"
	// StateOverBudget means the budget governor denied the next step;
	// the workflow is parked awaiting a top-up.
	StateOverBudget State = "over_budget"
	// StateWaitingDirection means the loop reached a direction-check step
	// and is parked awaiting operator guidance.
	StateWaitingDirection State = "waiting_direction"
	// StateCompleted means every step in the template has a checkpoint.
	StateCompleted State = "completed"
	// StateFailed means a critical step exhausted its retry ceiling.
	StateFailed State = "failed"
	// StateCancelled means an operator cancelled the workflow.
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a terminal state. No operation may mutate
// an instance after it reaches a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Op identifies an externally triggered intervention operation.
type Op string

const (
	OpStart             Op = "start"
	OpPause             Op = "pause"
	OpResume            Op = "resume"
	OpCancel            Op = "cancel"
	OpInjectNote        Op = "inject_note"
	OpDirectionResponse Op = "direction_response"
	OpTopUp             Op = "top_up"
	OpRerunStep         Op = "rerun_step"
	OpSkipStep          Op = "skip_step"
	OpInjectStep        Op = "inject_step"
)

// legalFrom lists, per operation, the states the operation may be applied
// from. Operations absent from this table are never legal.
var legalFrom = map[Op][]State{
	OpStart:             {StatePending},
	OpPause:             {StateRunning},
	OpResume:            {StatePaused, StateOverBudget, StateWaitingDirection},
	OpCancel:            {StatePending, StateRunning, StatePaused, StateOverBudget, StateWaitingDirection},
	OpInjectNote:        {StatePending, StateRunning, StatePaused, StateOverBudget, StateWaitingDirection},
	OpDirectionResponse: {StateWaitingDirection},
	OpTopUp:             {StatePaused, StateOverBudget},
	OpRerunStep:         {StateRunning, StatePaused, StateOverBudget, StateWaitingDirection},
	OpSkipStep:          {StateRunning, StatePaused, StateOverBudget, StateWaitingDirection},
	OpInjectStep:        {StateRunning, StatePaused, StateOverBudget, StateWaitingDirection},
}

// IllegalTransitionError reports an intervention requested from a state
// that forbids it. It wraps loom.ErrIllegalTransition so callers can test
// with errors.Is while still reading the offending state and operation.
type IllegalTransitionError struct {
	From      State
	Attempted Op
}

// Error implements the error interface.
func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("loom: operation %q is illegal from state %q", e.Attempted, e.From)
}

// Unwrap makes errors.Is(err, loom.ErrIllegalTransition) true.
func (e *IllegalTransitionError) Unwrap() error {
	return loom.ErrIllegalTransition
}

// CheckOp returns nil if op may be applied from state, or an
// *IllegalTransitionError otherwise.
func CheckOp(op Op, from State) error {
	for _, s := range legalFrom[op] {
		if s == from {
			return nil
		}
	}
	return &IllegalTransitionError{From: from, Attempted: op}
}

// canReach lists legal state-to-state edges for the engine's own
// transitions (as opposed to operator interventions).
var canReach = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {
		StatePaused, StateOverBudget, StateWaitingDirection,
		StateCompleted, StateFailed, StateCancelled,
	},
	StatePaused:           {StateRunning, StateCancelled},
	StateOverBudget:       {StateRunning, StateCancelled},
	StateWaitingDirection: {StateRunning, StateCancelled},
}

// CanTransition reports whether the state machine permits moving from
// one state to another. Terminal states permit nothing.
func CanTransition(from, to State) bool {
	for _, s := range canReach[from] {
		if s == to {
			return true
		}
	}
	return false
}
