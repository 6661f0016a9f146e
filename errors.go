package loom

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("loom: no store configured")
	ErrStoreClosed     = errors.New("loom: store closed")
	ErrMigrationFailed = errors.New("loom: migration failed")

	// Not found errors.
	ErrWorkflowNotFound   = errors.New("loom: workflow not found")
	ErrTemplateNotFound   = errors.New("loom: template not found")
	ErrCheckpointNotFound = errors.New("loom: checkpoint not found")
	ErrTaskNotFound       = errors.New("loom: task not found")
	ErrAgentNotFound      = errors.New("loom: agent not found")
	ErrStepNotFound       = errors.New("loom: step not found")

	// State errors.
	ErrIllegalTransition = errors.New("loom: illegal state transition")
	ErrTerminalState     = errors.New("loom: workflow is in a terminal state")

	// Budget errors.
	ErrBudgetExceeded = errors.New("loom: budget exceeded")
	ErrTopUpRejected  = errors.New("loom: budget top-up rejected")

	// Execution errors.
	ErrMaxRetriesExceeded = errors.New("loom: max retries exceeded")
	ErrRateLimited        = errors.New("loom: rate limit exceeded")
	ErrDeadlineExceeded   = errors.New("loom: task wall-clock limit exceeded")
)
