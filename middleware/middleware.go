package middleware

import (
	"context"
	"time"

	"github.com/loomworks/loom/id"
)

// Call describes one step execution as seen by the middleware chain.
type Call struct {
	WorkflowID id.WorkflowID
	StepID     string
	AgentID    string
	// Attempt is 1 on the first execution and increments on retry.
	Attempt int
	// RateClass names the token bucket governing this step's outbound
	// calls. Empty means unlimited.
	RateClass string
	// Timeout bounds the step's wall-clock time. Zero means no limit.
	Timeout time.Duration
}

// Handler is the terminal function that executes step logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the call being executed, and the
// next handler to invoke. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, c *Call, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, ratelimit) executes as:
//
//	logging → recover → ratelimit → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, c *Call, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, c, prev)
			}
		}
		return h(ctx)
	}
}
