// Package store defines the aggregate persistence interface. Each
// subsystem (workflow, checkpoint, budget, taskqueue) defines its own
// store interface; the composite Store composes them all. Backends: Bun
// (Postgres), Redis, and Memory.
package store

import (
	"context"

	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/taskqueue"
	"github.com/loomworks/loom/workflow"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface. A single backend
// (bun, memory) implements all of them.
type Store interface {
	workflow.Store
	checkpoint.Store
	budget.Store
	taskqueue.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
