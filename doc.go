// Package loom provides a durable execution engine for long-running,
// multi-step generative-inference pipelines. Each pipeline step may cost
// money, take seconds to minutes, and must survive process restarts.
//
// Loom is designed as a library, not a service. Import it, configure a
// store, register pipeline templates and agents, and drive workflows
// through the engine.
//
// # Quick Start
//
//	orc, err := loom.New(
//	    loom.WithStore(pgStore),
//	    loom.WithConcurrency(8),
//	)
//
// # Architecture
//
// Loom follows a composable store pattern where each subsystem (workflow,
// checkpoint, budget, taskqueue) defines its own store interface. A single
// backend implements all of them.
//
// The engine package drives the workflow state machine: budget admission
// before every step, durable checkpoints after every step, and an
// intervention protocol (pause, resume, cancel, rerun, skip, inject) that
// lets an operator redirect a pipeline without corrupting its state.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package loom
