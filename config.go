package loom

import "time"

// Config holds configuration for the Orchestrator.
type Config struct {
	// Concurrency is the maximum number of workflow tasks processed
	// concurrently by the task-queue worker pool.
	Concurrency int

	// PollInterval is how often workers poll for queued tasks.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often running tasks send heartbeats.
	HeartbeatInterval time.Duration

	// StaleTaskThreshold is how long before a task without a heartbeat is
	// considered stale and requeued.
	StaleTaskThreshold time.Duration

	// TaskWallClock is the hard wall-clock limit for one queued execution
	// of a workflow's step loop.
	TaskWallClock time.Duration

	// TopUpCeiling is the system-wide maximum for a single budget top-up.
	TopUpCeiling float64

	// DefaultStepRetries is the per-step retry ceiling used when a
	// template step does not specify its own.
	DefaultStepRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        4,
		PollInterval:       1 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		StaleTaskThreshold: 60 * time.Second,
		TaskWallClock:      30 * time.Minute,
		TopUpCeiling:       100.0,
		DefaultStepRetries: 2,
	}
}
