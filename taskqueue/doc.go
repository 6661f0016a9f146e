// Package taskqueue provides the distributed task queue that drives
// workflow execution. Each task tells a worker to advance one workflow
// instance; the engine's step loop is the task handler. Delivery is
// at-least-once: a task claimed by a crashed worker is reaped and
// redelivered, and the engine's checkpoint-based resume makes the
// redelivery safe.
package taskqueue
