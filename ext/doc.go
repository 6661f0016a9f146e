// Package ext defines the extension system for Loom.
// Extensions are notified of lifecycle events (workflow started, step
// completed, budget denied, intervention applied, etc.) and can react to
// them — logging, metrics, streaming, audit.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about. Hook errors are logged and never
// propagated; an observer must not be able to stall the pipeline.
package ext
