// Package stream provides a real-time event broker for Loom lifecycle
// events. It bridges the ext.Extension system to connected clients via
// topic-based pub/sub, so operators can watch a workflow progress without
// polling the status endpoint.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Workflow events.
	EventWorkflowStarted   EventType = "workflow.started"
	EventStateChanged      EventType = "workflow.state_changed"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"

	// Step events.
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepSkipped   EventType = "step.skipped"

	// Budget events.
	EventBudgetDenied  EventType = "budget.denied"
	EventBudgetSettled EventType = "budget.settled"

	// Intervention events.
	EventInterventionApplied EventType = "intervention.applied"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// WorkflowEventData is the payload for workflow lifecycle events.
type WorkflowEventData struct {
	WorkflowID string  `json:"workflow_id"`
	TemplateID string  `json:"template_id"`
	FromState  string  `json:"from_state,omitempty"`
	State      string  `json:"state,omitempty"`
	ElapsedMs  int64   `json:"elapsed_ms,omitempty"`
	Remaining  float64 `json:"budget_remaining,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// StepEventData is the payload for step lifecycle events.
type StepEventData struct {
	WorkflowID string  `json:"workflow_id"`
	TemplateID string  `json:"template_id"`
	StepID     string  `json:"step_id"`
	AgentID    string  `json:"agent_id,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	ElapsedMs  int64   `json:"elapsed_ms,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// BudgetEventData is the payload for budget events.
type BudgetEventData struct {
	WorkflowID string  `json:"workflow_id"`
	StepID     string  `json:"step_id"`
	Estimate   float64 `json:"estimate,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	Remaining  float64 `json:"budget_remaining"`
	Reason     string  `json:"reason,omitempty"`
}

// InterventionEventData is the payload for intervention events.
type InterventionEventData struct {
	WorkflowID string `json:"workflow_id"`
	Op         string `json:"op"`
	State      string `json:"state"`
}
