package workflow

import (
	"fmt"
	"sync"

	"github.com/loomworks/loom"
)

// StepDef is one unit of work in a template, delegated to an opaque agent.
type StepDef struct {
	// ID is the step identifier, unique within the template.
	ID string `json:"id"`

	// AgentID names the agent that executes this step.
	AgentID string `json:"agent_id"`

	// Optional marks steps whose failure is recorded and skipped rather
	// than failing the workflow.
	Optional bool `json:"optional,omitempty"`

	// DirectionCheck marks steps where the engine parks the workflow for
	// operator guidance before executing.
	DirectionCheck bool `json:"direction_check,omitempty"`

	// MaxRetries is the per-step retry ceiling. Zero means use the
	// engine's configured default.
	MaxRetries int `json:"max_retries,omitempty"`

	// EstimatedCost is the static worst-case cost estimate used by the
	// budget governor when no historical data exists.
	EstimatedCost float64 `json:"estimated_cost,omitempty"`

	// RateClass selects the token bucket gating this step's provider
	// calls. Empty means the default class.
	RateClass string `json:"rate_class,omitempty"`
}

// Template is a named, ordered list of step definitions a workflow follows.
type Template struct {
	ID    string    `json:"id"`
	Steps []StepDef `json:"steps"`
}

// Step returns the definition for a step id, if present.
func (t *Template) Step(stepID string) (StepDef, bool) {
	for _, s := range t.Steps {
		if s.ID == stepID {
			return s, true
		}
	}
	return StepDef{}, false
}

// StepIndex returns the 0-based position of a step id in the ordered
// list, or -1 if absent.
func (t *Template) StepIndex(stepID string) int {
	for i, s := range t.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// Validate checks that the template has at least one step and no
// duplicate step ids.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("workflow: template id is empty")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("workflow: template %q has no steps", t.ID)
	}
	seen := make(map[string]struct{}, len(t.Steps))
	for _, s := range t.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow: template %q has a step with an empty id", t.ID)
		}
		if s.AgentID == "" {
			return fmt.Errorf("workflow: template %q step %q has no agent", t.ID, s.ID)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("workflow: template %q has duplicate step %q", t.ID, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// Registry maps template ids to templates. It is safe for concurrent use.
// Templates are registered at startup and passed to the engine explicitly;
// there is no global registry.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry creates an empty template registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// Register validates and stores a template. Re-registering the same id
// replaces the previous definition.
func (r *Registry) Register(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = t
	return nil
}

// Get returns the template for an id.
func (r *Registry) Get(templateID string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[templateID]
	if !ok {
		return nil, fmt.Errorf("workflow: template %q: %w", templateID, loom.ErrTemplateNotFound)
	}
	return t, nil
}

// IDs returns the ids of all registered templates.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.templates))
	for tid := range r.templates {
		ids = append(ids, tid)
	}
	return ids
}
