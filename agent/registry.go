package agent

import (
	"fmt"
	"sync"

	"github.com/loomworks/loom"
)

// Registry maps agent ids to executors. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Executor
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Executor)}
}

// Register stores an executor under an agent id. Re-registering the same
// id replaces the previous executor.
func (r *Registry) Register(agentID string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = e
}

// Get returns the executor for an agent id.
func (r *Registry) Get(agentID string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent: %q: %w", agentID, loom.ErrAgentNotFound)
	}
	return e, nil
}

// IDs returns all registered agent ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for aid := range r.agents {
		ids = append(ids, aid)
	}
	return ids
}
