// Package ratelimit provides per-class token buckets for outbound
// inference calls. Buckets refill continuously; a request either takes a
// token immediately or is refused, there is no queueing or reservation.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomworks/loom"
)

// Config declares one rate class.
type Config struct {
	// Name identifies the class; step definitions reference it.
	Name string
	// Rate is the sustained refill rate in tokens per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
}

// Manager holds one token bucket per rate class. Classes are registered
// up front or lazily via Configure; lookups are safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
}

// NewManager creates a Manager with the given classes.
func NewManager(classes ...Config) *Manager {
	m := &Manager{buckets: make(map[string]*rate.Limiter)}
	for _, c := range classes {
		m.Configure(c)
	}
	return m
}

// Configure registers or replaces a rate class.
func (m *Manager) Configure(c Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[c.Name] = rate.NewLimiter(rate.Limit(c.Rate), c.Burst)
}

// Allow consumes one token from the named class if available. It returns
// true when the call may proceed. An unknown class always allows; only
// declared classes are limited.
func (m *Manager) Allow(class string) bool {
	m.mu.RLock()
	l, ok := m.buckets[class]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	return l.Allow()
}

// Wait blocks until a token is available for the named class or the
// deadline elapses. It polls rather than reserving so that a refused
// caller never holds a future token.
func (m *Manager) Wait(class string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if m.Allow(class) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ratelimit: class %q: %w", class, loom.ErrRateLimited)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Classes returns the names of all declared rate classes.
func (m *Manager) Classes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	return names
}
