// Package health aggregates named subsystem health probes.
package health

import (
	"context"
	"sort"
	"sync"
)

// Status is the result of probing one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Probe checks one subsystem. Probes should respect ctx deadlines.
type Probe func(ctx context.Context) Status

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

// NewRegistry creates a new health probe registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

// Register adds a named probe, replacing any existing probe with that name.
func (r *Registry) Register(name string, probe Probe) {
	r.mu.Lock()
	r.probes[name] = probe
	r.mu.Unlock()
}

// CheckAll runs every probe and returns the aggregate health plus the
// individual results, ordered by name.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, 0, len(r.probes))
	for name := range r.probes {
		names = append(names, name)
	}
	probes := make(map[string]Probe, len(r.probes))
	for name, p := range r.probes {
		probes[name] = p
	}
	r.mu.RUnlock()

	sort.Strings(names)

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		st := probes[name](ctx)
		st.Name = name
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
