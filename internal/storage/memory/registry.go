package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/leadflow/internal/cluster"
)

// Registry tracks cluster runners in memory.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]cluster.Runner
}

// NewRegistry constructs a Registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]cluster.Runner)}
}

// Register adds or replaces a runner.
func (r *Registry) Register(_ context.Context, runner cluster.Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runner.ID] = runner
	return nil
}

// Heartbeat refreshes a runner's last-seen time.
func (r *Registry) Heartbeat(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	runner, ok := r.runners[id]
	if !ok {
		return fmt.Errorf("runner %s not registered", id)
	}
	runner.LastSeen = at
	r.runners[id] = runner
	return nil
}

// Deregister removes a runner.
func (r *Registry) Deregister(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runners, id)
	return nil
}

// Live returns the stage's runners seen since the given time, ordered by ID.
func (r *Registry) Live(_ context.Context, stage string, since time.Time) ([]cluster.Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []cluster.Runner
	for _, runner := range r.runners {
		if runner.Stage == stage && !runner.LastSeen.Before(since) {
			out = append(out, runner)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
