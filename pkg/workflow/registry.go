package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/replayflow/pkg/api"
)

// Orchestrator is the function type of orchestration definitions. The
// returned value becomes the instance output; a returned error fails the
// instance.
type Orchestrator func(ctx *Context) (any, error)

// Registry maps orchestrator names to their functions.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Orchestrator
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Orchestrator),
	}
}

// Register adds an orchestrator under name.
func (r *Registry) Register(name string, fn Orchestrator) error {
	if name == "" {
		return errors.New("orchestrator name is required")
	}
	if fn == nil {
		return fmt.Errorf("orchestrator %q has no function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("orchestrator %q already registered", name)
	}
	r.byName[name] = fn
	return nil
}

// Get returns the orchestrator registered under name.
func (r *Registry) Get(name string) (Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrOrchestratorNotFound, name)
	}
	return fn, nil
}

// Names returns the registered orchestrator names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
