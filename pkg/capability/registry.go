package capability

import (
	"sort"
	"sync"

	"github.com/dmarkov/agentflow/pkg/models"
	"github.com/pkg/errors"
)

// Registry resolves capabilities by type. The capability set is closed:
// dispatch is a map lookup, not open-ended dynamic dispatch.
type Registry struct {
	mu   sync.RWMutex
	caps map[models.CapabilityType]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[models.CapabilityType]Capability)}
}

// Register adds a capability. Registering the same type twice replaces the
// earlier implementation, matching how a reconfigured backend takes over.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return errors.New("nil capability")
	}
	if !c.Type().Valid() {
		return errors.Errorf("unknown capability type %q", c.Type())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[c.Type()] = c
	return nil
}

// Get returns the capability registered for t.
func (r *Registry) Get(t models.CapabilityType) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[t]
	return c, ok
}

// Types lists the registered capability types in stable order.
func (r *Registry) Types() []models.CapabilityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.CapabilityType, 0, len(r.caps))
	for t := range r.caps {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
