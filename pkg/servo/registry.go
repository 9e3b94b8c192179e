package servo

import (
	"fmt"
	"sync"
)

// Axis pairs a configuration with its controller.
type Axis struct {
	Config     AxisConfig
	Controller *Controller
}

// Registry is the application's explicit axis collection, indexed by name.
// It replaces any process-wide device list: the application owns one and
// hands it to the HTTP layer and the polling tasks.
type Registry struct {
	mu    sync.RWMutex
	axes  map[string]*Axis
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{axes: make(map[string]*Axis)}
}

// Add builds a controller for cfg and registers it under its name.
func (r *Registry) Add(cfg AxisConfig, sink Sink) (*Axis, error) {
	controller, err := NewController(cfg, sink)
	if err != nil {
		return nil, err
	}

	axis := &Axis{Config: controller.Config(), Controller: controller}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.axes[axis.Config.Name]; exists {
		return nil, fmt.Errorf("axis %q is already registered", axis.Config.Name)
	}
	r.axes[axis.Config.Name] = axis
	r.order = append(r.order, axis.Config.Name)

	return axis, nil
}

// Get looks an axis up by name; the second return reports existence.
func (r *Registry) Get(name string) (*Axis, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	axis, ok := r.axes[name]
	return axis, ok
}

// List returns the registered axes in registration order.
func (r *Registry) List() []*Axis {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Axis, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.axes[name])
	}
	return out
}

// Names returns the registered axis names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
