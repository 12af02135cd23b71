package detectors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"porchwatch/internal/detection"
)

// ErrNoBackend is returned when no detector backend is registered
var ErrNoBackend = errors.New("no detector backend registered")

// Registry holds detector backends in failover order
type Registry struct {
	detectors map[string]detection.ObjectDetector
	order     []string
	mu        sync.RWMutex
}

// NewRegistry creates a new detector registry
func NewRegistry() *Registry {
	return &Registry{
		detectors: make(map[string]detection.ObjectDetector),
	}
}

// Register adds a backend; earlier registrations are preferred
func (r *Registry) Register(name string, detector detection.ObjectDetector) error {
	if detector == nil {
		return fmt.Errorf("detector cannot be nil")
	}
	if name == "" {
		return fmt.Errorf("detector name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detectors[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}

	r.detectors[name] = detector
	r.order = append(r.order, name)
	return nil
}

// Get returns a backend by name
func (r *Registry) Get(name string) (detection.ObjectDetector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// Names returns backend names in failover order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Primary returns the first healthy backend. When none reports healthy
// the first registered one is returned so the call still gets attempted.
func (r *Registry) Primary(ctx context.Context) (string, detection.ObjectDetector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return "", nil, ErrNoBackend
	}
	for _, name := range r.order {
		if d := r.detectors[name]; d.IsHealthy(ctx) {
			return name, d, nil
		}
	}
	first := r.order[0]
	return first, r.detectors[first], nil
}

// Close releases all detector resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, name := range r.order {
		if err := r.detectors[name].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("error closing detector %q: %w", name, err)
		}
		delete(r.detectors, name)
	}
	r.order = nil
	return firstErr
}
