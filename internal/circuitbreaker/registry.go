package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/stencil/internal/domain"
)

// Registry owns one breaker per dependency name. Breakers are created on
// first use and live as long as the registry.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	template Config
	logger   *zap.Logger
}

// NewRegistry creates a registry whose breakers share the thresholds in
// template. template.Name is ignored.
func NewRegistry(template Config, logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		template: template,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cfg := r.template
	cfg.Name = name
	cb := New(cfg, r.logger)
	r.breakers[name] = cb
	return cb
}

// All returns every breaker created so far, sorted by name.
func (r *Registry) All() []*CircuitBreaker {
	r.mu.Lock()
	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Reset closes the named breaker. It returns domain.ErrNotFound for a name
// that was never used.
func (r *Registry) Reset(name string) error {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return domain.ErrNotFound
	}
	cb.Reset()
	return nil
}
