package kanban

import (
	"fmt"
	"sync"

	"github.com/lwgray/marcus/pkg/logger"
)

// Factory builds a Provider from its raw provider_config — e.g. a GitHub
// Projects token, a Planka base URL. Each adapter registers its own factory
// at init time.
type Factory func(config map[string]string) (Provider, error)

// Registry resolves a Project's provider name to a concrete Provider
// instance via self-registered factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

var global = NewRegistry()

// Register adds a provider factory to the global registry. Adapters call
// this from an init() so registering main simply blank-imports them.
func Register(name string, f Factory) {
	global.Register(name, f)
}

// Build resolves and constructs a provider from the global registry.
func Build(name string, config map[string]string) (Provider, error) {
	return global.Build(name, config)
}

// Names lists every registered provider name.
func Names() []string {
	return global.Names()
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	logger.InfoCF("kanban", "Registered provider factory", map[string]interface{}{"provider": name})
}

func (r *Registry) Build(name string, config map[string]string) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kanban: no provider registered for %q (known: %v)", name, r.Names())
	}
	return f(config)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}
