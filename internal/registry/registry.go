// Package registry implements the lifetime-managed service container.
// Services register a factory under a name with one of three lifetimes;
// resolution detects dependency cycles and reports the chain. The reload
// coordinator uses Replace to swap singletons during RECREATE reloads.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	xlog "sonicinput/internal/log"
)

// Lifetime controls instance sharing.
type Lifetime int

const (
	// Singleton instances are constructed once and owned by the registry.
	Singleton Lifetime = iota
	// Transient instances are constructed per resolve and owned by the caller.
	Transient
	// Scoped instances are shared within one Scope and released with it.
	Scoped
)

func (l Lifetime) String() string {
	switch l {
	case Singleton:
		return "singleton"
	case Transient:
		return "transient"
	case Scoped:
		return "scoped"
	default:
		return "unknown"
	}
}

// Factory constructs a service instance. Dependencies are resolved through
// the Resolver, which carries the in-progress chain for cycle detection.
type Factory func(r Resolver) (any, error)

// Decorator wraps a constructed instance, typically for telemetry or error
// logging. Decorators are applied outermost-last.
type Decorator func(instance any) any

// Releasable is the optional release hook called when a scope closes or a
// singleton is replaced.
type Releasable interface {
	Release()
}

// Resolver resolves dependencies during construction.
type Resolver interface {
	Resolve(name string) (any, error)
}

// ErrNotRegistered is returned when no registration exists for a name.
var ErrNotRegistered = errors.New("service not registered")

// CycleError reports a dependency cycle with the resolution chain that
// exposed it.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Chain, " -> ")
}

type registration struct {
	name       string
	lifetime   Lifetime
	factory    Factory
	decorators []Decorator
}

// Registry is the authoritative source of service instances.
type Registry struct {
	mu            sync.RWMutex
	registrations map[string]*registration
	singletons    map[string]any
	logger        zerolog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		registrations: make(map[string]*registration),
		singletons:    make(map[string]any),
		logger:        xlog.WithComponent("registry"),
	}
}

// Register adds a factory under name. Registering the same name twice
// replaces the registration (but not an already-built singleton).
func (r *Registry) Register(name string, lifetime Lifetime, factory Factory, decorators ...Decorator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations[name] = &registration{
		name:       name,
		lifetime:   lifetime,
		factory:    factory,
		decorators: decorators,
	}
}

// RegisterInstance registers an existing object as a singleton.
func (r *Registry) RegisterInstance(name string, instance any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations[name] = &registration{name: name, lifetime: Singleton}
	r.singletons[name] = instance
}

// Resolve returns the instance for name, constructing it if needed.
func (r *Registry) Resolve(name string) (any, error) {
	return r.resolve(name, &resolveState{registry: r})
}

// Factory returns the registered factory for name, for the reload
// coordinator's RECREATE path.
func (r *Registry) Factory(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[name]
	if !ok || reg.factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return reg.factory, nil
}

// Replace swaps the singleton instance stored under name and returns the
// previous instance (nil if none was built yet). The caller owns shutdown
// of the old instance.
func (r *Registry) Replace(name string, instance any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.registrations[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if reg.lifetime != Singleton {
		return nil, fmt.Errorf("replace requires a singleton, %s is %s", name, reg.lifetime)
	}
	old := r.singletons[name]
	r.singletons[name] = instance
	return old, nil
}

// Names returns all registered service names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.registrations))
	for name := range r.registrations {
		out = append(out, name)
	}
	return out
}

// resolveState carries the in-progress chain through one resolution tree.
// Goroutines have no identity in Go, so the chain travels with the call
// instead of a per-thread set; re-entry on a name already in the chain is
// a cycle.
type resolveState struct {
	registry *Registry
	scope    *Scope
	chain    []string
}

func (st *resolveState) Resolve(name string) (any, error) {
	return st.registry.resolve(name, st)
}

func (r *Registry) resolve(name string, st *resolveState) (any, error) {
	for _, in := range st.chain {
		if in == name {
			return nil, &CycleError{Chain: append(append([]string{}, st.chain...), name)}
		}
	}

	r.mu.RLock()
	reg, ok := r.registrations[name]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if reg.lifetime == Singleton {
		if inst, built := r.singletons[name]; built {
			r.mu.RUnlock()
			return inst, nil
		}
	}
	r.mu.RUnlock()

	if reg.lifetime == Scoped {
		if st.scope == nil {
			return nil, fmt.Errorf("scoped service %s resolved outside a scope", name)
		}
		return st.scope.instance(reg, st)
	}

	child := &resolveState{registry: r, scope: st.scope, chain: append(st.chain, name)}
	inst, err := r.construct(reg, child)
	if err != nil {
		return nil, err
	}

	if reg.lifetime == Singleton {
		r.mu.Lock()
		// Another goroutine may have won the race; keep the first instance.
		if existing, built := r.singletons[name]; built {
			r.mu.Unlock()
			releaseIfPossible(inst)
			return existing, nil
		}
		r.singletons[name] = inst
		r.mu.Unlock()
	}
	return inst, nil
}

func (r *Registry) construct(reg *registration, st *resolveState) (any, error) {
	if reg.factory == nil {
		return nil, fmt.Errorf("%s has no factory and no instance", reg.name)
	}
	inst, err := reg.factory(st)
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", reg.name, err)
	}
	for _, d := range reg.decorators {
		inst = d(inst)
	}
	return inst, nil
}

func releaseIfPossible(inst any) {
	if rel, ok := inst.(Releasable); ok {
		rel.Release()
	}
}

// Scope owns scoped instances. All Scoped services resolved through one
// scope share instances until Close, which calls each instance's release
// hook in reverse construction order.
type Scope struct {
	name     string
	registry *Registry

	mu        sync.Mutex
	instances map[string]any
	order     []string
	closed    bool
}

// CreateScope returns a new named scope handle.
func (r *Registry) CreateScope(name string) *Scope {
	return &Scope{
		name:      name,
		registry:  r,
		instances: make(map[string]any),
	}
}

// Resolve resolves name through this scope.
func (s *Scope) Resolve(name string) (any, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("scope %s is closed", s.name)
	}
	return s.registry.resolve(name, &resolveState{registry: s.registry, scope: s})
}

func (s *Scope) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scope) instance(reg *registration, st *resolveState) (any, error) {
	s.mu.Lock()
	if inst, ok := s.instances[reg.name]; ok {
		s.mu.Unlock()
		return inst, nil
	}
	s.mu.Unlock()

	child := &resolveState{registry: s.registry, scope: s, chain: append(st.chain, reg.name)}
	inst, err := s.registry.construct(reg, child)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.instances[reg.name]; ok {
		s.mu.Unlock()
		releaseIfPossible(inst)
		return existing, nil
	}
	s.instances[reg.name] = inst
	s.order = append(s.order, reg.name)
	s.mu.Unlock()
	return inst, nil
}

// Close releases every scoped instance in reverse construction order.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	order := s.order
	instances := s.instances
	s.instances = nil
	s.order = nil
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		releaseIfPossible(instances[order[i]])
	}
}
