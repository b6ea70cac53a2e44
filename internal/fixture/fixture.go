// Package fixture constructs, reuses and releases the stateful containers
// that group related units. A Manager is scoped to a single run: every
// instance it constructs is closed exactly once by Close.
package fixture

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Fixture is implemented by every fixture instance. Embedding Base satisfies it.
type Fixture interface {
	SetExecutingUnit(name string)
	ExecutingUnit() string
	SetExecutingBenchmark(name string)
	ExecutingBenchmark() string
}

// Reusable is implemented by fixtures whose single instance may be shared by
// every unit bound to the fixture type within a run.
type Reusable interface {
	Reusable() bool
}

// BeforeUnitHook runs immediately before each contained unit begins.
type BeforeUnitHook interface {
	BeforeUnit(unit string) error
}

// AfterUnitHook runs immediately after each contained unit ends.
type AfterUnitHook interface {
	AfterUnit(unit string) error
}

// Factory constructs a new fixture instance.
type Factory func() (Fixture, error)

// Base carries the executing-unit and executing-benchmark references. Benchmarks
// update it from the harness worker goroutine, so access is synchronised.
type Base struct {
	mu        sync.Mutex
	unit      string
	benchmark string
}

// SetExecutingUnit records the unit currently running; "" clears it.
func (b *Base) SetExecutingUnit(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unit = name
}

// ExecutingUnit returns the unit currently running, or "".
func (b *Base) ExecutingUnit() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unit
}

// SetExecutingBenchmark records the benchmark currently running; "" clears it.
func (b *Base) SetExecutingBenchmark(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.benchmark = name
}

// ExecutingBenchmark returns the benchmark currently running, or "".
func (b *Base) ExecutingBenchmark() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.benchmark
}

// Registry maps fixture type names to factories. It is populated at catalog
// registration time and shared by the per-run managers built from it.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty fixture registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name has a factory.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

func (r *Registry) factory(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Manager hands out fixture instances for one run.
type Manager struct {
	registry *Registry

	mu          sync.Mutex
	shared      map[string]Fixture
	constructed []Fixture
	closed      bool
}

// NewManager creates a run-scoped manager backed by reg. A nil registry
// yields a manager that knows no fixture types.
func NewManager(reg *Registry) *Manager {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Manager{
		registry: reg,
		shared:   make(map[string]Fixture),
	}
}

// Acquire returns a live instance of the named fixture type. Instances that
// report Reusable are constructed once and shared; all others are
// constructed fresh on every call.
func (m *Manager) Acquire(name string) (Fixture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("fixture manager is closed")
	}
	if f, ok := m.shared[name]; ok {
		return f, nil
	}

	factory, ok := m.registry.factory(name)
	if !ok {
		return nil, fmt.Errorf("fixture %q is not registered", name)
	}
	f, err := factory()
	if err != nil {
		return nil, fmt.Errorf("construct fixture %q: %w", name, err)
	}
	if f == nil {
		return nil, fmt.Errorf("construct fixture %q: factory returned nil", name)
	}
	m.constructed = append(m.constructed, f)
	if r, ok := f.(Reusable); ok && r.Reusable() {
		m.shared[name] = f
	}
	return f, nil
}

// Invoke runs fn as the named unit inside f. The executing-unit reference is
// set before the BeforeUnit hook and cleared after the AfterUnit hook, on
// every exit path including a panic in fn. The first error wins.
func Invoke(f Fixture, unit string, fn func() error) (err error) {
	if f == nil {
		return fn()
	}

	f.SetExecutingUnit(unit)
	defer f.SetExecutingUnit("")

	if h, ok := f.(BeforeUnitHook); ok {
		if err := h.BeforeUnit(unit); err != nil {
			return fmt.Errorf("before unit hook: %w", err)
		}
	}
	if h, ok := f.(AfterUnitHook); ok {
		defer func() {
			if herr := h.AfterUnit(unit); herr != nil && err == nil {
				err = fmt.Errorf("after unit hook: %w", herr)
			}
		}()
	}
	return fn()
}

// Close releases every constructed instance that implements io.Closer,
// exactly once, in construction order. Errors are joined.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	constructed := m.constructed
	m.constructed = nil
	m.shared = nil
	m.mu.Unlock()

	var errs []error
	for _, f := range constructed {
		if c, ok := f.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Constructed reports how many instances the manager has built so far.
func (m *Manager) Constructed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.constructed)
}
