// Package catalog holds the explicit registrations that stand in for
// runtime discovery. An artifact builds one Catalog, registers its tests,
// benchmarks and fixtures on it, and hands it to the engine and harness.
package catalog

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/seantiz/flextest/internal/bench"
	"github.com/seantiz/flextest/internal/engine"
	"github.com/seantiz/flextest/internal/fixture"
	"github.com/seantiz/flextest/internal/model"
)

// Provider yields the units of one artifact in discovery order. Callers
// iterate the returned slices once and never mutate them.
type Provider interface {
	Tests() []engine.Test
	Benchmarks() []bench.Benchmark
	Fixtures() *fixture.Registry
}

// Catalog is the in-memory Provider built through registration calls.
type Catalog struct {
	mu         sync.RWMutex
	names      map[string]bool
	tests      []engine.Test
	benchmarks []bench.Benchmark
	fixtures   *fixture.Registry
}

var _ Provider = (*Catalog)(nil)

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		names:    make(map[string]bool),
		fixtures: fixture.NewRegistry(),
	}
}

// Test registers a test. The descriptor is normalized and validated; a
// missing source location is filled from the caller.
func (c *Catalog) Test(desc model.UnitDescriptor, action engine.Action) error {
	desc = desc.Normalize()
	if err := desc.Validate(); err != nil {
		return err
	}
	if action == nil {
		return fmt.Errorf("unit %q: action is required", desc.Name)
	}
	if desc.Source == (model.SourceLocation{}) {
		desc.Source = callerLocation()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.claim(desc.Name); err != nil {
		return err
	}
	c.tests = append(c.tests, engine.Test{UnitDescriptor: desc, Action: action})
	return nil
}

// Benchmark registers a benchmark under its full name.
func (c *Catalog) Benchmark(desc model.BenchmarkDescriptor, action bench.Action) error {
	desc = desc.Normalize()
	if err := desc.Validate(); err != nil {
		return err
	}
	if action == nil {
		return fmt.Errorf("benchmark %q: action is required", desc.FullName())
	}
	if desc.Source == (model.SourceLocation{}) {
		desc.Source = callerLocation()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.claim(desc.FullName()); err != nil {
		return err
	}
	c.benchmarks = append(c.benchmarks, bench.Benchmark{BenchmarkDescriptor: desc, Action: action})
	return nil
}

// Fixture registers a fixture factory.
func (c *Catalog) Fixture(name string, factory fixture.Factory) {
	c.fixtures.Register(name, factory)
}

// MustTest is like Test but panics on error. It is meant for package-level
// catalog construction.
func (c *Catalog) MustTest(desc model.UnitDescriptor, action engine.Action) {
	if err := c.Test(desc, action); err != nil {
		panic(err)
	}
}

// MustBenchmark is like Benchmark but panics on error.
func (c *Catalog) MustBenchmark(desc model.BenchmarkDescriptor, action bench.Action) {
	if err := c.Benchmark(desc, action); err != nil {
		panic(err)
	}
}

// Tests returns the registered tests in registration order.
func (c *Catalog) Tests() []engine.Test {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]engine.Test(nil), c.tests...)
}

// Benchmarks returns the registered benchmarks in registration order.
func (c *Catalog) Benchmarks() []bench.Benchmark {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]bench.Benchmark(nil), c.benchmarks...)
}

// Fixtures returns the fixture registry.
func (c *Catalog) Fixtures() *fixture.Registry {
	return c.fixtures
}

func (c *Catalog) claim(name string) error {
	if c.names[name] {
		return fmt.Errorf("duplicate unit name %q", name)
	}
	c.names[name] = true
	return nil
}

// callerLocation reports the file and line of the code that called the
// registering method.
func callerLocation() model.SourceLocation {
	for skip := 2; skip < 5; skip++ {
		_, file, line, ok := runtime.Caller(skip)
		if !ok {
			break
		}
		if !isCatalogFile(file) {
			return model.SourceLocation{File: file, Line: line}
		}
	}
	return model.SourceLocation{}
}

func isCatalogFile(file string) bool {
	_, self, _, _ := runtime.Caller(0)
	return file == self
}
