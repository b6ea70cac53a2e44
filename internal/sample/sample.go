// Package sample is a small compiled-in artifact: an in-memory inventory
// with tests that hand values to each other, a shared scratch fixture and a
// few benchmarks. The CLI registers it by default.
package sample

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/seantiz/flextest/internal/bench"
	"github.com/seantiz/flextest/internal/catalog"
	"github.com/seantiz/flextest/internal/engine"
	"github.com/seantiz/flextest/internal/fixture"
	"github.com/seantiz/flextest/internal/model"
)

// Source is the artifact name the sample catalog is registered under.
const Source = "sample"

// Tags produced and consumed by the sample tests.
const (
	TagInventory model.TypeTag = "sample.inventory"
	TagStocked   model.TypeTag = "sample.stocked"
)

// ErrInsufficientStock is returned when a reservation exceeds the quantity
// on hand.
var ErrInsufficientStock = errors.New("insufficient stock")

// Inventory is a concurrency-safe item counter.
type Inventory struct {
	mu    sync.Mutex
	items map[string]int
}

// NewInventory returns an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{items: make(map[string]int)}
}

// Add increases the quantity of sku.
func (inv *Inventory) Add(sku string, n int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.items[sku] += n
}

// Reserve takes n units of sku.
func (inv *Inventory) Reserve(sku string, n int) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.items[sku] < n {
		return fmt.Errorf("%w: %s has %d, want %d", ErrInsufficientStock, sku, inv.items[sku], n)
	}
	inv.items[sku] -= n
	return nil
}

// Count returns the quantity of sku.
func (inv *Inventory) Count(sku string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.items[sku]
}

// SKUs returns the known SKUs in sorted order.
func (inv *Inventory) SKUs() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return slices.Sorted(maps.Keys(inv.items))
}

// Scratch is a reusable fixture holding a buffer that is reset before every
// unit.
type Scratch struct {
	fixture.Base
	Buf    strings.Builder
	Units  int
	closed bool
}

// Reusable shares one Scratch across a run.
func (s *Scratch) Reusable() bool { return true }

// BeforeUnit resets the buffer.
func (s *Scratch) BeforeUnit(string) error {
	s.Buf.Reset()
	return nil
}

// AfterUnit counts completed units.
func (s *Scratch) AfterUnit(string) error {
	s.Units++
	return nil
}

// Close marks the fixture released.
func (s *Scratch) Close() error {
	if s.closed {
		return errors.New("scratch closed twice")
	}
	s.closed = true
	return nil
}

// New builds the sample catalog.
func New() *catalog.Catalog {
	c := catalog.New()
	c.Fixture("scratch", func() (fixture.Fixture, error) { return &Scratch{}, nil })

	c.MustTest(model.UnitDescriptor{
		Name:        "Inventory:Open",
		DisplayName: "Open inventory",
		Category:    "Inventory",
		Produces:    TagInventory,
	}, func(*engine.T) (any, error) {
		return NewInventory(), nil
	})

	c.MustTest(model.UnitDescriptor{
		Name:     "Inventory:Stock",
		Category: "Inventory",
		Inputs:   []model.TypeTag{TagInventory},
		Produces: TagStocked,
	}, func(t *engine.T) (any, error) {
		inv, err := engine.Input[*Inventory](t, TagInventory)
		if err != nil {
			return nil, err
		}
		for _, sku := range []string{"apple", "pear", "plum"} {
			inv.Add(sku, 10)
		}
		t.SetMilestone("stocked")
		t.SetMetric("skus", len(inv.SKUs()), "")
		return len(inv.SKUs()), nil
	})

	c.MustTest(model.UnitDescriptor{
		Name:      "Inventory:Reserve",
		Category:  "Inventory",
		Inputs:    []model.TypeTag{TagInventory},
		DependsOn: []string{"Inventory:Stock"},
	}, func(t *engine.T) (any, error) {
		inv, err := engine.Input[*Inventory](t, TagInventory)
		if err != nil {
			return nil, err
		}
		if err := inv.Reserve("apple", 4); err != nil {
			return nil, err
		}
		t.Assertf(inv.Count("apple") == 6, "apple count = %d, want 6", inv.Count("apple"))
		t.ShouldFail(func() error { return inv.Reserve("pear", 11) },
			func(err error) bool { return errors.Is(err, ErrInsufficientStock) },
			"over-reserving pear")
		return nil, nil
	})

	c.MustTest(model.UnitDescriptor{
		Name:       "Inventory:Lookup",
		Category:   "Inventory",
		Kind:       model.KindPerformance,
		Inputs:     []model.TypeTag{TagInventory, TagStocked},
		Fixture:    "scratch",
		Warmup:     1,
		Iterations: 5,
	}, func(t *engine.T) (any, error) {
		inv, err := engine.Input[*Inventory](t, TagInventory)
		if err != nil {
			return nil, err
		}
		scratch := t.Fixture().(*Scratch)
		for _, sku := range inv.SKUs() {
			fmt.Fprintf(&scratch.Buf, "%s=%d;", sku, inv.Count(sku))
		}
		return nil, nil
	})

	c.MustTest(model.UnitDescriptor{
		Name:      "Report:Summary",
		Category:  "Reports",
		Inputs:    []model.TypeTag{TagStocked, model.TagLogger},
		DependsOn: []string{"Inventory:.*"},
		Fixture:   "scratch",
	}, func(t *engine.T) (any, error) {
		stocked, err := engine.Input[int](t, TagStocked)
		if err != nil {
			return nil, err
		}
		logger, err := engine.Input[*slog.Logger](t, model.TagLogger)
		if err != nil {
			return nil, err
		}
		scratch := t.Fixture().(*Scratch)
		t.Assert(scratch.Buf.Len() == 0, "scratch buffer not reset")
		t.Assertf(scratch.ExecutingUnit() == t.Name(), "executing unit = %q", scratch.ExecutingUnit())
		logger.Info("inventory summary", "skus", stocked)
		return nil, nil
	})

	for _, size := range []struct {
		variation string
		skus      int
	}{
		{"small", 10},
		{"large", 1000},
	} {
		inv := NewInventory()
		for i := range size.skus {
			inv.Add(fmt.Sprintf("sku-%04d", i), 1)
		}
		c.MustBenchmark(model.BenchmarkDescriptor{
			Name:             "Lookup",
			Category:         model.ParseCategory(`Inventory\Read`),
			Variation:        size.variation,
			WarmupIterations: 1,
			TestIterations:   5,
			Fixture:          "scratch",
		}, func(ctx context.Context, b *bench.B) error {
			scratch := b.Fixture().(*Scratch)
			scratch.Buf.Reset()
			for _, sku := range inv.SKUs() {
				if err := ctx.Err(); err != nil {
					return err
				}
				fmt.Fprintf(&scratch.Buf, "%s=%d;", sku, inv.Count(sku))
			}
			b.SetMetric("skus", size.skus)
			return nil
		})
	}

	c.MustBenchmark(model.BenchmarkDescriptor{
		Name:           "Join",
		Category:       []string{"Strings"},
		TestIterations: 3,
	}, func(context.Context, *bench.B) error {
		parts := make([]string, 256)
		for i := range parts {
			parts[i] = "x"
		}
		_ = strings.Join(parts, ",")
		return nil
	})

	return c
}
