package scheduler_test

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/seantiz/flextest/internal/model"
	"github.com/seantiz/flextest/internal/scheduler"
)

func names(units []model.UnitDescriptor) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Name
	}
	return out
}

func TestOrderEndToEnd(t *testing.T) {
	units := []model.UnitDescriptor{
		{Name: "A", Produces: "T"},
		{Name: "B", Inputs: []model.TypeTag{"T"}},
		{Name: "C", DependsOn: []string{"A"}},
	}

	order, err := scheduler.Order(units, nil)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if got := names(order); !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Errorf("order = %v, want [A B C]", got)
	}
}

func TestOrderDiscoveryTieBreak(t *testing.T) {
	units := []model.UnitDescriptor{
		{Name: "C", DependsOn: []string{"A"}},
		{Name: "B", Inputs: []model.TypeTag{"T"}},
		{Name: "A", Produces: "T"},
	}

	order, err := scheduler.Order(units, nil)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	// A is the only unit eligible in the first pass; C and B follow in
	// discovery order.
	if got := names(order); !slices.Equal(got, []string{"A", "C", "B"}) {
		t.Errorf("order = %v, want [A C B]", got)
	}
}

func TestOrderProducedTypeVisibleLaterInSamePass(t *testing.T) {
	units := []model.UnitDescriptor{
		{Name: "A", Produces: "T"},
		{Name: "B", Inputs: []model.TypeTag{"T"}, Produces: "U"},
		{Name: "C", Inputs: []model.TypeTag{"U"}},
	}
	order, err := scheduler.Order(units, nil)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if got := names(order); !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Errorf("order = %v", got)
	}
}

func TestOrderExternalTypes(t *testing.T) {
	units := []model.UnitDescriptor{
		{Name: "A", Inputs: []model.TypeTag{model.TagUnit, "db"}},
	}
	if _, err := scheduler.Order(units, nil); err == nil {
		t.Fatal("expected error without external types")
	}
	order, err := scheduler.Order(units, []model.TypeTag{model.TagUnit, "db"})
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if len(order) != 1 {
		t.Errorf("order length = %d, want 1", len(order))
	}
}

func TestOrderMissingTypeNamesEveryTag(t *testing.T) {
	units := []model.UnitDescriptor{
		{Name: "A", Produces: "T"},
		{Name: "B", Inputs: []model.TypeTag{"X", "T"}},
		{Name: "C", Inputs: []model.TypeTag{"Y", "X"}},
	}

	_, err := scheduler.Order(units, nil)
	var serr *scheduler.Error
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want *scheduler.Error", err)
	}
	if !errors.Is(err, scheduler.ErrUnschedulable) {
		t.Error("error should wrap ErrUnschedulable")
	}
	if !slices.Equal(serr.Missing, []model.TypeTag{"X", "Y"}) {
		t.Errorf("Missing = %v, want [X Y]", serr.Missing)
	}
	if !slices.Equal(serr.Stuck, []string{"B", "C"}) {
		t.Errorf("Stuck = %v, want [B C]", serr.Stuck)
	}
	for _, want := range []string{"X", "Y"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not name %s", err, want)
		}
	}
}

func TestOrderCycle(t *testing.T) {
	units := []model.UnitDescriptor{
		{Name: "A", Inputs: []model.TypeTag{"U"}, Produces: "T"},
		{Name: "B", Inputs: []model.TypeTag{"T"}, Produces: "U"},
	}
	_, err := scheduler.Order(units, nil)
	var serr *scheduler.Error
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want *scheduler.Error", err)
	}
	if len(serr.Missing) != 2 {
		t.Errorf("Missing = %v, want both tags", serr.Missing)
	}
}

func TestOrderExplicitDependencyCycle(t *testing.T) {
	units := []model.UnitDescriptor{
		{Name: "A", DependsOn: []string{"B"}},
		{Name: "B", DependsOn: []string{"A"}},
	}
	_, err := scheduler.Order(units, nil)
	var serr *scheduler.Error
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want *scheduler.Error", err)
	}
	if len(serr.Unsatisfied) != 2 {
		t.Errorf("Unsatisfied = %v, want 2 entries", serr.Unsatisfied)
	}
}

func TestOrderZeroMatchPatternFailsEagerly(t *testing.T) {
	units := []model.UnitDescriptor{
		{Name: "A"},
		{Name: "B", DependsOn: []string{"Nope.*"}},
		{Name: "C", DependsOn: []string{"C"}},
	}
	_, err := scheduler.Order(units, nil)
	var serr *scheduler.Error
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want *scheduler.Error", err)
	}
	// A self reference never matches, so both patterns are reported.
	if len(serr.BadPatterns) != 2 {
		t.Errorf("BadPatterns = %v, want 2", serr.BadPatterns)
	}
	if len(serr.Stuck) != 0 {
		t.Error("eager failure should not report stuck units")
	}
}

func TestOrderInvalidPattern(t *testing.T) {
	units := []model.UnitDescriptor{{Name: "A"}, {Name: "B", DependsOn: []string{"("}}}
	if _, err := scheduler.Order(units, nil); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestOrderPatternWaitsForEveryMatch(t *testing.T) {
	units := []model.UnitDescriptor{
		{Name: "Report", DependsOn: []string{"Storage:.*"}},
		{Name: "Storage:Read", Inputs: []model.TypeTag{"T"}},
		{Name: "Storage:Write", Produces: "T"},
	}
	order, err := scheduler.Order(units, nil)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if got := names(order); !slices.Equal(got, []string{"Storage:Write", "Storage:Read", "Report"}) {
		t.Errorf("order = %v", got)
	}
}

func TestOrderDuplicateNames(t *testing.T) {
	_, err := scheduler.Order([]model.UnitDescriptor{{Name: "A"}, {Name: "A"}}, nil)
	var serr *scheduler.Error
	if !errors.As(err, &serr) || len(serr.Duplicates) != 1 {
		t.Fatalf("error = %v, want duplicate report", err)
	}
}

func TestOrderDeterministic(t *testing.T) {
	units := randomAcyclic(rand.New(rand.NewPCG(1, 2)), 40)
	external := []model.TypeTag{"ext"}
	first, err := scheduler.Order(units, external)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if len(first) != len(units) {
		t.Fatalf("scheduled %d of %d units", len(first), len(units))
	}
	for i := 0; i < 5; i++ {
		again, err := scheduler.Order(units, external)
		if err != nil {
			t.Fatalf("Order: %v", err)
		}
		if !slices.Equal(names(first), names(again)) {
			t.Fatalf("order changed between calls")
		}
	}
}

func TestOrderValidForRandomAcyclicSets(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 50; trial++ {
		units := randomAcyclic(rng, 1+rng.IntN(30))
		rng.Shuffle(len(units), func(i, j int) { units[i], units[j] = units[j], units[i] })

		order, err := scheduler.Order(units, []model.TypeTag{"ext"})
		if err != nil {
			t.Fatalf("trial %d: Order: %v", trial, err)
		}
		if len(order) != len(units) {
			t.Fatalf("trial %d: scheduled %d of %d", trial, len(order), len(units))
		}

		avail := map[model.TypeTag]bool{"ext": true}
		ran := map[string]bool{}
		for _, u := range order {
			for _, tag := range u.Inputs {
				if !avail[tag] {
					t.Fatalf("trial %d: %s ran before %s was available", trial, u.Name, tag)
				}
			}
			for _, dep := range u.DependsOn {
				if !ran[dep] {
					t.Fatalf("trial %d: %s ran before %s", trial, u.Name, dep)
				}
			}
			ran[u.Name] = true
			if u.Produces != "" {
				avail[u.Produces] = true
			}
		}
	}
}

// randomAcyclic builds n units where unit i may only consume tags or name
// units with a smaller index, so the set is always schedulable.
func randomAcyclic(rng *rand.Rand, n int) []model.UnitDescriptor {
	units := make([]model.UnitDescriptor, n)
	for i := range units {
		u := model.UnitDescriptor{Name: fmt.Sprintf("u%02d", i)}
		if rng.IntN(2) == 0 {
			u.Produces = model.TypeTag(fmt.Sprintf("t%02d", i))
		}
		if rng.IntN(4) == 0 {
			u.Inputs = append(u.Inputs, "ext")
		}
		for j := 0; j < i; j++ {
			switch rng.IntN(8) {
			case 0:
				if units[j].Produces != "" {
					u.Inputs = append(u.Inputs, units[j].Produces)
				}
			case 1:
				u.DependsOn = append(u.DependsOn, units[j].Name)
			}
		}
		units[i] = u
	}
	return units
}

func TestPrerequisites(t *testing.T) {
	units := []model.UnitDescriptor{
		{Name: "Connect", Produces: "conn"},
		{Name: "Seed", Inputs: []model.TypeTag{"conn"}, Produces: "rows"},
		{Name: "Unrelated"},
		{Name: "Query", Inputs: []model.TypeTag{"rows"}},
		{Name: "Report", DependsOn: []string{"Q.*"}},
	}

	tests := []struct {
		selected []string
		want     []string
	}{
		{[]string{"Query"}, []string{"Connect", "Seed", "Query"}},
		{[]string{"Report"}, []string{"Connect", "Seed", "Query", "Report"}},
		{[]string{"Unrelated", "Connect"}, []string{"Connect", "Unrelated"}},
		{[]string{"Missing"}, nil},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.selected, ","), func(t *testing.T) {
			got, err := scheduler.Prerequisites(units, tt.selected)
			if err != nil {
				t.Fatalf("Prerequisites: %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrerequisitesBadPattern(t *testing.T) {
	units := []model.UnitDescriptor{{Name: "A", DependsOn: []string{"Nope"}}}
	_, err := scheduler.Prerequisites(units, []string{"A"})
	if !errors.Is(err, scheduler.ErrUnschedulable) {
		t.Errorf("err = %v, want ErrUnschedulable", err)
	}
}
