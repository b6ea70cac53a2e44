// Package scheduler orders units so that every unit runs after the values it
// consumes have been produced and after the units it names explicitly have
// completed.
package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/seantiz/flextest/internal/model"
)

// ErrUnschedulable is the sentinel wrapped by every *Error.
var ErrUnschedulable = errors.New("units cannot be scheduled")

// Error describes why a descriptor set cannot be ordered. Every offending
// tag, pattern and unit is reported, not just the first.
type Error struct {
	Duplicates  []string
	BadPatterns []string
	Missing     []model.TypeTag
	Unsatisfied []string
	Stuck       []string
}

func (e *Error) Error() string {
	var parts []string
	if len(e.Duplicates) > 0 {
		parts = append(parts, "duplicate unit names: "+strings.Join(e.Duplicates, ", "))
	}
	if len(e.BadPatterns) > 0 {
		parts = append(parts, "invalid dependency patterns: "+strings.Join(e.BadPatterns, "; "))
	}
	if len(e.Missing) > 0 {
		tags := make([]string, len(e.Missing))
		for i, t := range e.Missing {
			tags[i] = string(t)
		}
		parts = append(parts, "objects are required but were not provided by any unit: "+strings.Join(tags, ", "))
	}
	if len(e.Unsatisfied) > 0 {
		parts = append(parts, "unit dependencies never completed: "+strings.Join(e.Unsatisfied, "; "))
	}
	if len(e.Stuck) > 0 {
		parts = append(parts, "unscheduled units: "+strings.Join(e.Stuck, ", "))
	}
	return strings.Join(parts, "; ")
}

// Unwrap lets callers match with errors.Is(err, ErrUnschedulable).
func (e *Error) Unwrap() error { return ErrUnschedulable }

// Order returns units in an order that satisfies their declared inputs and
// explicit dependencies. available lists tags supplied from outside the run.
//
// The order is a fixed point: each pass walks the not-yet-scheduled units in
// discovery order and schedules every unit whose inputs are available and
// whose explicit dependencies have all been scheduled. A tag produced by a
// unit becomes available to the units after it in the same pass. Passes
// repeat until one makes no progress.
func Order(units []model.UnitDescriptor, available []model.TypeTag) ([]model.UnitDescriptor, error) {
	if err := checkDuplicates(units); err != nil {
		return nil, err
	}
	deps, err := resolvePatterns(units)
	if err != nil {
		return nil, err
	}

	avail := make(map[model.TypeTag]bool, len(available)+len(units))
	for _, tag := range available {
		avail[tag] = true
	}

	done := make([]bool, len(units))
	order := make([]model.UnitDescriptor, 0, len(units))
	ready := func(i int) bool {
		for _, tag := range units[i].Inputs {
			if !avail[tag] {
				return false
			}
		}
		for _, j := range deps[i] {
			if !done[j] {
				return false
			}
		}
		return true
	}

	for progress := true; progress; {
		progress = false
		for i := range units {
			if done[i] || !ready(i) {
				continue
			}
			done[i] = true
			order = append(order, units[i])
			if units[i].Produces != "" {
				avail[units[i].Produces] = true
			}
			progress = true
		}
	}

	if len(order) == len(units) {
		return order, nil
	}
	return nil, stalled(units, deps, done, avail)
}

func checkDuplicates(units []model.UnitDescriptor) error {
	seen := make(map[string]bool, len(units))
	var dups []string
	for _, u := range units {
		if seen[u.Name] {
			dups = append(dups, u.Name)
			continue
		}
		seen[u.Name] = true
	}
	if len(dups) > 0 {
		return &Error{Duplicates: dups}
	}
	return nil
}

// resolvePatterns expands each unit's explicit dependency patterns into the
// indices of the units they match. Patterns are anchored and never match the
// declaring unit. A pattern that matches nothing is an error.
func resolvePatterns(units []model.UnitDescriptor) ([][]int, error) {
	deps := make([][]int, len(units))
	var bad []string
	for i, u := range units {
		for _, pattern := range u.DependsOn {
			re, err := regexp.Compile("^(?:" + pattern + ")$")
			if err != nil {
				bad = append(bad, fmt.Sprintf("%s: %q: %v", u.Name, pattern, err))
				continue
			}
			matched := false
			for j, other := range units {
				if j != i && re.MatchString(other.Name) {
					deps[i] = append(deps[i], j)
					matched = true
				}
			}
			if !matched {
				bad = append(bad, fmt.Sprintf("%s: %q matches no unit", u.Name, pattern))
			}
		}
	}
	if len(bad) > 0 {
		return nil, &Error{BadPatterns: bad}
	}
	return deps, nil
}

func stalled(units []model.UnitDescriptor, deps [][]int, done []bool, avail map[model.TypeTag]bool) error {
	e := &Error{}
	seenTag := make(map[model.TypeTag]bool)
	for i, u := range units {
		if done[i] {
			continue
		}
		e.Stuck = append(e.Stuck, u.Name)
		for _, tag := range u.Inputs {
			if !avail[tag] && !seenTag[tag] {
				seenTag[tag] = true
				e.Missing = append(e.Missing, tag)
			}
		}
		for _, j := range deps[i] {
			if !done[j] {
				e.Unsatisfied = append(e.Unsatisfied, u.Name+" -> "+units[j].Name)
			}
		}
	}
	return e
}

// Prerequisites returns the names of the selected units together with every
// unit they transitively need: producers of their input tags and the units
// their explicit dependency patterns match. The result follows discovery
// order.
func Prerequisites(units []model.UnitDescriptor, selected []string) ([]string, error) {
	if err := checkDuplicates(units); err != nil {
		return nil, err
	}
	deps, err := resolvePatterns(units)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(units))
	producers := make(map[model.TypeTag][]int)
	for i, u := range units {
		index[u.Name] = i
		if u.Produces != "" {
			producers[u.Produces] = append(producers[u.Produces], i)
		}
	}

	keep := make([]bool, len(units))
	var stack []int
	for _, name := range selected {
		if i, ok := index[name]; ok && !keep[i] {
			keep[i] = true
			stack = append(stack, i)
		}
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		next := slices.Clone(deps[i])
		for _, tag := range units[i].Inputs {
			next = append(next, producers[tag]...)
		}
		for _, j := range next {
			if !keep[j] {
				keep[j] = true
				stack = append(stack, j)
			}
		}
	}

	var out []string
	for i, u := range units {
		if keep[i] {
			out = append(out, u.Name)
		}
	}
	return out, nil
}
