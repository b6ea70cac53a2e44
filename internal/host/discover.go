package host

import (
	"strings"

	"github.com/seantiz/flextest/internal/model"
)

// TestCase is what a host tool needs to present and later select one unit
// without invoking it.
type TestCase struct {
	FullyQualifiedName string     `json:"fully_qualified_name"`
	DisplayName        string     `json:"display_name"`
	Source             string     `json:"source"`
	CodeFilePath       string     `json:"code_file_path,omitempty"`
	LineNumber         int        `json:"line_number,omitempty"`
	Category           string     `json:"category"`
	Kind               model.Kind `json:"kind"`
}

// Discover lists the units of the artifact registered under source: tests
// in registration order, then benchmarks. Benchmarks are identified by
// their full name.
func (r *Registry) Discover(source string) ([]TestCase, error) {
	p, err := r.Resolve(source)
	if err != nil {
		return nil, err
	}

	tests := p.Tests()
	benches := p.Benchmarks()
	cases := make([]TestCase, 0, len(tests)+len(benches))
	for _, t := range tests {
		d := t.UnitDescriptor.Normalize()
		cases = append(cases, TestCase{
			FullyQualifiedName: d.Name,
			DisplayName:        d.Display(),
			Source:             source,
			CodeFilePath:       d.Source.File,
			LineNumber:         d.Source.Line,
			Category:           d.Category,
			Kind:               d.Kind,
		})
	}
	for _, b := range benches {
		d := b.BenchmarkDescriptor
		name := d.FullName()
		display := d.Name
		if d.Variation != "" {
			display += " [" + d.Variation + "]"
		}
		cases = append(cases, TestCase{
			FullyQualifiedName: name,
			DisplayName:        display,
			Source:             source,
			CodeFilePath:       d.Source.File,
			LineNumber:         d.Source.Line,
			Category:           strings.Join(d.Category, `\`),
			Kind:               model.KindBenchmark,
		})
	}
	return cases, nil
}
