package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/flextest/internal/model"
)

const profileSchemaURL = "https://flextest.local/profile.schema.json"

//go:embed profile.schema.json
var profileSchemaJSON string

var profileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(profileSchemaURL, strings.NewReader(profileSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(profileSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
})

// Profile selects and tunes the units of a run. It is read from YAML.
type Profile struct {
	Include      []string                     `yaml:"include"`
	Exclude      []string                     `yaml:"exclude"`
	Dependencies map[string]any               `yaml:"dependencies"`
	Benchmarks   map[string]BenchmarkOverride `yaml:"benchmarks"`

	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// BenchmarkOverride replaces the iteration counts of one benchmark, keyed
// by its full name, and optionally supplies a baseline.
type BenchmarkOverride struct {
	Warmup     *int   `yaml:"warmup"`
	Iterations *int   `yaml:"iterations"`
	Baseline   string `yaml:"baseline"`

	baseline *time.Duration
}

// LoadProfile reads the profile at path. An empty path yields a profile
// that selects everything.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return &Profile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a YAML profile, checks it against the profile schema
// and compiles its patterns.
func ParseProfile(data []byte) (*Profile, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := validateProfileDoc(doc); err != nil {
		return nil, err
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func validateProfileDoc(doc any) error {
	schema, err := profileSchema()
	if err != nil {
		return err
	}
	// Round-trip through JSON so the validator sees JSON value types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("profile is not a JSON-compatible document: %w", err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	return nil
}

// Validate compiles the include and exclude patterns and parses baselines.
func (p *Profile) Validate() error {
	var err error
	if p.include, err = compileAll(p.Include); err != nil {
		return fmt.Errorf("include: %w", err)
	}
	if p.exclude, err = compileAll(p.Exclude); err != nil {
		return fmt.Errorf("exclude: %w", err)
	}
	for name, o := range p.Benchmarks {
		if o.Baseline == "" {
			continue
		}
		d, err := time.ParseDuration(o.Baseline)
		if err != nil {
			return fmt.Errorf("benchmark %q: baseline: %w", name, err)
		}
		o.baseline = &d
		p.Benchmarks[name] = o
	}
	return nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Selects reports whether name passes the include and exclude lists. An
// empty include list includes everything.
func (p *Profile) Selects(name string) bool {
	if p == nil {
		return true
	}
	included := len(p.include) == 0
	for _, re := range p.include {
		if re.MatchString(name) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, re := range p.exclude {
		if re.MatchString(name) {
			return false
		}
	}
	return true
}

// UnitFilter returns a test filter, or nil when the profile selects everything.
func (p *Profile) UnitFilter() func(model.UnitDescriptor) bool {
	if p == nil || (len(p.include) == 0 && len(p.exclude) == 0) {
		return nil
	}
	return func(d model.UnitDescriptor) bool { return p.Selects(d.Name) }
}

// BenchmarkFilter returns a benchmark filter matching full names, or nil
// when the profile selects everything.
func (p *Profile) BenchmarkFilter() func(model.BenchmarkDescriptor) bool {
	if p == nil || (len(p.include) == 0 && len(p.exclude) == 0) {
		return nil
	}
	return func(d model.BenchmarkDescriptor) bool { return p.Selects(d.FullName()) }
}

// ApplyBenchmark returns d with any override applied, and the configured
// baseline if one exists.
func (p *Profile) ApplyBenchmark(d model.BenchmarkDescriptor) (model.BenchmarkDescriptor, *time.Duration) {
	if p == nil {
		return d, nil
	}
	o, ok := p.Benchmarks[d.FullName()]
	if !ok {
		return d, nil
	}
	if o.Warmup != nil {
		d.WarmupIterations = *o.Warmup
	}
	if o.Iterations != nil {
		d.TestIterations = *o.Iterations
	}
	return d, o.baseline
}

// DependencyValues returns the profile's external dependencies keyed by tag.
func (p *Profile) DependencyValues() map[model.TypeTag]any {
	if p == nil || len(p.Dependencies) == 0 {
		return nil
	}
	out := make(map[model.TypeTag]any, len(p.Dependencies))
	for k, v := range p.Dependencies {
		out[model.TypeTag(k)] = v
	}
	return out
}
