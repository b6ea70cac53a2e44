package host

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/flextest/internal/catalog"
)

// ErrUnknownArtifact is returned when a source is not registered.
var ErrUnknownArtifact = errors.New("unknown artifact")

// ArtifactInfo summarises one registered artifact.
type ArtifactInfo struct {
	Source     string `json:"source"`
	Tests      int    `json:"tests"`
	Benchmarks int    `json:"benchmarks"`
}

// Registry maps artifact sources to the catalogs they were built from.
type Registry struct {
	mu        sync.RWMutex
	artifacts map[string]catalog.Provider
}

// NewRegistry creates an empty artifact registry.
func NewRegistry() *Registry {
	return &Registry{
		artifacts: make(map[string]catalog.Provider),
	}
}

// Register adds a catalog under source, replacing any previous entry.
func (r *Registry) Register(source string, p catalog.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[source] = p
}

// Resolve returns the catalog registered under source.
func (r *Registry) Resolve(source string) (catalog.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.artifacts[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArtifact, source)
	}
	return p, nil
}

// List returns every registered artifact, sorted by source for a stable API
// response.
func (r *Registry) List() []ArtifactInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ArtifactInfo, 0, len(r.artifacts))
	for source, p := range r.artifacts {
		infos = append(infos, ArtifactInfo{
			Source:     source,
			Tests:      len(p.Tests()),
			Benchmarks: len(p.Benchmarks()),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Source < infos[j].Source
	})
	return infos
}
