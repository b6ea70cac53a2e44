package engine

import (
	"slices"
	"sync"

	"github.com/seantiz/flextest/internal/model"
)

// Cache maps a produced type tag to the most recent value produced for it.
// It lives for one run and is emptied when the run ends.
type Cache struct {
	mu     sync.RWMutex
	values map[model.TypeTag]any
}

func newCache() *Cache {
	return &Cache{values: make(map[model.TypeTag]any)}
}

// Get returns the value stored for tag.
func (c *Cache) Get(tag model.TypeTag) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[tag]
	return v, ok
}

// Set stores v under tag, replacing any previous value.
func (c *Cache) Set(tag model.TypeTag, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[tag] = v
}

// Len returns the number of cached values.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Tags returns the cached tags in sorted order.
func (c *Cache) Tags() []model.TypeTag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tags := make([]model.TypeTag, 0, len(c.values))
	for tag := range c.values {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

// Clear removes every value.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.values)
}
