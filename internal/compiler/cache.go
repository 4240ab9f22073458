package compiler

import (
	"sync"

	"github.com/sells-group/safeguard/internal/model"
)

// Cache holds the most recent resolved rule set per child, keyed by the max
// policy version observed at compile time. Dispatch and device pulls read
// the same set repeatedly between policy edits; a cheap version probe
// decides whether the cached set is still current.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	set *model.ResolvedRuleSet
	// stamp is the max version across all active policies when the set was
	// compiled, which may exceed set.MaxVersion when a non-contributing
	// policy carries the highest version.
	stamp int64
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Get returns the cached set for a child if it was compiled at the given
// version stamp, nil otherwise.
func (c *Cache) Get(childID string, stamp int64) *model.ResolvedRuleSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[childID]
	if !ok || e.stamp != stamp {
		return nil
	}
	return e.set
}

func (c *Cache) Put(set *model.ResolvedRuleSet, stamp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[set.ChildID] = cacheEntry{set: set, stamp: stamp}
}

func (c *Cache) Invalidate(childID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, childID)
}
