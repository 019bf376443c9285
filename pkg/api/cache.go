package api

import (
	"strings"
	"sync"
)

func compoundKey(keys ...string) string {
	return strings.Join(keys, ",")
}

// identityCache maps ids to the last entity seen for them. Entries live for
// the lifetime of the process; there is no eviction.
type identityCache[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

func newIdentityCache[V any]() *identityCache[V] {
	return &identityCache[V]{items: make(map[string]V)}
}

func (c *identityCache[V]) get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *identityCache[V]) set(key string, v V) {
	c.mu.Lock()
	c.items[key] = v
	c.mu.Unlock()
}

func (c *identityCache[V]) delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// deleteWhere drops every entry for which match returns true.
func (c *identityCache[V]) deleteWhere(match func(key string, v V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.items {
		if match(k, v) {
			delete(c.items, k)
		}
	}
}

func (c *identityCache[V]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
