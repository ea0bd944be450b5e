// Package cache is the read cache shared by the resource client and the gateway's identity
// resolver. Entries are keyed by resource family and key, concurrent fetches of the same key
// are collapsed, and a whole family can be invalidated at once.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ecity-hub/ecity/domain"
	"golang.org/x/sync/singleflight"
)

// Key identifies one cached read.
type Key struct {
	Family domain.Family
	ID     string // entity id, or the encoded query of a list read
}

// String is also the singleflight key.
func (key Key) String() string {
	return string(key.Family) + "/" + key.ID
}

type entry struct {
	value    []byte
	storedAt time.Time
}

// FetchFunc loads the value for a key on a miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Cache holds raw payloads. A zero TTL keeps entries until they are invalidated.
type Cache struct {
	mu          sync.RWMutex
	entries     map[Key]entry
	generations map[domain.Family]uint64
	ttl         time.Duration
	group       singleflight.Group
	now         func() time.Time
}

// New returns an empty cache.
func New(ttl time.Duration) *Cache {
	return &Cache{
		entries:     make(map[Key]entry),
		generations: make(map[domain.Family]uint64),
		ttl:         ttl,
		now:         time.Now,
	}
}

// Get returns the cached value for key if present and fresh.
func (c *Cache) Get(key Key) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	found, ok := c.entries[key]
	if !ok || c.stale(found) {
		return nil, false
	}
	return found.value, true
}

// Set stores value under key.
func (c *Cache) Set(key Key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, storedAt: c.now()}
}

// Fetch returns the cached value or calls fetch once for all concurrent callers of the same key.
// A value fetched while its family was invalidated is returned but not stored.
func (c *Cache) Fetch(ctx context.Context, key Key, fetch FetchFunc) ([]byte, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	result, err, _ := c.group.Do(key.String(), func() (any, error) {
		generation := c.generation(key.Family)
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.generations[key.Family] == generation {
			c.entries[key] = entry{value: value, storedAt: c.now()}
		}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Invalidate drops one key.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateFamily drops every key of family and returns how many were removed.
func (c *Cache) InvalidateFamily(family domain.Family) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[family]++
	removed := 0
	for key := range c.entries {
		if key.Family == family {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Keys returns the cached keys sorted by family then id.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]Key, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Family != keys[j].Family {
			return keys[i].Family < keys[j].Family
		}
		return keys[i].ID < keys[j].ID
	})
	return keys
}

// Len returns the number of cached entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) generation(family domain.Family) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generations[family]
}

func (c *Cache) stale(found entry) bool {
	return c.ttl > 0 && c.now().Sub(found.storedAt) >= c.ttl
}
