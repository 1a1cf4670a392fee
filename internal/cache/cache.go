// Package cache is a small in-process TTL cache shared by the provider
// clients (catalogs, auth tokens) and the exchange-rate feed.
package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

type Cache struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time

	loads singleflight.Group
}

func New() *Cache {
	return &Cache{
		items: make(map[string]entry),
		now:   time.Now,
	}
}

// Get returns the value stored under key if it has not expired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.Delete(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value for ttl. A non-positive ttl never expires.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = entry{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

// SetUntil stores value until the absolute time expiresAt.
func (c *Cache) SetUntil(key string, value interface{}, expiresAt time.Time) {
	c.mu.Lock()
	c.items[key] = entry{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Remember returns the cached value for key, loading and storing it on a miss.
// Concurrent misses on the same key share one load. Load errors are not
// cached.
func (c *Cache) Remember(key string, ttl time.Duration, load func() (interface{}, error)) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.loads.Do(key, func() (interface{}, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Purge drops expired entries.
func (c *Cache) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.items {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
