package db

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/juju/errors"
)

// Cache holds account listings per user namespace. A nil *Cache is a valid,
// always-empty cache.
//
// Every key carries a generation that DelAccounts bumps. A reader takes the
// generation before loading from the store and SetAccounts refuses the fill
// when an invalidation happened in between.
type Cache struct {
	cache *ristretto.Cache
	ttl   time.Duration

	mu          sync.Mutex
	generations map[string]uint64
}

func NewCache(ttl time.Duration) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000, // number of keys to track frequency of
		MaxCost:     10000,
		BufferItems: 64, // number of keys per Get buffer
	})
	if err != nil {
		return nil, errors.Annotate(err, "initialize cache")
	}
	return &Cache{cache: c, ttl: ttl, generations: make(map[string]uint64)}, nil
}

func accountsKey(applicationID, userID string) string {
	return "accounts:" + applicationID + ":" + userID
}

// GetAccounts returns the cached listing, or the generation to pass to
// SetAccounts on a miss.
func (c *Cache) GetAccounts(applicationID, userID string) (interface{}, uint64, bool) {
	if c == nil {
		return nil, 0, false
	}
	key := accountsKey(applicationID, userID)
	c.mu.Lock()
	gen := c.generations[key]
	c.mu.Unlock()
	if value, ok := c.cache.Get(key); ok {
		return value, gen, true
	}
	return nil, gen, false
}

// SetAccounts stores value unless the key was invalidated since generation gen
// was read. It reports whether the value was stored.
func (c *Cache) SetAccounts(applicationID, userID string, gen uint64, value interface{}) bool {
	if c == nil {
		return false
	}
	key := accountsKey(applicationID, userID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[key] != gen {
		return false
	}
	c.cache.SetWithTTL(key, value, 1, c.ttl)
	c.cache.Wait()
	return true
}

func (c *Cache) DelAccounts(applicationID, userID string) {
	if c == nil {
		return
	}
	key := accountsKey(applicationID, userID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[key]++
	c.cache.Del(key)
}

func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.cache.Close()
}
