// Package usercache caches wiki user lookups. Concurrent lookups for the
// same key are coalesced through singleflight so a page full of mentions of
// one author produces a single API call.
package usercache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"confex/internal/confluence"
)

const (
	defaultMaxSize = 512
	defaultTTL     = 30 * time.Minute
)

// Config tunes the cache.
type Config struct {
	MaxSize int
	TTL     time.Duration
}

type entry struct {
	user     *confluence.User // nil means a confirmed miss
	storedAt time.Time
}

// Cache is an LRU, TTL-bounded user lookup cache.
type Cache struct {
	client confluence.Client
	cache  *lru.Cache[string, entry]
	group  singleflight.Group
	ttl    time.Duration
	now    func() time.Time
}

// New builds a cache in front of the given client.
func New(client confluence.Client, cfg Config) (*Cache, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	c, err := lru.New[string, entry](cfg.MaxSize)
	if err != nil {
		return nil, err
	}
	return &Cache{client: client, cache: c, ttl: cfg.TTL, now: time.Now}, nil
}

// SetClock overrides the time source. Test hook.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// Get resolves a username or user key, hitting the wiki at most once per key
// per TTL window. A nil user with nil error means the user does not exist.
func (c *Cache) Get(ctx context.Context, key string) (*confluence.User, error) {
	if cached, ok := c.cache.Get(key); ok {
		if c.now().Sub(cached.storedAt) < c.ttl {
			return cached.user, nil
		}
		c.cache.Remove(key)
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		user, err := c.client.GetUser(ctx, key)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, entry{user: user, storedAt: c.now()})
		return user, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*confluence.User), nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int { return c.cache.Len() }
