// Package cache provides a byte-budgeted object cache for serialized
// response payloads. Entries carry an explicit cost (their size in
// bytes); inserting past the budget synchronously evicts
// least-recently-used entries until the total cost fits again. An
// optional redis tier backs the in-process tier so restarts and
// multiple replicas share warm entries.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/beamline/trove/pkg/observability"
)

type entry struct {
	value []byte
	cost  int64
}

// Options configures a Cache.
type Options struct {
	// ByteBudget bounds the total cost of in-process entries. Zero
	// disables the cache entirely.
	ByteBudget int64
	// Redis, when set, is used as a shared second tier.
	Redis *redis.Client
	// RedisTTL bounds the lifetime of redis entries. Defaults to 15m.
	RedisTTL time.Duration
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// Cache is a cost-weighted LRU keyed by string.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.LRU[string, entry]
	budget int64
	used   int64

	redis    *redis.Client
	redisTTL time.Duration
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// New builds a Cache. A nil return with nil error means caching is
// disabled (zero budget).
func New(opts Options) (*Cache, error) {
	if opts.ByteBudget <= 0 {
		return nil, nil
	}
	if opts.RedisTTL <= 0 {
		opts.RedisTTL = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	c := &Cache{
		budget:   opts.ByteBudget,
		redis:    opts.Redis,
		redisTTL: opts.RedisTTL,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	// The entry count is unbounded by construction; the byte budget is
	// enforced in Put. Size the backing LRU generously.
	backing, err := lru.NewLRU[string, entry](1<<20, func(key string, e entry) {
		c.used -= e.cost
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build cache: %w", err)
	}
	c.lru = backing
	return c, nil
}

// Get returns the cached value, consulting the redis tier on an
// in-process miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	if e, ok := c.lru.Get(key); ok {
		c.mu.Unlock()
		c.hit()
		return e.value, true
	}
	c.mu.Unlock()

	if c.redis != nil {
		raw, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			c.hit()
			c.putLocal(key, raw, int64(len(raw)))
			return raw, true
		}
		if err != redis.Nil {
			c.logger.WithError(err).Warn("redis cache read failed")
		}
	}
	c.miss()
	return nil, false
}

// Put stores a value under the given cost. Values costing more than the
// whole budget are not cached. Eviction happens before Put returns.
func (c *Cache) Put(ctx context.Context, key string, value []byte, cost int64) {
	if c == nil || cost > c.budget {
		return
	}
	c.putLocal(key, value, cost)

	if c.redis != nil {
		if err := c.redis.Set(ctx, key, value, c.redisTTL).Err(); err != nil {
			c.logger.WithError(err).Warn("redis cache write failed")
		}
	}
}

func (c *Cache) putLocal(key string, value []byte, cost int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Remove fires the eviction callback, which settles the cost of any
	// entry being replaced.
	c.lru.Remove(key)
	c.lru.Add(key, entry{value: value, cost: cost})
	c.used += cost
	for c.used > c.budget {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Used reports the current total cost of in-process entries.
func (c *Cache) Used() int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *Cache) hit() {
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}
