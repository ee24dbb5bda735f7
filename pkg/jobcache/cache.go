// Package jobcache resolves job identifiers to job records.
//
// Lookups are cache-aside and scoped per remote instance: an outer cache
// keyed by instance name holds one LRU of job records per instance. Expired
// records are dropped when they are next looked up. On a miss the record is loaded from the service exactly once per key, even
// when many callers ask for it concurrently.
//
// Use New to pick the variant at startup. Null never memoizes and is
// otherwise interchangeable with Cache.
package jobcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/3leaps/rexmon/pkg/remote"
)

// Resolver resolves job identifiers for a named remote instance.
//
// Returned records are shared and must not be modified.
type Resolver interface {
	// Resolve returns the job record for identifier on the given instance.
	Resolve(ctx context.Context, identifier, instance string, svc remote.JobFinder) (*remote.JobRecord, error)

	// Invalidate drops everything cached for an instance.
	Invalidate(instance string)

	// Stats returns a snapshot of the resolver counters.
	Stats() Stats

	// Summary returns Stats formatted for humans.
	Summary() string
}

// Config configures the resolver.
type Config struct {
	// Enabled selects Cache (true) or Null (false) in New.
	Enabled bool

	// TTL is how long a resolved record stays valid after it was stored.
	// Default: 60m
	TTL time.Duration

	// MaxEntries bounds each instance's cache; the least recently used
	// record is evicted first.
	// Default: 500
	MaxEntries int

	// InstanceIdle drops an instance's whole cache after this long without
	// a lookup.
	// Default: 24h
	InstanceIdle time.Duration

	// StatsEveryNHits logs the summary every N cache hits, or every N
	// lookups when caching is disabled. Zero disables.
	// Default: 0
	StatsEveryNHits int

	// Logger receives periodic statistics.
	// Default: no-op
	Logger *zap.Logger
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		TTL:          60 * time.Minute,
		MaxEntries:   500,
		InstanceIdle: 24 * time.Hour,
	}
}

// New returns a Cache when cfg.Enabled is set, otherwise a Null resolver.
func New(cfg Config) Resolver {
	if !cfg.Enabled {
		n := NewNull(cfg.Logger)
		n.statsEvery = max(cfg.StatsEveryNHits, 0)
		return n
	}
	return NewCache(cfg)
}

type cachedJob struct {
	rec       *remote.JobRecord
	expiresAt time.Time
}

// entryCache holds one instance's records.
type entryCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, cachedJob]
	ttl time.Duration
	now func() time.Time
}

func (e *entryCache) get(key string) (*remote.JobRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !e.now().Before(v.expiresAt) {
		e.lru.Remove(key)
		return nil, false
	}
	return v.rec, true
}

func (e *entryCache) add(key string, rec *remote.JobRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lru.Add(key, cachedJob{rec: rec, expiresAt: e.now().Add(e.ttl)})
}

func (e *entryCache) len() int { return e.lru.Len() }

// Cache is the memoizing Resolver.
type Cache struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	instances *expirable.LRU[string, *entryCache]

	flights singleflight.Group
	now     func() time.Time

	hits       atomic.Int64
	misses     atomic.Int64
	loads      atomic.Int64
	loadErrors atomic.Int64
	evictions  atomic.Int64
}

var (
	_ Resolver = (*Cache)(nil)
	_ Resolver = (*Null)(nil)
)

// NewCache creates a memoizing resolver.
//
// Use DefaultConfig() as the base configuration.
func NewCache(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.InstanceIdle <= 0 {
		cfg.InstanceIdle = def.InstanceIdle
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Enabled = true

	return &Cache{
		cfg:       cfg,
		log:       cfg.Logger,
		instances: expirable.NewLRU[string, *entryCache](0, nil, cfg.InstanceIdle),
		now:       time.Now,
	}
}

// Resolve returns the cached record or loads it through svc.
//
// Concurrent misses for the same (instance, identifier) share one load.
// That load runs with the context of the caller that started it. Failed
// loads are not cached.
func (c *Cache) Resolve(ctx context.Context, identifier, instance string, svc remote.JobFinder) (*remote.JobRecord, error) {
	id, err := ParseIdentifier(identifier)
	if err != nil {
		return nil, err
	}

	if rec, ok := c.instance(instance).get(id.Raw); ok {
		c.recordHit()
		return rec, nil
	}
	c.misses.Add(1)

	v, err, _ := c.flights.Do(instance+"\x00"+id.Raw, func() (any, error) {
		// A flight that finished just before this one started may have
		// stored the record already.
		if rec, ok := c.instance(instance).get(id.Raw); ok {
			return rec, nil
		}

		c.loads.Add(1)
		rec, err := Load(ctx, svc, id.Raw)
		if err != nil {
			c.loadErrors.Add(1)
			return nil, err
		}
		// Looked up again: the instance may have been invalidated while
		// the load was in flight.
		c.instance(instance).add(id.Raw, rec)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*remote.JobRecord), nil
}

// Invalidate drops everything cached for an instance.
func (c *Cache) Invalidate(instance string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entries, ok := c.instances.Peek(instance); ok {
		entries.lru.Purge()
		c.instances.Remove(instance)
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	caches := c.instances.Values()
	c.mu.Unlock()

	entries := 0
	for _, ec := range caches {
		entries += ec.len()
	}

	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Loads:      c.loads.Load(),
		LoadErrors: c.loadErrors.Load(),
		Evictions:  c.evictions.Load(),
		Instances:  len(caches),
		Entries:    entries,
	}
}

// Summary returns the statistics as a formatted string.
func (c *Cache) Summary() string {
	return "job cache: " + c.Stats().String()
}

// instance returns the per-instance cache, creating it on first use.
// Every lookup refreshes the instance's idle window.
func (c *Cache) instance(name string) *entryCache {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.instances.Get(name)
	if !ok {
		// MaxEntries is positive after NewCache, the only error case.
		records, _ := lru.NewWithEvict[string, cachedJob](c.cfg.MaxEntries, c.onEvict)
		entries = &entryCache{lru: records, ttl: c.cfg.TTL, now: c.now}
	}
	c.instances.Add(name, entries)
	return entries
}

func (c *Cache) onEvict(_ string, _ cachedJob) {
	c.evictions.Add(1)
}

func (c *Cache) recordHit() {
	n := c.hits.Add(1)
	if every := int64(c.cfg.StatsEveryNHits); every > 0 && n%every == 0 {
		c.log.Info("Job cache statistics", zap.String("summary", c.Summary()))
	}
}
