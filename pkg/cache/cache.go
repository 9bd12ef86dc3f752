// Package cache provides a namespaced TTL cache with capacity-based eviction.
//
// Values are stored in arena-backed copy-on-write buffers: callers receive
// shared immutable views (or plain copies via GetBytes), never a mutable alias
// into the cache's storage. The key space is split across independently locked
// shards selected by xxhash, so concurrent readers and writers on different
// keys rarely contend.
//
// Eviction uses a dual-key policy: when an insert would exceed the entry or
// byte budget, victims are chosen by least-recent access first, then nearest
// expiry, then insertion order. Entries both stale in access and close to
// natural expiry go first, keeping hot long-lived entries resident.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/orbitdrift/substrate/pkg/arena"
	"github.com/orbitdrift/substrate/pkg/config"
	"github.com/orbitdrift/substrate/pkg/errors"
	"github.com/orbitdrift/substrate/pkg/metrics"
)

const defaultShards = 16

// entryOverhead approximates per-entry bookkeeping bytes beyond key and value.
const entryOverhead = 96

// entry is a single cached value. Access times are guarded by the shard lock.
type entry struct {
	namespace    string
	key          string
	value        *arena.CowBuffer
	size         int64
	seq          uint64
	insertedAt   time.Time
	expiresAt    time.Time
	lastAccessed time.Time
}

// shard is one independently locked segment of the key space.
type shard struct {
	mu         sync.Mutex
	entries    map[string]*entry
	bytes      int64
	maxEntries int
	maxBytes   int64
}

// Cache is a sharded TTL cache. All methods are safe for concurrent use.
type Cache struct {
	cfg       config.CacheConfig
	arena     *arena.Arena
	collector *metrics.Collector
	logger    *zap.Logger

	shards []*shard
	seq    uint64

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Stats is a snapshot of cache counters. Counters are only maintained when
// EnableStats is set.
type Stats struct {
	Entries     int   `json:"entries"`
	MemoryBytes int64 `json:"memory_bytes"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// New creates a cache. The configuration must validate; the arena and
// collector are required. The background expiry sweep starts immediately.
func New(cfg config.CacheConfig, a *arena.Arena, collector *metrics.Collector, logger *zap.Logger) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid cache config")
	}

	numShards := cfg.Shards
	if numShards == 0 {
		numShards = defaultShards
	}
	if numShards > cfg.MaxEntries {
		numShards = 1
	}

	perShardEntries := cfg.MaxEntries / numShards
	if perShardEntries < 1 {
		perShardEntries = 1
	}
	perShardBytes := cfg.MaxMemoryBytes / int64(numShards)
	if perShardBytes < 1 {
		perShardBytes = 1
	}

	c := &Cache{
		cfg:       cfg,
		arena:     a,
		collector: collector,
		logger:    logger.With(zap.String("component", "cache")),
		shards:    make([]*shard, numShards),
		stopCh:    make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries:    make(map[string]*entry),
			maxEntries: perShardEntries,
			maxBytes:   perShardBytes,
		}
	}

	c.wg.Add(1)
	go c.sweepLoop()

	return c, nil
}

// Get returns a shared immutable view of a live entry, or nil and false on a
// miss. An expired entry found during lookup is evicted lazily. The caller
// should Release the returned buffer when done with it.
func (c *Cache) Get(namespace, key string) (*arena.CowBuffer, bool) {
	s, fullKey := c.shardFor(namespace, key)

	s.mu.Lock()
	e, ok := s.entries[fullKey]
	if !ok {
		s.mu.Unlock()
		c.countMiss(namespace)
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(s, e)
		s.mu.Unlock()
		c.countExpired(namespace)
		c.countMiss(namespace)
		return nil, false
	}
	e.lastAccessed = time.Now()
	view := e.value.Clone()
	s.mu.Unlock()

	c.countHit(namespace)
	return view, true
}

// GetBytes returns a copy of a live entry's value. It is a convenience for
// callers that do not want to manage buffer references.
func (c *Cache) GetBytes(namespace, key string) ([]byte, bool) {
	view, ok := c.Get(namespace, key)
	if !ok {
		return nil, false
	}
	out := make([]byte, view.Len())
	copy(out, view.Bytes())
	view.Release()
	return out, true
}

// Put inserts or overwrites an entry, evicting by the dual-key policy until
// the new entry fits the shard's entry and byte budgets. An explicit ttl
// overrides the configured default.
func (c *Cache) Put(namespace, key string, value []byte, ttl ...time.Duration) error {
	entryTTL := c.cfg.DefaultTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		entryTTL = ttl[0]
	}

	cow, err := c.arena.CreateCowBuffer(value)
	if err != nil {
		return err
	}

	size := int64(len(namespace)+len(key)+len(value)) + entryOverhead
	s, fullKey := c.shardFor(namespace, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if size > s.maxBytes {
		cow.Release()
		return errors.Newf(errors.ErrorTypeMemory, "entry of %d bytes exceeds shard budget %d", size, s.maxBytes)
	}

	// Overwrite is last-write-wins
	if old, ok := s.entries[fullKey]; ok {
		c.removeLocked(s, old)
	}

	for len(s.entries) >= s.maxEntries || s.bytes+size > s.maxBytes {
		victim := evictionCandidate(s)
		if victim == nil {
			break
		}
		c.removeLocked(s, victim)
		c.countEviction(victim.namespace)
	}

	now := time.Now()
	e := &entry{
		namespace:    namespace,
		key:          key,
		value:        cow,
		size:         size,
		seq:          atomic.AddUint64(&c.seq, 1),
		insertedAt:   now,
		expiresAt:    now.Add(entryTTL),
		lastAccessed: now,
	}
	s.entries[fullKey] = e
	s.bytes += size
	metrics.CacheEntries.WithLabelValues(namespace).Inc()

	return nil
}

// Delete removes an entry if present, reporting whether it existed.
func (c *Cache) Delete(namespace, key string) bool {
	s, fullKey := c.shardFor(namespace, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fullKey]
	if !ok {
		return false
	}
	c.removeLocked(s, e)
	return true
}

// PurgeNamespace removes every entry in a namespace and returns how many were
// dropped. Used as a recovery action for poisoned namespaces.
func (c *Cache) PurgeNamespace(namespace string) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.namespace == namespace {
				c.removeLocked(s, e)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		c.logger.Info("purged namespace", zap.String("namespace", namespace), zap.Int("removed", removed))
	}
	return removed
}

// Len returns the total number of live entries.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// MemoryUsed returns the total estimated size of all entries.
func (c *Cache) MemoryUsed() int64 {
	var b int64
	for _, s := range c.shards {
		s.mu.Lock()
		b += s.bytes
		s.mu.Unlock()
	}
	return b
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:     c.Len(),
		MemoryBytes: c.MemoryUsed(),
		Hits:        atomic.LoadInt64(&c.hits),
		Misses:      atomic.LoadInt64(&c.misses),
		Evictions:   atomic.LoadInt64(&c.evictions),
		Expirations: atomic.LoadInt64(&c.expirations),
	}
}

// Close stops the background sweep and drops every entry.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()

		for _, s := range c.shards {
			s.mu.Lock()
			for _, e := range s.entries {
				c.removeLocked(s, e)
			}
			s.mu.Unlock()
		}
	})
}

// sweepLoop proactively removes expired entries every CleanupInterval,
// locking one shard at a time so foreground operations are never starved.
func (c *Cache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.stopCh:
			return
		}
	}
}

// PurgeExpired removes every expired entry immediately and returns how many
// were dropped. The background sweep calls this on its own schedule; it is
// also exposed as a recovery action.
func (c *Cache) PurgeExpired() int {
	return c.sweepExpired()
}

// sweepExpired removes expired entries across all shards.
func (c *Cache) sweepExpired() int {
	now := time.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if now.After(e.expiresAt) {
				c.removeLocked(s, e)
				c.countExpired(e.namespace)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// removeLocked deletes an entry and releases its buffer. Caller holds s.mu.
func (c *Cache) removeLocked(s *shard, e *entry) {
	delete(s.entries, fullKey(e.namespace, e.key))
	s.bytes -= e.size
	e.value.Release()
	metrics.CacheEntries.WithLabelValues(e.namespace).Dec()
}

// evictionCandidate scans a shard for the entry that is least recently
// accessed, then nearest to expiry, then earliest inserted. Caller holds s.mu.
func evictionCandidate(s *shard) *entry {
	var victim *entry
	for _, e := range s.entries {
		if victim == nil {
			victim = e
			continue
		}
		switch {
		case e.lastAccessed.Before(victim.lastAccessed):
			victim = e
		case e.lastAccessed.Equal(victim.lastAccessed):
			if e.expiresAt.Before(victim.expiresAt) ||
				(e.expiresAt.Equal(victim.expiresAt) && e.seq < victim.seq) {
				victim = e
			}
		}
	}
	return victim
}

func (c *Cache) shardFor(namespace, key string) (*shard, string) {
	fk := fullKey(namespace, key)
	idx := xxhash.Sum64String(fk) % uint64(len(c.shards))
	return c.shards[idx], fk
}

func fullKey(namespace, key string) string {
	return namespace + "\x00" + key
}

func (c *Cache) countHit(namespace string) {
	if !c.cfg.EnableStats {
		return
	}
	atomic.AddInt64(&c.hits, 1)
	c.collector.RecordCounter("cache_hits", 1, metrics.Labels{"namespace": namespace})
	metrics.OperationsTotal.WithLabelValues("cache", "get", "success").Inc()
}

func (c *Cache) countMiss(namespace string) {
	if !c.cfg.EnableStats {
		return
	}
	atomic.AddInt64(&c.misses, 1)
	c.collector.RecordCounter("cache_misses", 1, metrics.Labels{"namespace": namespace})
}

func (c *Cache) countEviction(namespace string) {
	if !c.cfg.EnableStats {
		return
	}
	atomic.AddInt64(&c.evictions, 1)
	c.collector.RecordCounter("cache_evictions", 1, metrics.Labels{"namespace": namespace})
}

func (c *Cache) countExpired(namespace string) {
	if !c.cfg.EnableStats {
		return
	}
	atomic.AddInt64(&c.expirations, 1)
	c.collector.RecordCounter("cache_expirations", 1, metrics.Labels{"namespace": namespace})
}
