// Package cache provides the shared TTL + LRU cache for context bundles
// and generated text.
//
// Entries are never a source of truth: a miss is always recoverable by
// recomputation. Under memory pressure the cache can be bypassed (every
// lookup misses, writes are skipped) without being torn down, so normal
// operation resumes as soon as the pressure signal clears.
package cache

import (
	"bytes"
	"compress/gzip"
	"io"
	"sync"
	"time"
)

// entry is one cached value.
type entry struct {
	value      []byte
	compressed bool
	expiresAt  time.Time
	createdAt  time.Time

	// lastAccessed tracks LRU eviction (internal use only)
	lastAccessed time.Time
}

// Cache is a thread-safe in-memory cache with TTL, LRU eviction and
// optional gzip compression for large values.
type Cache struct {
	mu                sync.RWMutex
	entries           map[string]*entry
	defaultTTL        time.Duration
	maxEntries        int
	compressThreshold int
	bypassed          bool
	metrics           *Metrics
}

// New creates a cache.
//
//   - defaultTTL: applied when Put is called with ttl <= 0
//   - maxEntries: LRU eviction boundary
//   - compressThreshold: values at or above this size are gzipped;
//     zero disables compression
func New(defaultTTL time.Duration, maxEntries, compressThreshold int) *Cache {
	return &Cache{
		entries:           make(map[string]*entry),
		defaultTTL:        defaultTTL,
		maxEntries:        maxEntries,
		compressThreshold: compressThreshold,
	}
}

// SetMetrics attaches optional metrics tracking.
func (c *Cache) SetMetrics(m *Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// SetBypassed toggles memory-pressure bypass. While bypassed every Get
// misses and Put drops the value; stored entries stay in place and age
// out through normal TTL expiry.
func (c *Cache) SetBypassed(bypassed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bypassed = bypassed
}

// Bypassed reports the bypass state.
func (c *Cache) Bypassed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bypassed
}

// Put stores a value. ttl <= 0 uses the default TTL.
func (c *Cache) Put(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	stored := value
	compressed := false
	if c.compressThreshold > 0 && len(value) >= c.compressThreshold {
		if gz, err := compress(value); err == nil && len(gz) < len(value) {
			stored = gz
			compressed = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bypassed {
		return
	}

	if len(c.entries) >= c.maxEntries {
		if _, exists := c.entries[key]; !exists {
			c.evictLRU()
		}
	}

	now := time.Now()
	c.entries[key] = &entry{
		value:        stored,
		compressed:   compressed,
		expiresAt:    now.Add(ttl),
		createdAt:    now,
		lastAccessed: now,
	}

	if c.metrics != nil {
		c.metrics.SetSize(len(c.entries))
	}
}

// Get returns the cached value, or ok=false on miss, expiry or bypass.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	if c.bypassed {
		c.mu.Unlock()
		c.miss()
		return nil, false
	}

	e, exists := c.entries[key]
	if !exists {
		c.mu.Unlock()
		c.miss()
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		if c.metrics != nil {
			c.metrics.SetSize(len(c.entries))
		}
		c.mu.Unlock()
		c.miss()
		return nil, false
	}

	e.lastAccessed = time.Now()
	value := e.value
	compressed := e.compressed
	c.mu.Unlock()

	if compressed {
		plain, err := decompress(value)
		if err != nil {
			// A corrupt entry reads as a miss; the caller recomputes.
			c.Delete(key)
			c.miss()
			return nil, false
		}
		value = plain
	}

	if c.metrics != nil {
		c.metrics.Hit()
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true
}

// Delete removes an entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	if c.metrics != nil {
		c.metrics.SetSize(len(c.entries))
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictLRU removes the least recently used entry. Caller must hold the
// write lock.
func (c *Cache) evictLRU() {
	var oldestKey string
	var oldest time.Time

	for key, e := range c.entries {
		if oldestKey == "" || e.lastAccessed.Before(oldest) {
			oldestKey = key
			oldest = e.lastAccessed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		if c.metrics != nil {
			c.metrics.Eviction()
		}
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.Miss()
	}
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
