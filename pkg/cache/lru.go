// Package cache provides a byte-bounded LRU cache for Alyx REST responses.
package cache

import (
	"sync"
	"sync/atomic"
)

// DefaultMaxBytes is the default memory bound of a ResponseCache (64 MB).
const DefaultMaxBytes = 64 * 1024 * 1024

// bytesPerKB normalizes entry sizes for the eviction cost.
const bytesPerKB = 1024.0

// evictionSampleSize is the number of tail entries sampled per eviction.
const evictionSampleSize = 5

// ResponseCache is an LRU keyed by request URL. It bounds the total payload
// size and evicts large, rarely read entries first.
type ResponseCache struct {
	mu          sync.Mutex
	entries     map[string]*entry
	head        *entry // Most recently used.
	tail        *entry // Least recently used.
	maxBytes    int64
	currentSize int64

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	key   string
	value []byte
	reads int64
	prev  *entry
	next  *entry
}

// evictionCost is reads per KB; the lowest cost is evicted first.
func (e *entry) evictionCost() float64 {
	sizeKB := float64(len(e.value)) / bytesPerKB
	if sizeKB < 1 {
		sizeKB = 1
	}

	return float64(e.reads) / sizeKB
}

// New creates a cache bounded to maxBytes of payload. Non-positive values use DefaultMaxBytes.
func New(maxBytes int64) *ResponseCache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	return &ResponseCache{
		entries:  make(map[string]*entry),
		maxBytes: maxBytes,
	}
}

// Get returns a copy of the cached value.
func (c *ResponseCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)

		return nil, false
	}

	c.hits.Add(1)

	e.reads++
	c.moveToFront(e)

	return append([]byte(nil), e.value...), true
}

// Put stores a copy of value. Values larger than the whole cache are ignored.
func (c *ResponseCache) Put(key string, value []byte) {
	size := int64(len(value))
	if size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.currentSize += size - int64(len(e.value))
		e.value = append([]byte(nil), value...)
		e.reads++
		c.moveToFront(e)
		c.evictOverflow()

		return
	}

	for c.currentSize+size > c.maxBytes && c.tail != nil {
		c.evictLowestCost()
	}

	e := &entry{key: key, value: append([]byte(nil), value...), reads: 1}

	c.entries[key] = e
	c.currentSize += size
	c.addToFront(e)
}

// Delete drops a key, typically after a write invalidated it.
func (c *ResponseCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}

	c.removeFromList(e)
	delete(c.entries, key)
	c.currentSize -= int64(len(e.value))
}

// Clear removes all entries. Counters are kept.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.head = nil
	c.tail = nil
	c.currentSize = 0
}

// Stats holds cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Entries     int
	CurrentSize int64
	MaxSize     int64
}

// HitRate returns hits / (hits + misses), or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}

	return float64(s.Hits) / float64(total)
}

// Stats returns a snapshot of the counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Entries:     len(c.entries),
		CurrentSize: c.currentSize,
		MaxSize:     c.maxBytes,
	}
}

func (c *ResponseCache) evictOverflow() {
	for c.currentSize > c.maxBytes && c.tail != nil {
		c.evictLowestCost()
	}
}

func (c *ResponseCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}

	c.removeFromList(e)
	c.addToFront(e)
}

func (c *ResponseCache) addToFront(e *entry) {
	e.prev = nil
	e.next = c.head

	if c.head != nil {
		c.head.prev = e
	}

	c.head = e

	if c.tail == nil {
		c.tail = e
	}
}

func (c *ResponseCache) removeFromList(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}

	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}

	e.prev = nil
	e.next = nil
}

// evictLowestCost samples the tail region and evicts the cheapest entry.
func (c *ResponseCache) evictLowestCost() {
	var candidates [evictionSampleSize]*entry

	count := 0
	for e := c.tail; e != nil && count < evictionSampleSize; e = e.prev {
		candidates[count] = e
		count++
	}

	if count == 0 {
		return
	}

	victim := candidates[0]
	lowest := victim.evictionCost()

	for i := 1; i < count; i++ {
		if cost := candidates[i].evictionCost(); cost < lowest {
			lowest = cost
			victim = candidates[i]
		}
	}

	c.removeFromList(victim)
	delete(c.entries, victim.key)
	c.currentSize -= int64(len(victim.value))
}
