// Package spatialcache is the server-side cache of painted tiles and layer
// metadata. Values are partitioned by scope (a layer id, or "" for
// cross-layer data) and category, and every value is stored together with
// the world envelope it depends on so an edited area can be invalidated.
package spatialcache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"gigatiles/internal/metrics"
)

// Category names one kind of cached value.
type Category string

const (
	CategoryVectorTile   Category = "vector-tile"
	CategoryRasterTile   Category = "raster-tile"
	CategoryLayerCatalog Category = "layer-catalog"
)

// CrossLayer is the scope of values that belong to no single layer.
const CrossLayer = ""

type partitionKey struct {
	scope    string
	category Category
}

type partition struct {
	values map[string]*list.Element
	index  map[string]orb.Bound
}

type entry struct {
	part  partitionKey
	key   string
	value any
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries     int   `json:"entries"`
	Partitions  int   `json:"partitions"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Invalidated int64 `json:"invalidated"`
}

// Cache is a bounded LRU of keyed values with a spatial index per partition.
// It is safe for concurrent use. A value and its index entry are always
// added and removed under the same lock.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	lruList    *list.List
	partitions map[partitionKey]*partition
	log        *zap.Logger

	hits, misses, evictions, invalidated int64
}

// New returns a cache holding at most maxEntries values. A cache with
// maxEntries <= 0 stores nothing.
func New(maxEntries int, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		maxEntries: maxEntries,
		lruList:    list.New(),
		partitions: make(map[partitionKey]*partition),
		log:        log,
	}
}

// Enabled reports whether Put stores anything.
func (c *Cache) Enabled() bool {
	return c.maxEntries > 0
}

// Put stores value under key together with the envelope it covers,
// replacing any previous value.
func (c *Cache) Put(scope string, category Category, key string, value any, envelope orb.Bound) {
	if c.maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pk := partitionKey{scope, category}
	if p, ok := c.partitions[pk]; ok {
		if elem, found := p.values[key]; found {
			elem.Value.(*entry).value = value
			p.index[key] = envelope
			c.lruList.MoveToFront(elem)
			metrics.CacheStores.WithLabelValues(string(category)).Inc()
			return
		}
	}

	// eviction may empty and drop the target partition, so look it up after
	for c.lruList.Len() >= c.maxEntries {
		c.evictOldest()
	}

	p := c.partition(pk)
	elem := c.lruList.PushFront(&entry{part: pk, key: key, value: value})
	p.values[key] = elem
	p.index[key] = envelope
	metrics.CacheStores.WithLabelValues(string(category)).Inc()
}

// Get returns the value stored under key.
func (c *Cache) Get(scope string, category Category, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.partitions[partitionKey{scope, category}]
	if ok {
		if elem, found := p.values[key]; found {
			c.lruList.MoveToFront(elem)
			c.hits++
			metrics.CacheHits.WithLabelValues(string(category)).Inc()
			return elem.Value.(*entry).value, true
		}
	}
	c.misses++
	metrics.CacheMisses.WithLabelValues(string(category)).Inc()
	return nil, false
}

// Remove deletes one value. It reports whether the key was present.
func (c *Cache) Remove(scope string, category Category, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pk := partitionKey{scope, category}
	p, ok := c.partitions[pk]
	if !ok {
		return false
	}
	elem, ok := p.values[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// Invalidate removes every value in the partition whose envelope intersects
// area and returns how many were removed.
func (c *Cache) Invalidate(scope string, category Category, area orb.Bound) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	pk := partitionKey{scope, category}
	p, ok := c.partitions[pk]
	if !ok {
		return 0
	}

	var doomed []string
	for key, envelope := range p.index {
		if envelope.Intersects(area) {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		elem, ok := p.values[key]
		if !ok {
			panic(fmt.Sprintf("spatialcache: index entry %q in %s/%s has no value", key, scope, category))
		}
		c.removeElement(elem)
	}

	n := len(doomed)
	c.invalidated += int64(n)
	metrics.CacheInvalidated.WithLabelValues(string(category)).Add(float64(n))
	c.log.Debug("Invalidated cache area",
		zap.String("scope", scope),
		zap.String("category", string(category)),
		zap.Int("removed", n),
	)
	return n
}

// Drop removes every partition of scope and returns how many values went.
func (c *Cache) Drop(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for pk := range c.partitions {
		if pk.scope == scope {
			n += c.dropPartition(pk)
		}
	}
	return n
}

// DropCategory removes one partition and returns how many values went.
func (c *Cache) DropCategory(scope string, category Category) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dropPartition(partitionKey{scope, category})
}

// Clear removes everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.partitions = make(map[partitionKey]*partition)
	c.lruList = list.New()
}

// Len returns the number of stored values.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lruList.Len()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:     c.lruList.Len(),
		Partitions:  len(c.partitions),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Invalidated: c.invalidated,
	}
}

func (c *Cache) partition(pk partitionKey) *partition {
	p, ok := c.partitions[pk]
	if !ok {
		p = &partition{
			values: make(map[string]*list.Element),
			index:  make(map[string]orb.Bound),
		}
		c.partitions[pk] = p
	}
	return p
}

func (c *Cache) dropPartition(pk partitionKey) int {
	p, ok := c.partitions[pk]
	if !ok {
		return 0
	}
	for _, elem := range p.values {
		c.lruList.Remove(elem)
	}
	delete(c.partitions, pk)
	return len(p.values)
}

func (c *Cache) evictOldest() {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	c.removeElement(oldest)
	c.evictions++
	metrics.CacheEvictions.Inc()
}

// removeElement drops a value and its index entry, and the partition once it
// is empty. Callers hold c.mu.
func (c *Cache) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.lruList.Remove(elem)
	p := c.partitions[ent.part]
	delete(p.values, ent.key)
	delete(p.index, ent.key)
	if len(p.values) == 0 {
		delete(c.partitions, ent.part)
	}
}
