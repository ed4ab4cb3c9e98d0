// Package cache implements the PageCache from spec §4.1: an in-memory
// residency set of pages bounded by a byte budget, with LRU eviction and a
// forced-progress purge.
//
// Ground: core/write_engine/memtable/bufferpoolmanager.go's
// BufferPoolManager — the container/list-based LRU tracking and
// pageTable-by-address map are carried over, generalized from "evict one
// victim frame for FetchPage" into the spec's purge-predicate /
// purge-until-budget model, and rid of the fixed frame-pool-size design
// (this cache grows to its byte budget rather than a fixed slot count).
package cache

import (
	"container/list"
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pagedkv/pagedkv/internal/storage/page"
	"github.com/pagedkv/pagedkv/pkg/telemetry"
)

// kPurgeAtLeast is the minimum number of pages a single Purge call must
// evict if that many are eligible (spec §4.1; ground:
// original_source/src/3page_manager/page_manager.cc's kPurgeAtLeast = 20).
const kPurgeAtLeast = 20

// Visitor flushes and releases a page chosen for eviction. It must leave
// the page safe to forget: the cache neither uncouples cursors nor flushes
// dirty bytes, so both are the visitor's job.
type Visitor func(p *page.Page) error

// Predicate reports whether a page should be evicted by PurgeIf.
type Predicate func(p *page.Page) bool

// Cache is the PageCache described in spec §4.1.
type Cache struct {
	mu sync.Mutex

	pageSize  int
	capacity  int64 // byte budget
	resident  map[page.ID]*list.Element
	lru       *list.List // front = most recently used

	hits, misses int64
	log          *zap.Logger
	metrics      *telemetry.PageManagerMetrics
}

// New builds an empty Cache with the given page size and byte-budget
// capacity.
func New(pageSize int, capacityBytes int64, log *zap.Logger, metrics *telemetry.PageManagerMetrics) *Cache {
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &Cache{
		pageSize: pageSize,
		capacity: capacityBytes,
		resident: make(map[page.ID]*list.Element),
		lru:      list.New(),
		log:      log,
		metrics:  metrics,
	}
}

// Get returns the resident page at address, or nil if it is not cached. It
// records a hit/miss and, on a hit, moves the page to the front of the LRU.
func (c *Cache) Get(address page.ID) *page.Page {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.resident[address]
	if !ok {
		c.misses++
		c.metrics.CacheMisses.Add(context.Background(), 1)
		return nil
	}
	c.hits++
	c.metrics.CacheHits.Add(context.Background(), 1)
	c.lru.MoveToFront(e)
	return e.Value.(*page.Page)
}

// Put inserts p as resident. Overwriting an existing entry at the same
// address is a programming error (spec §4.1) and panics in this
// implementation rather than silently corrupting the LRU list.
func (c *Cache) Put(p *page.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.resident[p.Address()]; ok {
		panic("cache: Put called on an already-resident page address")
	}
	e := c.lru.PushFront(p)
	c.resident[p.Address()] = e
}

// Del removes p from the cache without flushing it.
func (c *Cache) Del(p *page.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delLocked(p.Address())
}

func (c *Cache) delLocked(address page.ID) {
	e, ok := c.resident[address]
	if !ok {
		return
	}
	c.lru.Remove(e)
	delete(c.resident, address)
}

// AllocatedElements returns the number of resident pages.
func (c *Cache) AllocatedElements() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resident)
}

// Capacity returns the byte budget.
func (c *Cache) Capacity() int64 { return c.capacity }

// Full reports whether the cache currently exceeds its byte budget (spec
// §4.1: "allocated_elements * P > capacity").
func (c *Cache) Full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullLocked()
}

func (c *Cache) fullLocked() bool {
	return int64(len(c.resident))*int64(c.pageSize) > c.capacity
}

// Purge evicts least-recently-used eligible pages (unpinned, uncoupled, not
// header/manager-state) until the cache is back under budget, invoking
// visitor on each victim. It guarantees forward progress: at least
// kPurgeAtLeast pages are evicted per call if that many are eligible,
// even if doing so would not yet bring the cache under budget; otherwise
// it evicts as many as are eligible and returns (spec §4.1).
func (c *Cache) Purge(visitor Visitor) error {
	c.mu.Lock()
	victims := c.collectVictimsLocked(kPurgeAtLeast)
	c.mu.Unlock()

	return c.evict(victims, visitor)
}

// collectVictimsLocked walks the LRU list from the back (least recently
// used) picking evictable pages, stopping once the cache would be under
// budget and at least minimum pages have been chosen — or once the whole
// list has been scanned.
func (c *Cache) collectVictimsLocked(minimum int) []*page.Page {
	var victims []*page.Page
	resident := int64(len(c.resident))

	for e := c.lru.Back(); e != nil; e = e.Prev() {
		p := e.Value.(*page.Page)
		if !p.Evictable() {
			continue
		}
		victims = append(victims, p)
		resident--
		belowBudget := resident*int64(c.pageSize) <= c.capacity
		if belowBudget && len(victims) >= minimum {
			break
		}
		// else keep scanning: either still over budget, or under budget
		// but the forward-progress guarantee (at least `minimum`) isn't
		// met yet.
	}
	return victims
}

func (c *Cache) evict(victims []*page.Page, visitor Visitor) error {
	for _, p := range victims {
		if err := visitor(p); err != nil {
			return err
		}
		c.mu.Lock()
		c.delLocked(p.Address())
		c.mu.Unlock()
		c.metrics.CacheEvictions.Add(context.Background(), 1)
	}
	if c.log != nil {
		c.log.Debug("cache purge", zap.Int("evicted", len(victims)))
	}
	return nil
}

// PurgeIf evicts every resident page satisfying predicate, used by
// flush-all and database close (spec §4.1).
func (c *Cache) PurgeIf(predicate Predicate, visitor Visitor) error {
	c.mu.Lock()
	var victims []*page.Page
	for e := c.lru.Front(); e != nil; e = e.Next() {
		p := e.Value.(*page.Page)
		if predicate(p) {
			victims = append(victims, p)
		}
	}
	c.mu.Unlock()

	return c.evict(victims, visitor)
}

// Stats returns the cumulative hit/miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
