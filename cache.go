package dmacache

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/djdv/go-dmacache/internal/lfifo"
)

type (
	// Direction is the DMA access pattern a mapping was installed with.
	Direction int8

	// UnmapFunc releases npages IOMMU pages starting at the DMA address
	// dma. It is the cache's only way to tear a mapping down and must
	// describe a contiguous DMA page run.
	UnmapFunc func(dma uint64, npages uint64)

	// CompatibleFunc reports whether a mapping installed with direction
	// have satisfies a request for want. It must be reflexive, and
	// [DirectionBidirectional] must be compatible with everything.
	CompatibleFunc func(have, want Direction) bool

	// Config parameterises [New].
	Config struct {
		// Unmap is the external unmap primitive. Required.
		Unmap UnmapFunc
		// Compatible overrides [DefaultCompatible] when non-nil.
		Compatible CompatibleFunc
		// TotalPages is the device table's total IOMMU page count.
		// The cache budget is 75% of it.
		TotalPages uint64
		// PageShift converts between addresses and page numbers.
		PageShift uint
		// Disabled turns the cache into a passthrough: Add and Use
		// do nothing and Free forwards directly to Unmap.
		Disabled bool
	}

	fifoHalf = lfifo.Stack[entry, *entry]

	// Cache memoises DMA mappings of host pages for one device table.
	// All methods are safe for concurrent use.
	// Constructed by [New].
	Cache struct {
		// hostIndex maps a host page number to the head *entry of its
		// chain; dmaIndex maps a DMA page number to its unique *entry.
		hostIndex, dmaIndex sync.Map
		fifoAdd, fifoDel    fifoHalf
		cacheSize           atomicbitops.Int64
		unmap               UnmapFunc
		compatible          CompatibleFunc
		maxCacheSize        uint64
		pageShift           uint
	}
)

// Directions match the installed mapping's access pattern.
const (
	DirectionBidirectional Direction = iota
	DirectionToDevice
	DirectionFromDevice
	DirectionNone
)

const (
	// maxPercent of the device table's pages may be cached.
	maxPercent = 75
	// evictThreshold pages are drained beyond the excess on every
	// eviction, keeping the cache slightly below its high-water mark
	// to amortise eviction costs.
	evictThreshold = 128
)

func (direction Direction) String() string {
	switch direction {
	case DirectionBidirectional:
		return "bidirectional"
	case DirectionToDevice:
		return "to-device"
	case DirectionFromDevice:
		return "from-device"
	case DirectionNone:
		return "none"
	default:
		return "invalid"
	}
}

// DefaultCompatible is the [CompatibleFunc] used when [Config.Compatible]
// is nil: a mapping satisfies requests for its own direction, and a
// bidirectional mapping satisfies everything.
func DefaultCompatible(have, want Direction) bool {
	return have == want || have == DirectionBidirectional
}

// New creates a [Cache] for a device table.
// A zero [Config.TotalPages] or [Config.Disabled] yields a passthrough
// cache that never retains mappings.
func New(cfg Config) (*Cache, error) {
	if cfg.Unmap == nil {
		return nil, nilUnmapError()
	}
	if cfg.PageShift == 0 || cfg.PageShift > 63 {
		return nil, pageShiftError(cfg.PageShift)
	}
	compatible := cfg.Compatible
	if compatible == nil {
		compatible = DefaultCompatible
	}
	cache := &Cache{
		unmap:      cfg.Unmap,
		compatible: compatible,
		pageShift:  cfg.PageShift,
	}
	if !cfg.Disabled {
		cache.maxCacheSize = maxPercent * cfg.TotalPages / 100
	}
	if cache.maxCacheSize != 0 {
		cache.fifoAdd.Push(newSentinel())
		cache.fifoDel.Push(newSentinel())
	}
	return cache, nil
}

// Use looks for a cached mapping covering npages host pages starting at
// hostAddr with a compatible direction. On a hit it takes one reference
// per page and returns the range's DMA address; the references are
// dropped by a matching [Cache.Free].
func (c *Cache) Use(hostAddr, npages uint64, direction Direction) (uint64, bool) {
	if c.maxCacheSize == 0 || npages == 0 {
		return 0, false
	}
	page := hostAddr >> c.pageShift
	head, ok := c.hostIndex.Load(page)
	if !ok {
		return 0, false
	}
	for e := head.(*entry); e != nil; e = e.chainNext.Load() {
		if e.hostPage != page ||
			!c.compatible(e.direction, direction) {
			continue
		}
		if c.acquireRange(e, npages, direction) {
			return e.dmaPage << c.pageShift, true
		}
	}
	return 0, false
}

// acquireRange takes a reference on every page of [e, e+npages).
// After the first page, offsets are probed highest first so that a
// truncated range fails before most of its references are taken.
// On any failure every reference already taken is dropped.
func (c *Cache) acquireRange(first *entry, npages uint64, direction Direction) bool {
	if !first.tryAcquire() {
		return false
	}
	acquired := make([]*entry, 1, npages)
	acquired[0] = first
	for i := npages - 1; i >= 1; i-- {
		e, ok := c.loadRangePage(first, i, direction)
		if !ok || !e.tryAcquire() {
			for _, taken := range acquired {
				taken.release()
			}
			return false
		}
		acquired = append(acquired, e)
	}
	return true
}

// loadRangePage resolves offset i of the range starting at first,
// requiring host-page contiguity and direction compatibility.
func (c *Cache) loadRangePage(first *entry, i uint64, direction Direction) (*entry, bool) {
	value, ok := c.dmaIndex.Load(first.dmaPage + i)
	if !ok {
		return nil, false
	}
	e := value.(*entry)
	if e.hostPage != first.hostPage+i ||
		!c.compatible(e.direction, direction) {
		return nil, false
	}
	return e, true
}

// Add publishes a freshly installed mapping of npages host pages starting
// at hostAddr to the DMA range starting at dmaAddr. Each page enters the
// cache with one reference, dropped by the caller's eventual [Cache.Free].
// Insertion may stop early; the published prefix remains consistent.
func (c *Cache) Add(hostAddr, npages, dmaAddr uint64, direction Direction) {
	if c.maxCacheSize == 0 || npages == 0 {
		return
	}
	// Charged before insertion and never refunded on failure, so a
	// saturated cache that keeps failing inserts still reaches the
	// eviction trigger.
	c.cacheSize.Add(int64(npages))
	var (
		hostPage = hostAddr >> c.pageShift
		dmaPage  = dmaAddr >> c.pageShift
	)
	for i := uint64(0); i < npages; i++ {
		e := newMapping(hostPage+i, dmaPage+i, direction)
		if _, conflict := c.dmaIndex.LoadOrStore(e.dmaPage, e); conflict {
			log.Warningf(
				"dmacache: DMA page %#x is already mapped; dropping insert of %d remaining pages",
				e.dmaPage, npages-i)
			return
		}
		c.publishChain(e)
		c.fifoAdd.Push(e)
	}
}

func newMapping(hostPage, dmaPage uint64, direction Direction) *entry {
	return &entry{
		hostPage:  hostPage,
		dmaPage:   dmaPage,
		direction: direction,
		count:     atomicbitops.FromInt32(1),
	}
}

// publishChain installs e as the chain head for its host page,
// splicing any previous head behind it.
func (c *Cache) publishChain(e *entry) {
	for {
		prior, ok := c.hostIndex.Load(e.hostPage)
		if !ok {
			e.chainNext.Store(nil)
			if _, raced := c.hostIndex.LoadOrStore(e.hostPage, e); !raced {
				return
			}
			continue
		}
		e.chainNext.Store(prior.(*entry))
		if c.hostIndex.CompareAndSwap(e.hostPage, prior, e) {
			return
		}
	}
}

// Free drops one reference per page of the range and, when the cache has
// outgrown its budget, runs an eviction pass. Pages of the range that were
// never cached are direct mappings and are unmapped immediately.
func (c *Cache) Free(dmaAddr, npages uint64) {
	if npages == 0 {
		return
	}
	if c.maxCacheSize == 0 {
		c.unmap(dmaAddr, npages)
		return
	}
	var (
		page   = dmaAddr >> c.pageShift
		direct runBatch
	)
	for i := uint64(0); i < npages; i++ {
		if value, ok := c.dmaIndex.Load(page + i); ok {
			value.(*entry).release()
			continue
		}
		direct.append(page + i)
	}
	direct.flush(c.unmap, c.pageShift)
	exceeding := c.cacheSize.Load() - int64(c.maxCacheSize)
	if exceeding > 0 {
		c.evict(uint64(exceeding) + evictThreshold)
	}
}

// Destroy drains the FIFO through the evictor and tears down the indices.
// The caller must guarantee that no other operation is in flight.
func (c *Cache) Destroy() {
	if c.maxCacheSize == 0 {
		return
	}
	// A pass that only re-queues (sentinels, or entries still referenced
	// by a misbehaving caller) removes nothing; two idle passes in a row
	// means one full drain of each half found no claimable entry.
	for idle := 0; idle < 2; {
		if c.evict(^uint64(0)) == 0 {
			idle++
		} else {
			idle = 0
		}
	}
	wipe := func(index *sync.Map) {
		index.Range(func(key, _ any) bool {
			index.Delete(key)
			return true
		})
	}
	wipe(&c.hostIndex)
	wipe(&c.dmaIndex)
	c.cacheSize.Store(0)
}

// Size returns the number of pages currently charged to the cache.
func (c *Cache) Size() uint64 {
	if size := c.cacheSize.Load(); size > 0 {
		return uint64(size)
	}
	return 0
}

// MaxSize returns the cache budget in pages. Zero means the cache is a
// passthrough.
func (c *Cache) MaxSize() uint64 { return c.maxCacheSize }

// removeEntry erases e from both indices. Only the evictor that won
// e's claim may call this.
func (c *Cache) removeEntry(e *entry) {
	c.dmaIndex.Delete(e.dmaPage)
	head, ok := c.hostIndex.LoadAndDelete(e.hostPage)
	if !ok {
		log.Warningf(
			"dmacache: no chain for host page %#x during removal",
			e.hostPage)
		return
	}
	var (
		first     = head.(*entry)
		pred, cur *entry
	)
	for cur = first; cur != nil && cur != e; cur = cur.chainNext.Load() {
		pred = cur
	}
	switch {
	case cur == nil:
		// Chain exhausted without finding e.
		log.Warningf(
			"dmacache: entry for host page %#x missing from its chain",
			e.hostPage)
		c.republish(e.hostPage, first)
	case pred == nil:
		// e was the head; its successor (if any) becomes the chain.
		if next := e.chainNext.Load(); next != nil {
			c.republish(e.hostPage, next)
		}
	default:
		pred.chainNext.Store(e.chainNext.Load())
		c.republish(e.hostPage, first)
	}
}

// republish installs head as the chain head for host page p. A competing
// insert may have published a new head since the erase; its chain is
// stolen, appended behind head's tail, and the store retried. Each
// iteration merges one interloping chain, so the loop terminates.
func (c *Cache) republish(p uint64, head *entry) {
	for {
		if _, occupied := c.hostIndex.LoadOrStore(p, head); !occupied {
			return
		}
		interloper, ok := c.hostIndex.LoadAndDelete(p)
		if !ok {
			continue
		}
		tail := head
		for next := tail.chainNext.Load(); next != nil; next = tail.chainNext.Load() {
			tail = next
		}
		tail.chainNext.Store(interloper.(*entry))
	}
}
