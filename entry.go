package dmacache

import (
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// removingBias is subtracted from an entry's count to claim it for removal.
// It must exceed any plausible live reference count so that a biased count
// can never be mistaken for a live one.
const removingBias = 0x0deadbee

// entry is the unit of caching: one single-page DMA mapping.
// dmaPage, hostPage and direction are immutable after publication;
// count and the two links are the only mutable state.
type entry struct {
	dmaPage   uint64
	hostPage  uint64
	direction Direction
	count     atomicbitops.Int32
	fifoNext  atomic.Pointer[entry]
	chainNext atomic.Pointer[entry]
}

// NextLink implements lfifo.Linker.
func (e *entry) NextLink() *atomic.Pointer[entry] { return &e.fifoNext }

// tryAcquire increments count unless the entry has been claimed for
// removal, reporting whether the reference was taken. An increment that
// lands while a claim is in flight is observed by the claimant, which
// backs off.
func (e *entry) tryAcquire() bool {
	for {
		count := e.count.Load()
		if count == -removingBias {
			return false
		}
		if e.count.CompareAndSwap(count, count+1) {
			traceRef(e, "acquire", count+1)
			return true
		}
	}
}

// release drops a reference taken by tryAcquire,
// or the insertion reference the entry was created with.
// A release may land while an evictor's failed claim is still biased;
// the count is legitimately below the bias until the claim is undone.
func (e *entry) release() {
	traceRef(e, "release", e.count.Add(-1))
}

// tryClaim attempts to take exclusive removal ownership of the entry.
// It succeeds iff the count was 0. On failure the caller must unclaim
// and re-queue the entry.
func (e *entry) tryClaim() bool {
	count := e.count.Add(-removingBias)
	traceRef(e, "claim", count)
	return count == -removingBias
}

// unclaim undoes a failed tryClaim.
func (e *entry) unclaim() {
	traceRef(e, "unclaim", e.count.Add(removingBias))
}

// newSentinel returns a pinned entry for a FIFO half. Its count starts at 1
// and is never dropped, so tryClaim always fails and the evictor re-queues
// it instead of reclaiming it.
func newSentinel() *entry {
	return &entry{
		dmaPage:   ^uint64(0),
		hostPage:  ^uint64(0),
		direction: DirectionNone,
		count:     atomicbitops.FromInt32(1),
	}
}
