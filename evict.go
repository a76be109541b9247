package dmacache

type (
	// unmapRun is a contiguous DMA page run handed to the external
	// unmap primitive.
	unmapRun struct {
		dmaBase uint64
		npages  uint64
	}
	// runBatch coalesces DMA pages into contiguous runs, reducing
	// unmap calls by the average run length.
	runBatch struct {
		runs []unmapRun
	}
)

// runLookback bounds the scan for an extendable run; the most recently
// appended run is almost always the match.
const runLookback = 4

func newRunBatch(capacity uint64) runBatch {
	return runBatch{runs: make([]unmapRun, 0, capacity)}
}

func (b *runBatch) append(page uint64) {
	runs := b.runs
	for i := len(runs) - 1; i >= 0 && i >= len(runs)-runLookback; i-- {
		if run := &runs[i]; run.dmaBase+run.npages == page {
			run.npages++
			return
		}
	}
	b.runs = append(runs, unmapRun{dmaBase: page, npages: 1})
}

func (b *runBatch) flush(unmap UnmapFunc, pageShift uint) {
	for _, run := range b.runs {
		unmap(run.dmaBase<<pageShift, run.npages)
	}
	b.runs = b.runs[:0]
}

// evict reclaims up to want idle pages from the FIFO and returns how many
// it removed. Entries whose claim fails (in use, or a pinned sentinel) are
// re-queued onto the add half; claimed entries are removed from both
// indices, their DMA pages coalesced and batch-unmapped.
// Concurrent passes duplicate work but cannot double-free: only the pass
// that wins an entry's claim removes it.
func (c *Cache) evict(want uint64) uint64 {
	var (
		batch   = newRunBatch(min(want, evictThreshold))
		removed uint64
	)
	walk := func(list *entry) (rest *entry) {
		for e, next := list, (*entry)(nil); e != nil; e = next {
			next = e.fifoNext.Load()
			if !e.tryClaim() {
				e.unclaim()
				c.fifoAdd.Push(e)
				continue
			}
			if debugging {
				assert(e.count.Load() == -removingBias,
					"claimed entry still has holders")
			}
			c.removeEntry(e)
			batch.append(e.dmaPage)
			if removed++; removed >= want {
				return next
			}
		}
		return nil
	}
	detached := c.fifoDel.DetachAll()
	spliced := detached == nil
	if spliced {
		if detached = c.fifoAdd.DetachAll(); detached == nil {
			return 0
		}
	}
	rest := walk(detached)
	if rest == nil && removed < want && !spliced {
		// The del half ran dry without meeting the request;
		// splice the add half over and keep walking.
		if more := c.fifoAdd.DetachAll(); more != nil {
			rest = walk(more)
		}
	}
	if rest != nil {
		tail := rest
		for next := tail.fifoNext.Load(); next != nil; next = tail.fifoNext.Load() {
			tail = next
		}
		c.fifoDel.PushList(rest, tail)
	}
	batch.flush(c.unmap, c.pageShift)
	c.cacheSize.Add(-int64(removed))
	return removed
}
