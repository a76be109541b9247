// Package dmacache implements a concurrent [Cache] that memoises IOMMU DMA
// mappings of host memory pages.
//
// Obtaining a fresh IOMMU translation for a host page on every map request is
// expensive. The cache lets a previously installed mapping be reused as long
// as the requested DMA direction is compatible, and defers the teardown of
// unused mappings until the cache grows beyond its budget. All methods may be
// called concurrently; no method blocks on a lock.
//
// The following is a summary (intended for maintainers)
// of the structure and its invariants.
//
// Glossary and invariants:
//
//   - DMA page / host page
//
//     Page numbers obtained by shifting the respective address right by the
//     configured page shift.
//
//   - Entry
//
//     The unit of caching, one per DMA page. Immutable after publication
//     except for its reference count and its two intrusive links.
//     Every live entry is the unique owner of its DMA page in the DMA index,
//     and appears exactly once in the chain at its host page in the host
//     index.
//
//   - Chain
//
//     Singly linked list of entries sharing a host page (a host page may be
//     mapped more than once, possibly with distinct directions). Chain order
//     is irrelevant.
//
//   - FIFO
//
//     Two lock-free stacks ("add" and "del" halves) holding every entry in
//     approximate insertion order. Insertion pushes onto the add half; the
//     evictor consumes the del half and splices the add half over when it
//     runs dry. Each splice reverses the relative order of the spliced
//     batch, so eviction order is approximate FIFO, not strict.
//
//   - Reference count
//
//     Signed atomic. n >= 1: n holders. 0: idle, reclaimable. Exactly
//     -removingBias: claimed by the evictor; acquisition must fail. A failed
//     claim is undone and the entry re-queued, so an entry is unmapped at
//     most once, by the evictor that won the claim.
//
//   - Sentinels
//
//     One pinned entry per FIFO half, installed at construction with a
//     reference count that is never dropped below 1. The evictor can never
//     claim them; they circulate through the halves like any in-use entry.
//     They do not keep both halves non-empty: a pass re-queues both onto the
//     add half, so the del half can be empty, and the evictor handles an
//     empty half by detaching the add half instead.
//
//   - Budget
//
//     cacheSize counts pages charged to the cache and is charged for the
//     whole of every Add request before insertion, so a saturated cache
//     that keeps failing inserts still reaches the eviction trigger.
//     When Free observes cacheSize above the maximum (75% of the table's
//     pages), it evicts the excess plus a small threshold.
//
// The underlying IOMMU allocation is not performed here: the caller installs
// mappings it has already created ([Cache.Add]) and supplies the unmap
// primitive the evictor batches its teardowns through ([Config.Unmap]).
package dmacache
