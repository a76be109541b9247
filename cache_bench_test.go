package dmacache_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/hashicorp/golang-lru/arc/v2"

	dmacache "github.com/djdv/go-dmacache"
)

type (
	// benchMapper is the surface shared by the cache under test and the
	// baseline: memoise host page -> DMA address, recall it, release it.
	benchMapper interface {
		add(hostPage, dmaPage uint64)
		use(hostPage uint64) (uint64, bool)
		free(dmaPage uint64)
	}
	mapperCtor       = func(totalPages uint64, b *testing.B) benchMapper
	mapperComparison struct {
		name string
		new  mapperCtor
	}
	patternGen    = func(totalPages uint64) []uint64
	accessPattern struct {
		name string
		gen  patternGen
	}
	dmaMapper struct {
		cache *dmacache.Cache
	}
	// arcMapper is the policy baseline: an ARC of host page to DMA page
	// with no reference protocol; eviction never waits for holders.
	arcMapper struct {
		cache *arc.ARCCache[uint64, uint64]
	}
)

// Fixed RNG seed for reproducibility.
// Change to test variance between runs.
const benchSeed = 1

func (m dmaMapper) add(hostPage, dmaPage uint64) {
	m.cache.Add(hostPage<<testPageShift, 1, dmaPage<<testPageShift, dmacache.DirectionBidirectional)
}

func (m dmaMapper) use(hostPage uint64) (uint64, bool) {
	dmaAddr, ok := m.cache.Use(hostPage<<testPageShift, 1, dmacache.DirectionBidirectional)
	return dmaAddr >> testPageShift, ok
}

func (m dmaMapper) free(dmaPage uint64) {
	m.cache.Free(dmaPage<<testPageShift, 1)
}

func (m arcMapper) add(hostPage, dmaPage uint64) { m.cache.Add(hostPage, dmaPage) }

func (m arcMapper) use(hostPage uint64) (uint64, bool) { return m.cache.Get(hostPage) }

func (m arcMapper) free(uint64) {}

func BenchmarkMapper(b *testing.B) {
	var (
		comparisons = mapperComparisons()
		totals      = []uint64{2048, 8192}
		patterns    = benchPatterns()
	)
	for _, pattern := range patterns {
		b.Run(pattern.name, func(b *testing.B) {
			for _, totalPages := range totals {
				sequence := pattern.gen(totalPages)
				b.Run(fmt.Sprintf("Pages%d", totalPages), func(b *testing.B) {
					for _, comparison := range comparisons {
						b.Run(comparison.name, newBenchMapper(
							comparison.new, totalPages, sequence,
						))
					}
				})
			}
		})
	}
}

func mapperComparisons() []mapperComparison {
	return []mapperComparison{
		{
			"DMACache",
			func(totalPages uint64, b *testing.B) benchMapper {
				cache, err := dmacache.New(dmacache.Config{
					PageShift:  testPageShift,
					TotalPages: totalPages,
					Unmap:      func(uint64, uint64) {},
				})
				if err != nil {
					b.Fatal(err)
				}
				return dmaMapper{cache: cache}
			},
		},
		{
			"ARC",
			func(totalPages uint64, b *testing.B) benchMapper {
				// Match the cache budget: 75% of the table.
				cache, err := arc.NewARC[uint64, uint64](int(totalPages * 75 / 100))
				if err != nil {
					b.Fatal(err)
				}
				return arcMapper{cache: cache}
			},
		},
	}
}

func benchPatterns() []accessPattern {
	return []accessPattern{
		{
			"Sequential scan",
			func(totalPages uint64) []uint64 {
				universe := totalPages * 2 // Working set larger than the budget.
				sequence := make([]uint64, 1<<15)
				for i := range sequence {
					sequence[i] = uint64(i) % universe
				}
				return sequence
			},
		},
		{
			"Uniform random",
			func(totalPages uint64) []uint64 {
				var (
					rng      = rand.New(rand.NewSource(benchSeed))
					universe = int64(totalPages * 2)
					sequence = make([]uint64, 1<<15)
				)
				for i := range sequence {
					sequence[i] = uint64(rng.Int63n(universe))
				}
				return sequence
			},
		},
	}
}

func newBenchMapper(
	ctor mapperCtor, totalPages uint64, sequence []uint64,
) func(b *testing.B) {
	return func(b *testing.B) {
		mapper := ctor(totalPages, b)
		b.ReportAllocs()
		var (
			hits, misses int64
			sequenceMask = len(sequence) - 1
		)
		for i := 0; b.Loop(); i++ {
			hostPage := sequence[i&sequenceMask]
			if dmaPage, ok := mapper.use(hostPage); ok {
				hits++
				mapper.free(dmaPage)
				continue
			}
			misses++
			// A miss installs a fresh "mapping" and releases the
			// caller's reference, leaving the entry idle.
			dmaPage := hostPage | 1<<32
			mapper.add(hostPage, dmaPage)
			mapper.free(dmaPage)
		}
		b.StopTimer()
		var (
			total    = float64(hits + misses)
			hitRate  = float64(hits) / total * 100.0
			missRate = float64(misses) / total * 100.0
		)
		b.ReportMetric(hitRate, "hit_rate_pct")
		b.ReportMetric(missRate, "miss_rate_pct")
	}
}
