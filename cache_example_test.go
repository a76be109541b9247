package dmacache_test

import (
	"fmt"

	dmacache "github.com/djdv/go-dmacache"
)

func ExampleCache() {
	cache, err := dmacache.New(dmacache.Config{
		PageShift:  12,
		TotalPages: 1024, // TODO(Anyone): Use the device table's size.
		Unmap: func(dma, npages uint64) {
			fmt.Printf("unmap %#x %d\n", dma, npages)
		},
	})
	if err != nil {
		panic(err) // TODO(Anyone): Handle error.
	}
	// The driver installed a mapping; publish it.
	cache.Add(0x1000, 1, 0xd000, dmacache.DirectionToDevice)
	// A later request for the same page reuses it.
	if dma, ok := cache.Use(0x1000, 1, dmacache.DirectionToDevice); ok {
		fmt.Printf("cached: %#x\n", dma)
	}
	cache.Free(0xd000, 1) // Drops the Use reference.
	cache.Free(0xd000, 1) // Drops the Add reference; the page is now idle.
	cache.Destroy()       // Idle pages are torn down through Unmap.
	// Output:
	// cached: 0xd000
	// unmap 0xd000 1
}

func ExampleCache_Free() {
	cache, err := dmacache.New(dmacache.Config{
		PageShift:  12,
		TotalPages: 1024,
		Unmap: func(dma, npages uint64) {
			fmt.Printf("unmap %#x %d\n", dma, npages)
		},
	})
	if err != nil {
		panic(err) // TODO(Anyone): Handle error.
	}
	// Pages that were never added are direct mappings;
	// freeing them unmaps immediately, as one coalesced run.
	cache.Free(0xa000, 2)
	cache.Destroy()
	// Output:
	// unmap 0xa000 2
}
