//go:build dmacache_debug

package dmacache

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/sync"
)

const debugging = true

func assert(cond bool, message string) {
	if !cond {
		panic(message)
	}
}

// Reference-event traces, keyed by entry. Append-only while an entry is
// live; inspect from a debugger or a test after quiescence.
var (
	traceMu     sync.Mutex
	traceEvents = map[*entry][]string{}
)

func traceRef(e *entry, event string, count int32) {
	traceMu.Lock()
	traceEvents[e] = append(
		traceEvents[e],
		fmt.Sprintf("%s host=%#x dma=%#x count=%d", event, e.hostPage, e.dmaPage, count))
	traceMu.Unlock()
}
