//go:build !dmacache_debug

package dmacache

const debugging = false

func assert(bool, string) {}

func traceRef(*entry, string, int32) {}
