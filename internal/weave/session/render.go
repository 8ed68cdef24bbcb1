package session

import (
	"strconv"
	"sync"
)

// RenderContext hands out unique probe-unit names for one session.
//
// The first request for a name returns it unchanged; repeats get a
// counter suffix:
//
//	rc.Unique("traces/Latency") // "traces/Latency"
//	rc.Unique("traces/Latency") // "traces/Latency$1"
//	rc.Unique("traces/Latency") // "traces/Latency$2"
//
// Thread Safety: safe for concurrent use.
type RenderContext struct {
	mu    sync.Mutex
	count map[string]int
	taken map[string]bool
}

// NewRenderContext returns an empty context.
func NewRenderContext() *RenderContext {
	return &RenderContext{
		count: make(map[string]int),
		taken: make(map[string]bool),
	}
}

// Unique returns name, or name with the next free counter suffix when
// name was handed out before.
func (rc *RenderContext) Unique(name string) string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	candidate := name
	for rc.taken[candidate] {
		rc.count[name]++
		candidate = name + "$" + strconv.Itoa(rc.count[name])
	}
	rc.taken[candidate] = true
	return candidate
}

// Taken reports whether name was handed out.
func (rc *RenderContext) Taken(name string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.taken[name]
}
