package heapstat

import (
	"github.com/kolkov/memshadow/internal/config"
	"github.com/kolkov/memshadow/internal/heap"
	"github.com/kolkov/memshadow/internal/shadow"
	"github.com/kolkov/memshadow/internal/snapshot"
	"github.com/kolkov/memshadow/internal/stackdepot"
	"github.com/kolkov/memshadow/internal/symcache"
)

// Event and data types shared with the internal packages.
type (
	Options     = config.Options
	Frame       = stackdepot.Frame
	AllocEvent  = heap.AllocEvent
	FreeEvent   = heap.FreeEvent
	Chunk       = heap.Chunk
	Module      = symcache.Module
	PEInfo      = symcache.PEInfo
	Snapshot    = snapshot.Snapshot
	State       = shadow.State
	LeakSummary = heap.LeakSummary
)

// Shadow states.
const (
	Defined       = shadow.Defined
	Unaddressable = shadow.Unaddressable
	Bitlevel      = shadow.Bitlevel
	Undefined     = shadow.Undefined
)

const symcacheVersion = symcache.Version

// DefaultOptions returns the built-in option defaults.
func DefaultOptions() Options {
	return config.Default()
}

// Capture returns the caller's stack as frames, skipping skip callers
// above the caller of Capture. Go programs that track their own arenas use
// it to attribute allocations.
func Capture(skip int) []Frame {
	return stackdepot.Capture(skip + 1)
}
