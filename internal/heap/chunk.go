// Package heap tracks live heap chunks, attributes them to callstacks and
// keeps the shadow of heap memory in step with allocation events.
//
// All mutating entry points take the allocation lock. The lock is the one
// the accounting engine nests under, so accounting, chunk table updates and
// triggered snapshots observe a single consistent order of events.
package heap

import (
	"errors"

	"github.com/kolkov/memshadow/internal/stackdepot"
)

var (
	// ErrOverlap is returned when a new chunk overlaps a live one.
	ErrOverlap = errors.New("heap: chunk overlaps a live chunk")

	// ErrUnknownChunk is returned for a free or realloc of an address that
	// is not the start of a live chunk.
	ErrUnknownChunk = errors.New("heap: no live chunk at address")

	// ErrInvalidRange is returned when an event's bounds are out of order.
	ErrInvalidRange = errors.New("heap: invalid chunk bounds")
)

// Chunk is one live (or quarantined) allocation.
//
// [Start, End) is what the application asked for; [End, RealEnd) is
// allocator padding the application may not touch.
type Chunk struct {
	Start   uint64
	End     uint64
	RealEnd uint64

	// Stack is the allocation site. It is never re-derived on free.
	Stack *stackdepot.Callstack

	// Zeroed chunks start out defined.
	Zeroed bool

	// PreExisting marks chunks that were live before tracking began.
	PreExisting bool

	// LastAccess is the snapshot stamp of the most recent recorded access.
	LastAccess uint64

	reused bool
}

// Size returns the bytes asked for.
func (c *Chunk) Size() uint64 { return c.End - c.Start }

// Padding returns the usable bytes beyond the request.
func (c *Chunk) Padding() uint64 { return c.RealEnd - c.End }

// Contains reports whether addr is inside the chunk's real extent. A
// zero-sized chunk contains only its start address.
func (c *Chunk) Contains(addr uint64) bool {
	return addr >= c.Start && addr < c.extentEnd()
}

func (c *Chunk) extentEnd() uint64 {
	if c.RealEnd > c.Start {
		return c.RealEnd
	}
	return c.Start + 1
}

func (c *Chunk) overlaps(start, end uint64) bool {
	return c.Start < end && start < c.extentEnd()
}

func byStart(a, b *Chunk) bool { return a.Start < b.Start }

// AllocEvent describes an allocation reported by the allocator hooks.
type AllocEvent struct {
	Start   uint64
	End     uint64
	RealEnd uint64

	// Frames is the allocation callstack. A realloc with nil Frames keeps
	// the original chunk's callstack.
	Frames []stackdepot.Frame

	Zeroed      bool
	PreExisting bool
}

func (ev AllocEvent) chunk() (*Chunk, error) {
	realEnd := ev.RealEnd
	if realEnd == 0 {
		realEnd = ev.End
	}
	if ev.End < ev.Start || realEnd < ev.End {
		return nil, ErrInvalidRange
	}
	return &Chunk{
		Start:       ev.Start,
		End:         ev.End,
		RealEnd:     realEnd,
		Zeroed:      ev.Zeroed,
		PreExisting: ev.PreExisting,
	}, nil
}

// FreeEvent describes a free. End and RealEnd are advisory: the tracker
// uses its own record of the chunk.
type FreeEvent struct {
	Start   uint64
	End     uint64
	RealEnd uint64
}
