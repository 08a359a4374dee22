package heap

import "github.com/kolkov/memshadow/internal/shadow"

// markAlloc marks a new chunk: contents undefined (or defined when zeroed
// or pre-existing), padding and leading redzone unaddressable.
func (t *Tracker) markAlloc(c *Chunk) {
	if t.shadow == nil {
		return
	}
	v := shadow.Undefined
	if c.Zeroed || c.PreExisting {
		v = shadow.Defined
	}
	t.shadow.SetRange(c.Start, c.End, v)
	t.shadow.SetRange(c.End, c.RealEnd, shadow.Unaddressable)
	if lo := t.redzoneStart(c); lo < c.Start {
		t.shadow.SetRange(lo, c.Start, shadow.Unaddressable)
	}
}

// redzoneStart returns the start of c's leading redzone, clipped so it
// never covers the previous live chunk.
func (t *Tracker) redzoneStart(c *Chunk) uint64 {
	if t.redzone == 0 || c.Start == 0 {
		return c.Start
	}
	lo := uint64(0)
	if c.Start > t.redzone {
		lo = c.Start - t.redzone
	}
	t.chunks.DescendLessOrEqual(&Chunk{Start: c.Start - 1}, func(p *Chunk) bool {
		if e := p.extentEnd(); e > lo {
			lo = min(e, c.Start)
		}
		return false
	})
	return lo
}

func (t *Tracker) markFreed(start, end uint64) {
	if t.shadow == nil || start >= end {
		return
	}
	t.shadow.SetRange(start, end, shadow.Unaddressable)
}

// markRealloc carries the shadow of old's retained prefix over to nc and
// retires whatever part of old nc does not cover.
func (t *Tracker) markRealloc(old, nc *Chunk) {
	if t.shadow == nil {
		return
	}
	keep := min(old.Size(), nc.Size())
	if nc.Start != old.Start {
		t.shadow.CopyRange(old.Start, nc.Start, keep)
	}
	t.shadow.SetRange(nc.Start+keep, nc.End, shadow.Undefined)
	t.shadow.SetRange(nc.End, nc.RealEnd, shadow.Unaddressable)

	// Retire old minus nc.
	t.markFreed(old.Start, min(old.RealEnd, nc.Start))
	t.markFreed(max(old.Start, nc.RealEnd), old.RealEnd)
}
