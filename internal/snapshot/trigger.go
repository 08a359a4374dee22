package snapshot

import (
	"context"
	"sync/atomic"
	"time"
)

// countdown is an interval counter shared by many threads.
//
// Decrements are a single atomic add and never block. The reset after a
// snapshot is not synchronized with concurrent decrements, so an interval
// may run a little long when threads race at the boundary; the snapshot
// itself is still taken once because the crossing is re-checked under the
// allocation lock.
type countdown struct {
	left  atomic.Int64
	fired atomic.Uint64
}

func (c *countdown) reset(n uint64) { c.left.Store(int64(n)) }

// sub subtracts n and reports whether the counter reached zero.
func (c *countdown) sub(n int64) bool {
	return c.left.Add(-n) <= 0
}

func (c *countdown) remaining() int64 { return c.left.Load() }

// CountInstrs records n executed instructions for the instruction unit.
func (e *Engine) CountInstrs(n int64) {
	if e.cfg.Unit != UnitInstrs || !e.instrs.sub(n) {
		return
	}
	e.alloc.Lock()
	defer e.alloc.Unlock()
	if e.instrs.remaining() > 0 {
		// Another thread took this interval's snapshot.
		return
	}
	e.instrs.fired.Add(1)
	e.takeSnapshot()
	e.instrs.reset(e.freq.Load())
}

// Tick advances the clock unit by one tick.
func (e *Engine) Tick() {
	if e.cfg.Unit != UnitClock || !e.clock.sub(1) {
		return
	}
	e.alloc.Lock()
	defer e.alloc.Unlock()
	if e.clock.remaining() > 0 {
		return
	}
	e.clock.fired.Add(1)
	e.takeSnapshot()
	e.clock.reset(e.freq.Load())
}

// Run drives Tick every TickInterval until ctx is done. For units other
// than the clock it returns immediately.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Unit != UnitClock {
		return nil
	}
	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.Tick()
		}
	}
}
