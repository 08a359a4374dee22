package heap

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kolkov/memshadow/internal/assert"
	"github.com/kolkov/memshadow/internal/logging"
	"github.com/kolkov/memshadow/internal/shadow"
	"github.com/kolkov/memshadow/internal/snapshot"
	"github.com/kolkov/memshadow/internal/stackdepot"
)

const btreeDegree = 32

// Tracker is the heap chunk table of one session.
type Tracker struct {
	mu     *sync.Mutex
	depot  *stackdepot.Depot
	acct   *snapshot.Engine
	shadow *shadow.Store
	logger log.Logger

	headerSize uint64
	redzone    uint64

	chunks  *btree.BTreeG[*Chunk]
	regions []region

	// Delayed-free quarantine. delayed is nil when quarantining is off.
	delayed      *lru.Cache[uint64, *Chunk]
	delayedIdx   *btree.BTreeG[*Chunk]
	delayedBytes uint64
	delayedCount int
	delayedMax   uint64
	release      func(Chunk)

	allocs    prometheus.Counter
	frees     prometheus.Counter
	reallocs  prometheus.Counter
	invalid   prometheus.Counter
	evictions prometheus.Counter
}

type region struct{ start, end uint64 }

// Option configures a Tracker.
type Option func(*Tracker)

// WithLock makes the tracker use l as its allocation lock.
func WithLock(l *sync.Mutex) Option {
	return func(t *Tracker) { t.mu = l }
}

// WithShadow keeps s in step with allocations and frees.
func WithShadow(s *shadow.Store) Option {
	return func(t *Tracker) { t.shadow = s }
}

// WithAccounting feeds every event to e.
func WithAccounting(e *snapshot.Engine) Option {
	return func(t *Tracker) { t.acct = e }
}

// WithHeaderSize sets the allocator header bytes charged to each chunk as
// occupied but unusable.
func WithHeaderSize(n uint64) Option {
	return func(t *Tracker) { t.headerSize = n }
}

// WithRedzone marks n bytes before each chunk unaddressable.
func WithRedzone(n uint64) Option {
	return func(t *Tracker) { t.redzone = n }
}

// WithDelayFrees quarantines up to count freed chunks totalling at most
// maxBytes (0 means no byte limit) before handing them to the release hook.
func WithDelayFrees(count int, maxBytes uint64) Option {
	return func(t *Tracker) {
		t.delayedCount = count
		t.delayedMax = maxBytes
	}
}

// WithReleaseHook sets the function that receives freed chunks once they
// leave the quarantine (or immediately, without one).
func WithReleaseHook(fn func(Chunk)) Option {
	return func(t *Tracker) { t.release = fn }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithRegisterer registers the tracker's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tracker) { t.registerMetrics(reg) }
}

// New creates a tracker interning callstacks into depot.
func New(depot *stackdepot.Depot, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		depot:      depot,
		chunks:     btree.NewG(btreeDegree, byStart),
		delayedIdx: btree.NewG(btreeDegree, byStart),
	}
	t.registerMetrics(nil)
	for _, o := range opts {
		o(t)
	}
	if t.mu == nil {
		t.mu = &sync.Mutex{}
	}
	t.logger = logging.Component(t.logger, "heap")
	if t.delayedCount > 0 {
		c, err := lru.NewWithEvict[uint64, *Chunk](t.delayedCount, t.onEvict)
		if err != nil {
			return nil, fmt.Errorf("heap: delayed free quarantine: %w", err)
		}
		t.delayed = c
	}
	return t, nil
}

func (t *Tracker) registerMetrics(reg prometheus.Registerer) {
	f := promauto.With(reg)
	t.allocs = f.NewCounter(prometheus.CounterOpts{
		Name: "memshadow_heap_allocs_total",
		Help: "Allocations recorded.",
	})
	t.frees = f.NewCounter(prometheus.CounterOpts{
		Name: "memshadow_heap_frees_total",
		Help: "Frees recorded.",
	})
	t.reallocs = f.NewCounter(prometheus.CounterOpts{
		Name: "memshadow_heap_reallocs_total",
		Help: "Reallocations recorded.",
	})
	t.invalid = f.NewCounter(prometheus.CounterOpts{
		Name: "memshadow_heap_invalid_args_total",
		Help: "Frees and reallocs of addresses that are not live chunks.",
	})
	t.evictions = f.NewCounter(prometheus.CounterOpts{
		Name: "memshadow_heap_delayed_frees_released_total",
		Help: "Chunks released from the delayed-free quarantine.",
	})
}

// SetAccounting attaches the accounting engine after construction, for
// when the engine itself needs the tracker as its lock or staleness source.
func (t *Tracker) SetAccounting(e *snapshot.Engine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acct = e
}

// Lock takes the allocation lock.
func (t *Tracker) Lock() { t.mu.Lock() }

// Unlock releases the allocation lock.
func (t *Tracker) Unlock() { t.mu.Unlock() }

// RecordAlloc records a new chunk and returns its callstack id.
func (t *Tracker) RecordAlloc(ev AllocEvent) (uint32, error) {
	c, err := ev.chunk()
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if other, ok := t.overlapping(c.Start, c.extentEnd()); ok {
		assert.That(false, "new chunk overlaps a live chunk")
		return 0, fmt.Errorf("%w: 0x%x-0x%x vs 0x%x-0x%x", ErrOverlap, c.Start, c.End, other.Start, other.End)
	}
	t.dropDelayed(c.Start, c.extentEnd())

	cs, _ := t.depot.Intern(ev.Frames)
	c.Stack = cs
	if t.acct != nil {
		t.acct.AccountAlloc(cs, c.Size(), c.Padding(), t.headerSize)
	}
	t.chunks.ReplaceOrInsert(c)
	t.markAlloc(c)
	if t.acct != nil {
		t.acct.AccountPost(c.Size(), c.Padding(), t.headerSize)
	}
	t.allocs.Inc()
	return cs.ID, nil
}

// RecordFree records the free of the chunk starting at ev.Start.
func (t *Tracker) RecordFree(ev FreeEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.chunks.Get(&Chunk{Start: ev.Start})
	if !ok {
		t.invalid.Inc()
		return fmt.Errorf("%w: 0x%x", ErrUnknownChunk, ev.Start)
	}
	if ev.End != 0 && ev.End != c.End {
		level.Debug(t.logger).Log("msg", "free size differs from allocation", "start", fmt.Sprintf("0x%x", c.Start),
			"recorded", c.Size(), "reported", ev.End-ev.Start)
	}
	if t.acct != nil {
		// The peak must be captured before the usage drops.
		t.acct.CheckForPeak()
		if err := t.acct.AccountFree(c.Stack, c.Size(), c.Padding(), t.headerSize); err != nil {
			return fmt.Errorf("heap: free 0x%x: %w", c.Start, err)
		}
	}
	t.chunks.Delete(c)
	t.markFreed(c.Start, c.RealEnd)
	t.quarantine(c)
	if t.acct != nil {
		t.acct.AccountPost(c.Size(), c.Padding(), t.headerSize)
	}
	t.frees.Inc()
	return nil
}

// RecordRealloc moves or resizes the chunk at oldStart to ev. The shadow
// of the retained prefix is copied; a grown tail starts undefined. With
// nil ev.Frames the chunk keeps its original callstack.
func (t *Tracker) RecordRealloc(oldStart uint64, ev AllocEvent) (uint32, error) {
	nc, err := ev.chunk()
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.chunks.Get(&Chunk{Start: oldStart})
	if !ok {
		t.invalid.Inc()
		return 0, fmt.Errorf("%w: 0x%x", ErrUnknownChunk, oldStart)
	}
	t.chunks.Delete(old)
	if other, ok := t.overlapping(nc.Start, nc.extentEnd()); ok {
		t.chunks.ReplaceOrInsert(old)
		assert.That(false, "reallocated chunk overlaps a live chunk")
		return 0, fmt.Errorf("%w: 0x%x-0x%x vs 0x%x-0x%x", ErrOverlap, nc.Start, nc.End, other.Start, other.End)
	}

	cs := old.Stack
	if ev.Frames != nil {
		cs, _ = t.depot.Intern(ev.Frames)
	}
	nc.Stack = cs
	nc.LastAccess = old.LastAccess

	if t.acct != nil {
		t.acct.CheckForPeak()
		if err := t.acct.AccountFree(old.Stack, old.Size(), old.Padding(), t.headerSize); err != nil {
			t.chunks.ReplaceOrInsert(old)
			return 0, fmt.Errorf("heap: realloc 0x%x: %w", old.Start, err)
		}
		t.acct.AccountAlloc(cs, nc.Size(), nc.Padding(), t.headerSize)
	}
	t.dropDelayed(nc.Start, nc.extentEnd())
	t.chunks.ReplaceOrInsert(nc)
	t.markRealloc(old, nc)
	if nc.Start != old.Start && !old.overlaps(nc.Start, nc.extentEnd()) {
		t.quarantine(old)
	}
	if t.acct != nil {
		t.acct.AccountPost(old.Size(), old.Padding(), t.headerSize)
		t.acct.AccountPost(nc.Size(), nc.Padding(), t.headerSize)
	}
	t.reallocs.Inc()
	return cs.ID, nil
}

// Lookup returns the live chunk containing addr.
func (t *Tracker) Lookup(addr uint64) (Chunk, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.containing(addr); c != nil {
		return *c, true
	}
	return Chunk{}, false
}

// Len returns the number of live chunks.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunks.Len()
}

// Range calls fn for each live chunk in address order until fn returns
// false. fn runs without the allocation lock and sees copies.
func (t *Tracker) Range(fn func(Chunk) bool) {
	t.mu.Lock()
	out := make([]Chunk, 0, t.chunks.Len())
	t.chunks.Ascend(func(c *Chunk) bool {
		out = append(out, *c)
		return true
	})
	t.mu.Unlock()
	for _, c := range out {
		if !fn(c) {
			return
		}
	}
}

// Touch records an access to the chunk containing addr at stamp.
func (t *Tracker) Touch(addr, stamp uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.containing(addr)
	if c == nil {
		return false
	}
	c.LastAccess = stamp
	return true
}

// StaleEntries implements snapshot.StaleSource. The caller holds the
// allocation lock.
func (t *Tracker) StaleEntries(uint64) []snapshot.StaleEntry {
	out := make([]snapshot.StaleEntry, 0, t.chunks.Len())
	t.chunks.Ascend(func(c *Chunk) bool {
		out = append(out, snapshot.StaleEntry{
			StackID:    c.Stack.ID,
			Bytes:      c.Size(),
			LastAccess: c.LastAccess,
		})
		return true
	})
	return out
}

func (t *Tracker) containing(addr uint64) *Chunk {
	var found *Chunk
	t.chunks.DescendLessOrEqual(&Chunk{Start: addr}, func(c *Chunk) bool {
		if c.Contains(addr) {
			found = c
		}
		return false
	})
	return found
}

// overlapping returns a live chunk intersecting [start, end).
func (t *Tracker) overlapping(start, end uint64) (*Chunk, bool) {
	return firstOverlap(t.chunks, start, end)
}

func firstOverlap(tr *btree.BTreeG[*Chunk], start, end uint64) (*Chunk, bool) {
	var found *Chunk
	tr.DescendLessOrEqual(&Chunk{Start: start}, func(c *Chunk) bool {
		if c.overlaps(start, end) {
			found = c
		}
		return false
	})
	if found != nil {
		return found, true
	}
	tr.AscendGreaterOrEqual(&Chunk{Start: start}, func(c *Chunk) bool {
		if c.Start >= end {
			return false
		}
		if c.overlaps(start, end) {
			found = c
			return false
		}
		return true
	})
	return found, found != nil
}

func allOverlaps(tr *btree.BTreeG[*Chunk], start, end uint64) []*Chunk {
	var out []*Chunk
	tr.DescendLessOrEqual(&Chunk{Start: start}, func(c *Chunk) bool {
		if c.Start < start && c.overlaps(start, end) {
			out = append(out, c)
		}
		return false
	})
	tr.AscendGreaterOrEqual(&Chunk{Start: start}, func(c *Chunk) bool {
		if c.Start >= end {
			return false
		}
		out = append(out, c)
		return true
	})
	return out
}
