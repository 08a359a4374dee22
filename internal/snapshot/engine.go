package snapshot

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/slices"

	"github.com/kolkov/memshadow/internal/assert"
	"github.com/kolkov/memshadow/internal/logging"
	"github.com/kolkov/memshadow/internal/stackdepot"
)

// ErrUnderflow is returned when a free would drive a usage counter below
// zero. It indicates a tracker bug, never an application bug.
var ErrUnderflow = errors.New("snapshot: usage underflow")

// Engine is the accounting and snapshot engine of one session.
type Engine struct {
	cfg    Config
	alloc  sync.Locker
	logs   *LogSet
	stale  StaleSource
	logger log.Logger

	mu        sync.Mutex
	snaps     []Snapshot
	idx       int
	fills     int
	peak      Snapshot
	stamp     uint64
	stampOffs uint64
	dumped    int
	nudges    int

	freq     atomic.Uint64
	curStamp atomic.Uint64

	// Guarded by the allocation lock.
	allocCount int64
	byteCount  int64

	allocfree         atomic.Uint64
	allocfreeLastPeak uint64

	instrs countdown
	clock  countdown

	taken         prometheus.Counter
	peaksDetected prometheus.Counter
	peaksSkipped  prometheus.Counter
	nTaken        atomic.Uint64
	nPeaks        atomic.Uint64
	nSkipped      atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithAllocLock sets the allocation lock the engine nests under. Without
// it the engine uses a private mutex.
func WithAllocLock(l sync.Locker) Option {
	return func(e *Engine) { e.alloc = l }
}

// WithLogs directs snapshot output to logs.
func WithLogs(l *LogSet) Option {
	return func(e *Engine) { e.logs = l }
}

// WithStaleSource sets where staleness records come from.
func WithStaleSource(s StaleSource) Option {
	return func(e *Engine) { e.stale = s }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRegisterer registers the engine's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerMetrics(reg) }
}

// New creates an engine. Options are applied in order.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg.normalized()}
	e.registerMetrics(nil)
	for _, o := range opts {
		o(e)
	}
	if e.alloc == nil {
		e.alloc = &sync.Mutex{}
	}
	e.logger = logging.Component(e.logger, "snapshot")
	e.snaps = make([]Snapshot, e.cfg.Slots)
	e.resetIntervals()
	return e
}

func (e *Engine) registerMetrics(reg prometheus.Registerer) {
	f := promauto.With(reg)
	e.taken = f.NewCounter(prometheus.CounterOpts{
		Name: "memshadow_snapshots_taken_total",
		Help: "Snapshots taken by the trigger or on request.",
	})
	e.peaksDetected = f.NewCounter(prometheus.CounterOpts{
		Name: "memshadow_snapshot_peaks_detected_total",
		Help: "Peak snapshots replaced.",
	})
	e.peaksSkipped = f.NewCounter(prometheus.CounterOpts{
		Name: "memshadow_snapshot_peaks_skipped_total",
		Help: "Occupancy increases too small to replace the peak.",
	})
	if reg != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "memshadow_heap_occupied_bytes",
			Help: "Bytes occupied by live allocations, including headers and padding.",
		}, func() float64 {
			e.mu.Lock()
			defer e.mu.Unlock()
			return float64(e.snaps[e.idx].TotBytesOccupied)
		}))
	}
}

func (e *Engine) resetIntervals() {
	freq := e.cfg.Freq
	e.freq.Store(freq)
	e.allocCount = int64(freq)
	e.byteCount = int64(freq)
	e.instrs.reset(freq)
	e.clock.reset(freq)
}

// Freq returns the current snapshot interval.
func (e *Engine) Freq() uint64 { return e.freq.Load() }

// Stamp returns the stamp of the most recent snapshot, plus any offset
// carried over a reset.
func (e *Engine) Stamp() uint64 { return e.curStamp.Load() }

// AccountAlloc adds one allocation to cs's live usage.
func (e *Engine) AccountAlloc(cs *stackdepot.Callstack, askedFor, extraUsable, extraOccupied uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	live := &e.snaps[e.idx]
	u := cs.Live
	if u == nil {
		u = &stackdepot.Usage{Stack: cs, Next: live.Used}
		if live.Used != nil {
			assert.That(live.Used.Stack.PrevLive == nil, "list head has a predecessor")
			live.Used.Stack.PrevLive = u
		}
		assert.That(cs.PrevLive == nil, "unlinked stack has a predecessor")
		cs.PrevLive = nil
		cs.Live = u
		live.Used = u
	}
	u.Instances++
	u.BytesAskedFor += askedFor
	u.ExtraUsable += extraUsable
	u.ExtraOccupied += extraOccupied
	live.TotMallocs++
	live.TotBytesAskedFor += askedFor
	live.TotBytesUsable += askedFor + extraUsable
	live.TotBytesOccupied += askedFor + extraUsable + extraOccupied
}

// AccountFree removes one allocation from cs's live usage. The usage node
// is unlinked and dropped when its last instance goes.
func (e *Engine) AccountFree(cs *stackdepot.Callstack, askedFor, extraUsable, extraOccupied uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	live := &e.snaps[e.idx]
	u := cs.Live
	ok := u != nil && u.Instances > 0 && live.TotMallocs > 0 &&
		u.BytesAskedFor >= askedFor && u.ExtraUsable >= extraUsable && u.ExtraOccupied >= extraOccupied &&
		live.TotBytesOccupied >= askedFor+extraUsable+extraOccupied
	assert.That(ok, "free exceeds recorded usage")
	if !ok {
		return ErrUnderflow
	}
	u.Instances--
	u.BytesAskedFor -= askedFor
	u.ExtraUsable -= extraUsable
	u.ExtraOccupied -= extraOccupied
	live.TotMallocs--
	live.TotBytesAskedFor -= askedFor
	live.TotBytesUsable -= askedFor + extraUsable
	live.TotBytesOccupied -= askedFor + extraUsable + extraOccupied

	if u.Instances == 0 {
		assert.That(u.BytesAskedFor == 0, "no instances but bytes remain")
		if u.Next != nil {
			u.Next.Stack.PrevLive = cs.PrevLive
		}
		if cs.PrevLive == nil {
			assert.That(live.Used == u, "unlinked head mismatch")
			live.Used = u.Next
		} else {
			cs.PrevLive.Next = u.Next
		}
		cs.Live = nil
		cs.PrevLive = nil
	}
	return nil
}

// AccountPost runs the allocation and byte triggers after an allocation
// or free of the given sizes has been recorded.
func (e *Engine) AccountPost(askedFor, extraUsable, extraOccupied uint64) {
	switch e.cfg.Unit {
	case UnitBytes:
		diff := int64(askedFor + extraUsable + extraOccupied)
		if diff > e.byteCount {
			// Changes larger than the interval span several snapshots.
			for diff > e.byteCount {
				e.takeSnapshot()
				diff -= int64(e.freq.Load())
			}
			e.byteCount = int64(e.freq.Load())
		} else {
			e.byteCount -= diff
		}
	case UnitAllocs:
		e.allocCount--
		if e.allocCount <= 0 {
			e.takeSnapshot()
			e.allocCount = int64(e.freq.Load())
		}
	}
	e.allocfree.Add(1)
}

// Snapshot takes a snapshot now.
func (e *Engine) Snapshot() {
	e.alloc.Lock()
	defer e.alloc.Unlock()
	e.takeSnapshot()
}

// takeSnapshot records the live usage. The allocation lock must be held.
func (e *Engine) takeSnapshot() {
	e.mu.Lock()
	defer e.mu.Unlock()

	live := &e.snaps[e.idx]
	if e.cfg.Staleness && e.stale != nil {
		live.Stale = e.stale.StaleEntries(e.stamp)
	}
	freq := e.freq.Load()
	e.stamp += freq
	live.Stamp = e.stamp
	e.curStamp.Store(e.stamp + e.stampOffs)
	e.taken.Inc()
	e.nTaken.Add(1)
	e.checkForPeak()

	if e.cfg.Dump {
		e.dump(live, e.idx)
		return
	}

	prev := e.idx
	// Find the next slot to overwrite, keeping those aligned with the
	// current interval.
	for {
		e.idx++
		if e.idx >= len(e.snaps) {
			e.fills++
			e.idx = 0
			freq *= 2
			e.freq.Store(freq)
			level.Info(e.logger).Log("msg", "adjusting snapshot interval", "freq", freq, "fills", e.fills)
		}
		s := &e.snaps[e.idx]
		if s.Stamp == 0 || s.Stamp%freq != 0 {
			break
		}
	}
	if e.idx != prev {
		copySnapshot(&e.snaps[e.idx], &e.snaps[prev], true)
	}
}

// CheckForPeak refreshes the peak snapshot if the live one exceeds it. The
// allocation lock must be held.
func (e *Engine) CheckForPeak() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkForPeak()
}

func (e *Engine) checkForPeak() {
	live := &e.snaps[e.idx]
	if live.TotBytesOccupied <= e.peak.TotBytesOccupied {
		return
	}
	cur := e.allocfree.Load()
	if exceedsPercent(live.TotBytesOccupied, e.peak.TotBytesOccupied, e.cfg.PeakThreshold) ||
		exceedsPercent(cur, e.allocfreeLastPeak, e.cfg.ChurnThreshold) ||
		exceedsPercent(live.Stamp, e.peak.Stamp, e.cfg.TimeThreshold) {
		e.allocfreeLastPeak = cur
		copySnapshot(&e.peak, live, false)
		if e.cfg.Staleness && e.stale != nil {
			e.peak.Stale = e.stale.StaleEntries(e.stamp)
		}
		e.peaksDetected.Inc()
		e.nPeaks.Add(1)
		level.Debug(e.logger).Log("msg", "new peak snapshot", "occupied", e.peak.TotBytesOccupied)
		return
	}
	e.peaksSkipped.Inc()
	e.nSkipped.Add(1)
}

// exceedsPercent reports whether newVal differs from oldVal by more than
// percent of oldVal.
func exceedsPercent(newVal, oldVal uint64, percent uint) bool {
	diff := newVal - oldVal
	if oldVal > newVal {
		diff = oldVal - newVal
	}
	return 100*diff > uint64(percent)*oldVal
}

// partial is how far the live slot has progressed into its interval.
func (e *Engine) partial() uint64 {
	freq := int64(e.freq.Load())
	var left int64
	switch e.cfg.Unit {
	case UnitAllocs:
		left = e.allocCount
	case UnitBytes:
		left = e.byteCount
	case UnitInstrs:
		left = e.instrs.remaining()
	case UnitClock:
		left = e.clock.remaining()
	}
	if left < 0 {
		left = 0
	}
	if left > freq {
		return 0
	}
	return uint64(freq - left)
}

// ResetToTimeZero makes the live usage the first slot of a fresh history.
// With keepOffs the stamps of later snapshots continue from the current
// one; otherwise the intervals restart as well.
func (e *Engine) ResetToTimeZero(keepOffs bool) {
	e.alloc.Lock()
	defer e.alloc.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.idx != 0 {
		copySnapshot(&e.snaps[0], &e.snaps[e.idx], true)
	}
	for i := 1; i < len(e.snaps); i++ {
		e.snaps[i] = Snapshot{}
	}
	if keepOffs {
		e.stampOffs += e.stamp
	} else {
		e.stampOffs = 0
		e.resetIntervals()
	}
	e.stamp = 0
	e.snaps[0].Stamp = 0
	e.idx = 0
	e.fills = 0
}

// Live returns an isolated copy of the live usage.
func (e *Engine) Live() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snaps[e.idx].isolated()
}

// Peak returns an isolated copy of the peak snapshot.
func (e *Engine) Peak() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak.isolated()
}

// History returns isolated copies of the ring's snapshots, oldest first,
// excluding the live slot. In dump mode the history lives in snapshot.log
// and only the current slot is returned.
func (e *Engine) History() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Snapshot
	for _, i := range e.order() {
		if !e.cfg.Dump && i == e.idx {
			continue
		}
		out = append(out, e.snaps[i].isolated())
	}
	return out
}

// order returns the occupied slot indices sorted by stamp.
func (e *Engine) order() []int {
	n := e.idx + 1
	if e.fills > 0 {
		n = len(e.snaps)
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		sa, sb := e.snaps[a].Stamp, e.snaps[b].Stamp
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	})
	return idx
}

// Stats summarizes engine activity.
type Stats struct {
	Taken         uint64
	Dumped        int
	Fills         int
	Nudges        int
	Freq          uint64
	PeaksDetected uint64
	PeaksSkipped  uint64
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Taken:         e.nTaken.Load(),
		Dumped:        e.dumped,
		Fills:         e.fills,
		Nudges:        e.nudges,
		Freq:          e.freq.Load(),
		PeaksDetected: e.nPeaks.Load(),
		PeaksSkipped:  e.nSkipped.Load(),
	}
}
