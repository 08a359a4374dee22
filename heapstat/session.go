package heapstat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/memshadow/internal/config"
	"github.com/kolkov/memshadow/internal/heap"
	"github.com/kolkov/memshadow/internal/logging"
	"github.com/kolkov/memshadow/internal/shadow"
	"github.com/kolkov/memshadow/internal/snapshot"
	"github.com/kolkov/memshadow/internal/stackdepot"
	"github.com/kolkov/memshadow/internal/symcache"
)

// Session is one profiling run.
type Session struct {
	opts   Options
	logger log.Logger
	reg    *prometheus.Registry
	start  time.Time

	store  *shadow.Store
	depot  *stackdepot.Depot
	heap   *heap.Tracker
	engine *snapshot.Engine
	logs   *snapshot.LogSet
	syms   *symcache.Cache

	cancel context.CancelFunc
	group  *errgroup.Group

	badAccesses prometheus.Counter

	closeOnce sync.Once
	closeErr  error
}

// SessionOption configures New.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	logger    log.Logger
	reg       *prometheus.Registry
	debugInfo symcache.DebugInfoFunc
	release   func(Chunk)
}

// WithLogger sets the diagnostic logger. By default warnings go to stderr
// at the configured verbosity.
func WithLogger(l log.Logger) SessionOption {
	return func(c *sessionConfig) { c.logger = l }
}

// WithRegistry registers the session's metrics in reg instead of a fresh
// registry.
func WithRegistry(reg *prometheus.Registry) SessionOption {
	return func(c *sessionConfig) { c.reg = reg }
}

// WithDebugInfo sets the predicate the symbol cache uses to detect modules
// whose symbols became available.
func WithDebugInfo(fn func(Module) bool) SessionOption {
	return func(c *sessionConfig) { c.debugInfo = fn }
}

// WithReleaseHook receives freed chunks as they leave the delayed-free
// quarantine. It runs with the allocation lock held.
func WithReleaseHook(fn func(Chunk)) SessionOption {
	return func(c *sessionConfig) { c.release = fn }
}

// New starts a session. The background clock goroutine, when the clock
// unit is selected, runs until Close or until ctx is done.
func New(ctx context.Context, opts Options, sopts ...SessionOption) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("heapstat: invalid options: %w", err)
	}
	var sc sessionConfig
	for _, o := range sopts {
		o(&sc)
	}
	if sc.logger == nil {
		sc.logger = logging.New(os.Stderr, opts.Verbose)
	}
	if sc.reg == nil {
		sc.reg = prometheus.NewRegistry()
	}
	s := &Session{
		opts:   opts,
		logger: sc.logger,
		reg:    sc.reg,
		start:  time.Now(),
		store:  shadow.New(),
	}
	s.badAccesses = promauto.With(s.reg).NewCounter(prometheus.CounterOpts{
		Name: "memshadow_bad_accesses_total",
		Help: "Checked accesses that touched unaddressable or undefined bytes.",
	})
	s.registerShadowMetrics()

	if opts.LogDir != "" {
		logs, err := snapshot.CreateLogSet(opts.LogDir, snapshot.Header{
			App:       opts.AppName,
			PID:       os.Getpid(),
			Version:   Version,
			Dump:      opts.Dump,
			Staleness: opts.Staleness,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("heapstat: %w", err)
		}
		s.logs = logs
	}

	s.depot = stackdepot.New(digestMode(opts.CallstackDigest), stackdepot.WithOnNew(s.logs.WriteCallstack))

	tracker, err := heap.New(s.depot,
		heap.WithShadow(s.store),
		heap.WithHeaderSize(opts.HeaderSize),
		heap.WithRedzone(opts.RedzoneSize),
		heap.WithDelayFrees(opts.DelayFrees, opts.DelayFreesMaxSize),
		heap.WithReleaseHook(sc.release),
		heap.WithLogger(s.logger),
		heap.WithRegisterer(s.reg),
	)
	if err != nil {
		s.logs.Close()
		return nil, fmt.Errorf("heapstat: %w", err)
	}
	s.heap = tracker

	unit, err := snapshot.ParseUnit(opts.TimeUnit)
	if err != nil {
		s.logs.Close()
		return nil, fmt.Errorf("heapstat: %w", err)
	}
	s.engine = snapshot.New(snapshot.Config{
		Unit:           unit,
		Freq:           opts.DumpFreq,
		Slots:          opts.Snapshots,
		Dump:           opts.Dump,
		PeakThreshold:  opts.PeakThreshold,
		ChurnThreshold: opts.PeakThreshold,
		TimeThreshold:  opts.PeakThreshold,
		TickInterval:   opts.TimeBase,
		Staleness:      opts.Staleness,
	},
		snapshot.WithAllocLock(tracker),
		snapshot.WithLogs(s.logs),
		snapshot.WithStaleSource(tracker),
		snapshot.WithLogger(s.logger),
		snapshot.WithRegisterer(s.reg),
	)
	tracker.SetAccounting(s.engine)

	if opts.UseSymcache {
		s.syms = s.openSymcache(sc.debugInfo)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error { return s.engine.Run(ctx) })

	level.Info(s.logger).Log("msg", "session started", "unit", opts.TimeUnit, "dump", opts.Dump, "logs", s.LogDir())
	return s, nil
}

// openSymcache opens the symbol cache. Failure disables caching for the
// session rather than failing it.
func (s *Session) openSymcache(debugInfo symcache.DebugInfoFunc) *symcache.Cache {
	dir := s.opts.SymcacheDir
	if dir == "" {
		base := s.opts.LogDir
		if base == "" {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "symcache")
	}
	opts := []symcache.Option{
		symcache.WithMinModuleSize(s.opts.SymcacheMinSize),
		symcache.WithLogger(s.logger),
		symcache.WithRegisterer(s.reg),
	}
	if debugInfo != nil {
		opts = append(opts, symcache.WithDebugInfo(debugInfo))
	}
	c, err := symcache.New(dir, opts...)
	if err != nil {
		level.Warn(s.logger).Log("msg", "symbol cache disabled", "err", err)
		return nil
	}
	return c
}

func (s *Session) registerShadowMetrics() {
	stat := func(name, help string, get func(shadow.Stats) uint64) {
		s.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}, func() float64 { return float64(get(s.store.Stats())) }))
	}
	stat("memshadow_shadow_private_blocks_allocated_total", "Private shadow blocks created.",
		func(st shadow.Stats) uint64 { return st.PrivateAllocated })
	stat("memshadow_shadow_private_blocks_released_total", "Private shadow blocks replaced by a shared block.",
		func(st shadow.Stats) uint64 { return st.PrivateReleased })
	stat("memshadow_shadow_unshares_total", "Copy-on-write materializations of shared blocks.",
		func(st shadow.Stats) uint64 { return st.Unshares })
	stat("memshadow_shadow_reinstated_total", "Uniform private blocks compacted back to shared blocks.",
		func(st shadow.Stats) uint64 { return st.Reinstated })
	s.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "memshadow_shadow_blocks",
		Help: "Established shadow block table slots.",
	}, func() float64 { return float64(s.store.Stats().Blocks) }))
}

func digestMode(name string) stackdepot.Mode {
	switch name {
	case config.DigestSHA256:
		return stackdepot.ModeDigest
	case config.DigestVerified:
		return stackdepot.ModeVerified
	default:
		return stackdepot.ModeCRC
	}
}

// OnAlloc records an allocation and returns its callstack id.
func (s *Session) OnAlloc(ev AllocEvent) (uint32, error) {
	return s.heap.RecordAlloc(ev)
}

// OnFree records a free.
func (s *Session) OnFree(ev FreeEvent) error {
	return s.heap.RecordFree(ev)
}

// OnRealloc records a reallocation of the chunk at oldStart.
func (s *Session) OnRealloc(oldStart uint64, ev AllocEvent) (uint32, error) {
	return s.heap.RecordRealloc(oldStart, ev)
}

// OnHeapCreate records a new heap arena.
func (s *Session) OnHeapCreate(start, end uint64) error {
	return s.heap.AddHeapRegion(start, end)
}

// OnHeapDestroy records the destruction of an arena and returns how many
// chunks died with it.
func (s *Session) OnHeapDestroy(start, end uint64) (int, error) {
	return s.heap.RemoveHeapRegion(start, end)
}

// CountInstrs reports n executed instructions.
func (s *Session) CountInstrs(n int64) {
	s.engine.CountInstrs(n)
}

// Snapshot takes a snapshot now.
func (s *Session) Snapshot() {
	s.engine.Snapshot()
}

// Nudge dumps every snapshot and marks the logs, as for an external
// request. It returns the nudge number.
func (s *Session) Nudge() int {
	return s.engine.Nudge()
}

// ResetToTimeZero restarts the snapshot history from the live usage.
func (s *Session) ResetToTimeZero(keepOffs bool) {
	s.engine.ResetToTimeZero(keepOffs)
}

// Live returns the current usage.
func (s *Session) Live() Snapshot { return s.engine.Live() }

// Peak returns the peak snapshot.
func (s *Session) Peak() Snapshot { return s.engine.Peak() }

// History returns the retained snapshots, oldest first.
func (s *Session) History() []Snapshot { return s.engine.History() }

// Profile converts snap into a pprof heap profile.
func (s *Session) Profile(snap Snapshot) *profile.Profile {
	return snap.Profile(s.start)
}

// Callstack returns the frames of callstack id.
func (s *Session) Callstack(id uint32) ([]Frame, bool) {
	cs := s.depot.Get(id)
	if cs == nil {
		return nil, false
	}
	return cs.Frames, true
}

// Chunk returns the live chunk containing addr.
func (s *Session) Chunk(addr uint64) (Chunk, bool) {
	return s.heap.Lookup(addr)
}

// LiveChunks returns the number of live chunks.
func (s *Session) LiveChunks() int { return s.heap.Len() }

// Shadow returns the shadow value of the byte at addr.
func (s *Session) Shadow(addr uint64) (State, bool) {
	return s.store.GetByte(addr)
}

// ModuleLoad notifies the symbol cache of a loaded module and reports
// whether a cache file was used.
func (s *Session) ModuleLoad(m Module) bool {
	if s.syms == nil {
		return false
	}
	return s.syms.ModuleLoad(m)
}

// ModuleUnload flushes and forgets m's symbol table.
func (s *Session) ModuleUnload(m Module) {
	if s.syms != nil {
		s.syms.ModuleUnload(m)
	}
}

// SymbolLookup returns the idx'th cached offset of symbol in m and how
// many offsets it has.
func (s *Session) SymbolLookup(m Module, symbol string, idx int) (uint64, int, bool) {
	if s.syms == nil {
		return 0, 0, false
	}
	return s.syms.Lookup(m, symbol, idx)
}

// SymbolAdd caches a resolved symbol; offset zero records its absence.
func (s *Session) SymbolAdd(m Module, symbol string, off uint64) bool {
	if s.syms == nil {
		return false
	}
	return s.syms.Add(m, symbol, off)
}

// Registry returns the session's metrics registry.
func (s *Session) Registry() *prometheus.Registry { return s.reg }

// LogDir returns the run's log directory, or "" without logs.
func (s *Session) LogDir() string {
	if s.logs == nil {
		return ""
	}
	return s.logs.Dir
}

// ReportLeaks writes a record for every chunk still live to w.
func (s *Session) ReportLeaks(w io.Writer) heap.LeakSummary {
	return s.heap.ReportLeaks(w, heap.LeakOptions{IgnoreEarly: s.opts.IgnoreEarlyLeaks})
}

// Close stops the background goroutine, writes the final dump and leak
// report, saves the symbol cache and closes the logs. Only the first call
// does anything.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		var errs []error
		if err := s.group.Wait(); err != nil {
			errs = append(errs, err)
		}
		s.engine.Close()
		if s.opts.CheckLeaks {
			sum := s.ReportLeaks(s.logs.Global())
			if sum.Leaks > 0 {
				level.Info(s.logger).Log("msg", "leaks at exit", "count", sum.Leaks, "bytes", sum.Bytes)
			}
		}
		if s.syms != nil {
			if err := s.syms.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.logs.Close(); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
