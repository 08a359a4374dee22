// Package symcache persists symbol lookups per module so later runs can
// skip expensive symbol resolution.
//
// One text file per module lives in the cache directory. The file is not
// assumed complete: it records the symbols queried so far, including
// negative entries (offset zero) for symbols the module does not have.
package symcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/slices"

	"github.com/kolkov/memshadow/internal/logging"
)

// PEInfo holds the extra identity fields of a PE module.
type PEInfo struct {
	FileVersion    uint64
	ProductVersion uint64
	Checksum       uint32
	Timestamp      uint32
	InternalSize   uint64
}

// Module identifies a loaded module.
type Module struct {
	// Path is the full path and the table key.
	Path string
	// Name is the preferred short name and names the cache file. Modules
	// without a name are not cached.
	Name string

	Start, End uint64

	// FileSize is the size of the module file. Zero means stat Path.
	FileSize uint64

	PE *PEInfo
}

// DebugInfoFunc reports whether symbols are available for a module.
type DebugInfoFunc func(Module) bool

// Entry is one cached symbol.
type Entry struct {
	Symbol  string
	Offsets []uint64
}

type modCache struct {
	name         string
	fromFile     bool
	appended     bool
	fileSize     uint64
	pe           *PEInfo
	hasDebugInfo bool
	syms         map[string]*offsetList
}

func (mc *modCache) symbol(name string) *offsetList {
	l, ok := mc.syms[name]
	if !ok {
		l = &offsetList{}
		mc.syms[name] = l
	}
	return l
}

// Cache is the symbol cache of one session. A single mutex serializes all
// table operations; file reads on load happen outside it.
type Cache struct {
	dir       string
	minSize   uint64
	debugInfo DebugInfoFunc
	logger    log.Logger

	mu   sync.Mutex
	mods map[string]*modCache

	hits   prometheus.Counter
	misses prometheus.Counter
	loads  prometheus.Counter
	stale  prometheus.Counter
	writes prometheus.Counter
}

// Option configures a Cache.
type Option func(*Cache)

// WithMinModuleSize skips modules whose mapped size is below n.
func WithMinModuleSize(n uint64) Option {
	return func(c *Cache) { c.minSize = n }
}

// WithDebugInfo sets the debug-info predicate. Without it every module is
// treated as having none.
func WithDebugInfo(fn DebugInfoFunc) Option {
	return func(c *Cache) { c.debugInfo = fn }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithRegisterer registers the cache's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) { c.registerMetrics(reg) }
}

// New opens a cache in dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{
		dir:       dir,
		debugInfo: func(Module) bool { return false },
		mods:      make(map[string]*modCache),
	}
	c.registerMetrics(nil)
	for _, o := range opts {
		o(c)
	}
	c.logger = logging.Component(c.logger, "symcache")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		// Another process may have created it meanwhile.
		if fi, serr := os.Stat(dir); serr != nil || !fi.IsDir() {
			return nil, fmt.Errorf("symcache: create dir %s: %w", dir, err)
		}
	}
	return c, nil
}

func (c *Cache) registerMetrics(reg prometheus.Registerer) {
	f := promauto.With(reg)
	c.hits = f.NewCounter(prometheus.CounterOpts{
		Name: "memshadow_symcache_hits_total",
		Help: "Symbol lookups answered from the cache.",
	})
	c.misses = f.NewCounter(prometheus.CounterOpts{
		Name: "memshadow_symcache_misses_total",
		Help: "Symbol lookups not in the cache.",
	})
	c.loads = f.NewCounter(prometheus.CounterOpts{
		Name: "memshadow_symcache_file_loads_total",
		Help: "Module cache files read and trusted.",
	})
	c.stale = f.NewCounter(prometheus.CounterOpts{
		Name: "memshadow_symcache_file_rejected_total",
		Help: "Module cache files discarded as stale or corrupt.",
	})
	c.writes = f.NewCounter(prometheus.CounterOpts{
		Name: "memshadow_symcache_file_writes_total",
		Help: "Module cache files written.",
	})
}

func key(path string) string {
	if runtime.GOOS == "windows" {
		return strings.ToLower(path)
	}
	return path
}

// ModuleLoad sets up the table for mod, reading its cache file when one is
// present and consistent. It reports whether the file was used. Loading an
// already known module is a no-op.
func (c *Cache) ModuleLoad(mod Module) bool {
	if mod.Name == "" {
		return false
	}
	if mod.End <= mod.Start {
		level.Warn(c.logger).Log("msg", "module has an empty address range", "module", mod.Name)
		return false
	}
	if mod.End-mod.Start < c.minSize {
		level.Debug(c.logger).Log("msg", "module too small to cache", "module", mod.Name)
		return false
	}
	k := key(mod.Path)
	c.mu.Lock()
	_, known := c.mods[k]
	c.mu.Unlock()
	if known {
		return false
	}

	mc := &modCache{
		name:     mod.Name,
		fileSize: mod.FileSize,
		pe:       mod.PE,
		syms:     make(map[string]*offsetList),
	}
	if mc.fileSize == 0 && mod.Path != "" {
		if fi, err := os.Stat(mod.Path); err == nil {
			mc.fileSize = uint64(fi.Size())
		} else {
			level.Warn(c.logger).Log("msg", "unable to determine module size", "path", mod.Path, "err", err)
		}
	}
	switch err := c.read(mod, mc); {
	case err == nil:
		mc.fromFile = true
		c.loads.Inc()
	case errors.Is(err, fs.ErrNotExist):
		mc.hasDebugInfo = c.debugInfo(mod)
	default:
		if !errors.Is(err, errStale) {
			level.Warn(c.logger).Log("msg", "ignoring symbol cache file", "module", mod.Name, "err", err)
		}
		c.stale.Inc()
		mc.syms = make(map[string]*offsetList)
		mc.hasDebugInfo = c.debugInfo(mod)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.mods[k]; dup {
		level.Warn(c.logger).Log("msg", "duplicate module path: only caching symbols from first", "path", mod.Path)
		return false
	}
	c.mods[k] = mc
	return mc.fromFile
}

// ModuleUnload writes mod's table if it changed and forgets it.
func (c *Cache) ModuleUnload(mod Module) bool {
	return c.save(mod, true)
}

// Save writes mod's table if it changed, keeping it loaded.
func (c *Cache) Save(mod Module) bool {
	return c.save(mod, false)
}

func (c *Cache) save(mod Module, remove bool) bool {
	if mod.Name == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(mod.Path)
	if mc, ok := c.mods[k]; ok {
		c.write(mc)
		if remove {
			delete(c.mods, k)
		}
	}
	return true
}

// Add records offset off for symbol in mod. Offset zero records that the
// symbol does not exist; a later real offset replaces it. Duplicates and
// unknown modules report false.
func (c *Cache) Add(mod Module, symbol string, off uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	mc, ok := c.mods[key(mod.Path)]
	if !ok {
		level.Debug(c.logger).Log("msg", "no cache for module", "module", mod.Name)
		return false
	}
	if !mc.symbol(symbol).add(off) {
		level.Debug(c.logger).Log("msg", "ignoring duplicate entry", "module", mod.Name, "symbol", symbol)
		return false
	}
	if mc.fromFile {
		mc.appended = true
	}
	return true
}

// Lookup returns the idx'th offset of symbol and how many it has. ok is
// false when the symbol is not cached at all. An index past the end yields
// offset zero; so does a negative entry.
func (c *Cache) Lookup(mod Module, symbol string, idx int) (off uint64, count int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mc, found := c.mods[key(mod.Path)]
	if !found {
		c.misses.Inc()
		return 0, 0, false
	}
	l, found := mc.syms[symbol]
	if !found {
		c.misses.Inc()
		return 0, 0, false
	}
	c.hits.Inc()
	off, _ = l.at(idx)
	return off, l.len(), true
}

// IsCached reports whether mod has any entries.
func (c *Cache) IsCached(mod Module) bool {
	return c.hasData(mod, false)
}

// HasDebugInfo reports whether mod has entries and was recorded with
// debug info available.
func (c *Cache) HasDebugInfo(mod Module) bool {
	return c.hasData(mod, true)
}

func (c *Cache) hasData(mod Module, needSyms bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	mc, ok := c.mods[key(mod.Path)]
	return ok && len(mc.syms) > 0 && (!needSyms || mc.hasDebugInfo)
}

// Entries returns mod's symbols sorted by name.
func (c *Cache) Entries(mod Module) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	mc, ok := c.mods[key(mod.Path)]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(mc.syms))
	for name, l := range mc.syms {
		out = append(out, Entry{Symbol: name, Offsets: l.all()})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Symbol, b.Symbol) })
	return out
}

// Close writes every changed table.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mc := range c.mods {
		c.write(mc)
	}
	c.mods = make(map[string]*modCache)
	return nil
}
