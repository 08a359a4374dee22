// Package config holds the runtime options of a tracking session.
//
// Options are resolved from three sources, lowest precedence first: the
// built-in defaults, an optional INI file, and command-line flags.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/ini.v1"
)

// Time units accepted by TimeUnit.
const (
	UnitInstrs = "instrs"
	UnitAllocs = "allocs"
	UnitBytes  = "bytes"
	UnitClock  = "clock"
)

// Callstack identity modes accepted by CallstackDigest.
const (
	DigestCRC      = "crc32"
	DigestSHA256   = "sha256"
	DigestVerified = "crc32+sha256"
)

// Options are the tunables of a session. The ini tags double as the flag
// names with underscores replaced by dashes.
type Options struct {
	LogDir  string `ini:"logdir"`
	AppName string `ini:"app_name"`
	Verbose int    `ini:"verbose"`

	UseSymcache     bool   `ini:"use_symcache"`
	SymcacheDir     string `ini:"symcache_dir"`
	SymcacheMinSize uint64 `ini:"symcache_minsize"`

	RedzoneSize       uint64 `ini:"redzone_size"`
	HeaderSize        uint64 `ini:"header_size"`
	DelayFrees        int    `ini:"delay_frees"`
	DelayFreesMaxSize uint64 `ini:"delay_frees_maxsz"`
	CheckLeaks        bool   `ini:"check_leaks"`
	IgnoreEarlyLeaks  bool   `ini:"ignore_early_leaks"`

	Snapshots     int           `ini:"snapshots"`
	Dump          bool          `ini:"dump"`
	DumpFreq      uint64        `ini:"dump_freq"`
	TimeUnit      string        `ini:"time_unit"`
	TimeBase      time.Duration `ini:"time_base"`
	PeakThreshold uint          `ini:"peak_threshold"`
	Staleness     bool          `ini:"staleness"`

	CallstackDigest string `ini:"callstack_digest"`
	MetricsAddr     string `ini:"metrics_addr"`
}

// Default returns the built-in defaults.
func Default() Options {
	return Options{
		LogDir:            ".",
		AppName:           "app",
		UseSymcache:       true,
		SymcacheMinSize:   1000,
		RedzoneSize:       16,
		HeaderSize:        8,
		DelayFrees:        2000,
		DelayFreesMaxSize: 20000000,
		CheckLeaks:        true,
		Snapshots:         64,
		DumpFreq:          1,
		TimeUnit:          UnitAllocs,
		TimeBase:          10 * time.Millisecond,
		PeakThreshold:     2,
		CallstackDigest:   DigestCRC,
	}
}

// RegisterFlags binds every option to a flag in fs. The current field
// values become the flag defaults.
func (o *Options) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.LogDir, "logdir", o.LogDir, "base directory for per-run log directories")
	fs.StringVar(&o.AppName, "app-name", o.AppName, "application name used in the log directory name")
	fs.IntVarP(&o.Verbose, "verbose", "v", o.Verbose, "log verbosity (0 warn, 1 info, 2 debug)")

	fs.BoolVar(&o.UseSymcache, "use-symcache", o.UseSymcache, "cache symbol lookups on disk")
	fs.StringVar(&o.SymcacheDir, "symcache-dir", o.SymcacheDir, "symbol cache directory (default <logdir>/symcache)")
	fs.Uint64Var(&o.SymcacheMinSize, "symcache-minsize", o.SymcacheMinSize, "modules smaller than this are not cached")

	fs.Uint64Var(&o.RedzoneSize, "redzone-size", o.RedzoneSize, "bytes of redzone around each allocation")
	fs.Uint64Var(&o.HeaderSize, "header-size", o.HeaderSize, "allocator header bytes counted as occupied")
	fs.IntVar(&o.DelayFrees, "delay-frees", o.DelayFrees, "number of freed chunks kept in quarantine")
	fs.Uint64Var(&o.DelayFreesMaxSize, "delay-frees-maxsz", o.DelayFreesMaxSize, "maximum bytes kept in quarantine")
	fs.BoolVar(&o.CheckLeaks, "check-leaks", o.CheckLeaks, "report chunks still live at exit")
	fs.BoolVar(&o.IgnoreEarlyLeaks, "ignore-early-leaks", o.IgnoreEarlyLeaks, "do not report chunks that predate tracking")

	fs.IntVar(&o.Snapshots, "snapshots", o.Snapshots, "number of snapshot slots kept in memory")
	fs.BoolVar(&o.Dump, "dump", o.Dump, "dump each snapshot as it is taken instead of keeping a ring")
	fs.Uint64Var(&o.DumpFreq, "dump-freq", o.DumpFreq, "snapshot frequency in time units (dump mode)")
	fs.StringVar(&o.TimeUnit, "time-unit", o.TimeUnit, "snapshot time unit: instrs, allocs, bytes or clock")
	fs.DurationVar(&o.TimeBase, "time-base", o.TimeBase, "length of one clock tick")
	fs.UintVar(&o.PeakThreshold, "peak-threshold", o.PeakThreshold, "percent change required to replace the peak snapshot")
	fs.BoolVar(&o.Staleness, "staleness", o.Staleness, "record last-access stamps of live chunks")

	fs.StringVar(&o.CallstackDigest, "callstack-digest", o.CallstackDigest, "callstack identity: crc32, sha256 or crc32+sha256")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", o.MetricsAddr, "serve Prometheus metrics on this address")
}

// LoadFile overlays the options found in an INI file onto o. Keys live in
// the default (unnamed) section.
func (o *Options) LoadFile(path string) error {
	cfg, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Section("").MapTo(o); err != nil {
		return fmt.Errorf("map config %s: %w", path, err)
	}
	return nil
}

// Resolve applies an INI file underneath the flags already parsed in fs:
// values from the file replace defaults, but flags set explicitly on the
// command line win.
func Resolve(o *Options, fs *pflag.FlagSet, path string) error {
	if path == "" {
		return o.Validate()
	}
	changed := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})
	if err := o.LoadFile(path); err != nil {
		return err
	}
	for name, val := range changed {
		if err := fs.Set(name, val); err != nil {
			return fmt.Errorf("reapply flag --%s: %w", name, err)
		}
	}
	return o.Validate()
}

// Validate reports every inconsistent option.
func (o *Options) Validate() error {
	var errs []error
	switch o.TimeUnit {
	case UnitInstrs, UnitAllocs, UnitBytes, UnitClock:
	default:
		errs = append(errs, fmt.Errorf("unknown time unit %q", o.TimeUnit))
	}
	switch o.CallstackDigest {
	case DigestCRC, DigestSHA256, DigestVerified:
	default:
		errs = append(errs, fmt.Errorf("unknown callstack digest %q", o.CallstackDigest))
	}
	if o.Snapshots < 1 {
		errs = append(errs, errors.New("snapshots must be at least 1"))
	}
	if o.DumpFreq < 1 {
		errs = append(errs, errors.New("dump_freq must be at least 1"))
	}
	if o.DelayFrees < 0 {
		errs = append(errs, errors.New("delay_frees must not be negative"))
	}
	if o.TimeUnit == UnitClock && o.TimeBase <= 0 {
		errs = append(errs, errors.New("time_base must be positive for the clock unit"))
	}
	return errors.Join(errs...)
}
