// symquery.go implements the 'memshadow symquery' command.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/spf13/pflag"

	"github.com/kolkov/memshadow/heapstat"
	"github.com/kolkov/memshadow/internal/logging"
	"github.com/kolkov/memshadow/internal/symcache"
)

type symqueryConfig struct {
	dir     string
	name    string
	size    uint64
	symbol  string
	verbose int
	module  string
}

// symqueryCommand implements 'memshadow symquery'.
//
// The cache file is checked against the module the same way a session
// checks it at load time, so a stale file prints nothing. Without --size
// the module file must exist so its size can be read.
//
// Example:
//
//	memshadow symquery --dir ./symcache --symbol malloc /lib/libc.so.6
func symqueryCommand(args []string) error {
	var cfg symqueryConfig
	fs := pflag.NewFlagSet("symquery", pflag.ContinueOnError)
	fs.StringVar(&cfg.dir, "dir", "symcache", "symbol cache directory")
	fs.StringVar(&cfg.name, "name", "", "module name used for the cache file (default base name of the path)")
	fs.Uint64Var(&cfg.size, "size", 0, "module file size (default size of the file at the path)")
	fs.StringVar(&cfg.symbol, "symbol", "", "print only this symbol")
	fs.IntVarP(&cfg.verbose, "verbose", "v", 0, "log verbosity")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "USAGE:\n    memshadow symquery [flags] <module path>\n\nFLAGS:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("symquery takes exactly one module path")
	}
	cfg.module = fs.Arg(0)
	return symquery(cfg, os.Stdout, logging.New(os.Stderr, cfg.verbose))
}

func symquery(cfg symqueryConfig, out io.Writer, logger log.Logger) error {
	c, err := symcache.New(cfg.dir, symcache.WithMinModuleSize(0), symcache.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	mod := heapstat.Module{Path: cfg.module, Name: cfg.name, FileSize: cfg.size, End: 1}
	if mod.Name == "" {
		mod.Name = filepath.Base(cfg.module)
	}
	if !c.ModuleLoad(mod) {
		return fmt.Errorf("no usable symbol cache for %s in %s", mod.Name, cfg.dir)
	}
	dbg := "without"
	if c.HasDebugInfo(mod) {
		dbg = "with"
	}
	fmt.Fprintf(out, "%s: cache format %d, %s debug info\n", mod.Name, symcache.Version, dbg)

	if cfg.symbol != "" {
		off, n, ok := c.Lookup(mod, cfg.symbol, 0)
		if !ok {
			return fmt.Errorf("%s not cached for %s", cfg.symbol, mod.Name)
		}
		printSymbol(out, cfg.symbol, off, n, func(i int) uint64 {
			v, _, _ := c.Lookup(mod, cfg.symbol, i)
			return v
		})
		return nil
	}
	for _, e := range c.Entries(mod) {
		printSymbol(out, e.Symbol, e.Offsets[0], len(e.Offsets), func(i int) uint64 { return e.Offsets[i] })
	}
	return nil
}

func printSymbol(out io.Writer, name string, first uint64, n int, at func(int) uint64) {
	if n == 1 && first == 0 {
		fmt.Fprintf(out, "%s: not present\n", name)
		return
	}
	fmt.Fprintf(out, "%s: 0x%x", name, first)
	for i := 1; i < n; i++ {
		fmt.Fprintf(out, ", 0x%x", at(i))
	}
	fmt.Fprintln(out)
}
