// replay.go implements the 'memshadow replay' command.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/memshadow/heapstat"
	"github.com/kolkov/memshadow/internal/config"
	"github.com/kolkov/memshadow/internal/logging"
	"github.com/kolkov/memshadow/internal/snapshot"
)

// replayConfig holds the replay flags that are not session options.
type replayConfig struct {
	opts       config.Options
	configFile string
	pprofOut   string
	trace      string
}

// replayCommand implements 'memshadow replay'.
//
// The trace is fed event by event to a fresh session. Checked accesses
// that fail and events the session rejects are reported on stdout; they do
// not stop the replay. With --metrics-addr the session's metrics are served
// while the replay runs.
//
// Example:
//
//	memshadow replay --logdir /tmp/runs --staleness trace.txt
func replayCommand(args []string) error {
	cfg, err := parseReplayArgs(args)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := logging.New(os.Stderr, cfg.opts.Verbose)
	return replay(ctx, cfg, os.Stdout, logger)
}

func parseReplayArgs(args []string) (*replayConfig, error) {
	cfg := &replayConfig{opts: config.Default()}
	fs := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "USAGE:\n    memshadow replay [flags] <trace>\n\nFLAGS:")
		fs.PrintDefaults()
	}
	cfg.opts.RegisterFlags(fs)
	fs.StringVar(&cfg.configFile, "config", "", "INI file with session options")
	fs.StringVar(&cfg.pprofOut, "pprof", "", "write the peak snapshot as a pprof heap profile to this file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, errors.New("replay takes exactly one trace file")
	}
	cfg.trace = fs.Arg(0)
	if err := config.Resolve(&cfg.opts, fs, cfg.configFile); err != nil {
		return nil, err
	}
	return cfg, nil
}

func replay(ctx context.Context, cfg *replayConfig, out io.Writer, logger log.Logger) error {
	f, err := os.Open(cfg.trace)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	s, err := heapstat.New(ctx, cfg.opts, heapstat.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, done := context.WithCancel(ctx)
	defer done()
	g, gctx := errgroup.WithContext(ctx)

	r := newReplayer(s, out)
	g.Go(func() error {
		defer done()
		return parseTrace(f, func(ev event) error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return r.apply(ev)
		})
	})
	if cfg.opts.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.opts.MetricsAddr,
			Handler:           promhttp.HandlerFor(s.Registry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			level.Info(logger).Log("msg", "serving metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
	}
	runErr := g.Wait()

	peak := s.Peak()
	live := s.Live()
	chunks := s.LiveChunks()
	if cfg.pprofOut != "" {
		if err := snapshot.WriteProfile(cfg.pprofOut, s.Profile(peak)); err != nil {
			runErr = errors.Join(runErr, err)
		} else {
			fmt.Fprintf(out, "peak profile written to %s\n", cfg.pprofOut)
		}
	}
	closeErr := s.Close()

	r.summarize(live, peak, chunks)
	if dir := s.LogDir(); dir != "" {
		fmt.Fprintf(out, "logs in %s\n", dir)
	}
	return errors.Join(runErr, closeErr)
}

// replayer applies trace events to a session.
type replayer struct {
	s    *heapstat.Session
	out  io.Writer
	mods map[string]heapstat.Module

	events   int
	bad      int
	rejected int
}

func newReplayer(s *heapstat.Session, out io.Writer) *replayer {
	return &replayer{s: s, out: out, mods: make(map[string]heapstat.Module)}
}

// apply runs one event. Only trace-level inconsistencies are errors;
// failures the session reports are printed and counted.
func (r *replayer) apply(ev event) error {
	r.events++
	switch ev.op {
	case opAlloc:
		_, err := r.s.OnAlloc(ev.alloc)
		r.reject(ev, err)
	case opFree:
		r.reject(ev, r.s.OnFree(heapstat.FreeEvent{Start: ev.addr}))
	case opRealloc:
		_, err := r.s.OnRealloc(ev.addr, ev.alloc)
		r.reject(ev, err)
	case opRead:
		r.access(ev, r.s.Read(ev.addr, ev.size))
	case opWrite:
		r.access(ev, r.s.Write(ev.addr, ev.size))
	case opInstrs:
		r.s.CountInstrs(int64(ev.size))
	case opSnapshot:
		r.s.Snapshot()
	case opNudge:
		r.s.Nudge()
	case opReset:
		r.s.ResetToTimeZero(ev.keep)
	case opHeapCreate:
		r.reject(ev, r.s.OnHeapCreate(ev.addr, ev.size))
	case opHeapDestroy:
		n, err := r.s.OnHeapDestroy(ev.addr, ev.size)
		if err == nil && n > 0 {
			fmt.Fprintf(r.out, "line %d: heap destroy freed %d chunk(s)\n", ev.line, n)
		}
		r.reject(ev, err)
	case opModuleLoad:
		r.mods[ev.mod.Path] = ev.mod
		r.s.ModuleLoad(ev.mod)
	case opModuleUnload:
		r.s.ModuleUnload(ev.mod)
		delete(r.mods, ev.mod.Path)
	case opSymbol:
		m, ok := r.mods[ev.mod.Path]
		if !ok {
			return fmt.Errorf("line %d: symbol for unloaded module %s", ev.line, ev.mod.Path)
		}
		r.s.SymbolAdd(m, ev.symbol, ev.addr)
	}
	return nil
}

func (r *replayer) reject(ev event, err error) {
	if err == nil {
		return
	}
	r.rejected++
	fmt.Fprintf(r.out, "line %d: %v\n", ev.line, err)
}

func (r *replayer) access(ev event, bad *heapstat.AccessError) {
	if bad == nil {
		return
	}
	r.bad++
	fmt.Fprintf(r.out, "line %d: %v\n", ev.line, bad)
}

func (r *replayer) summarize(live, peak heapstat.Snapshot, chunks int) {
	fmt.Fprintf(r.out, "%s events, %d bad access(es), %d rejected event(s)\n",
		humanize.Comma(int64(r.events)), r.bad, r.rejected)
	fmt.Fprintf(r.out, "live: %s in %s chunk(s)\n",
		humanize.IBytes(live.TotBytesAskedFor), humanize.Comma(int64(chunks)))
	fmt.Fprintf(r.out, "peak: %s occupied at %d\n", humanize.IBytes(peak.TotBytesOccupied), peak.Stamp)
}
