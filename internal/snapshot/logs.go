package snapshot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/kolkov/memshadow/internal/logging"
	"github.com/kolkov/memshadow/internal/stackdepot"
)

// maxLogDirTries bounds the search for an unused per-run directory.
const maxLogDirTries = 1000

// Log file names inside a run directory.
const (
	GlobalLog    = "global.log"
	SnapshotLog  = "snapshot.log"
	CallstackLog = "callstack.log"
	StalenessLog = "staleness.log"
	NudgeIndex   = "nudge.idx"
)

// logFile is a buffered log that tracks its own byte offset. A write
// failure is reported once and the file goes quiet.
type logFile struct {
	name   string
	w      *bufio.Writer
	c      io.Closer
	off    int64
	failed bool
	logger log.Logger
}

func newLogFile(name string, w io.Writer, logger log.Logger) *logFile {
	lf := &logFile{name: name, w: bufio.NewWriterSize(w, 64<<10), logger: logger}
	if c, ok := w.(io.Closer); ok {
		lf.c = c
	}
	return lf
}

func (l *logFile) Write(p []byte) (int, error) {
	if l == nil || l.failed {
		return len(p), nil
	}
	n, err := l.w.Write(p)
	l.off += int64(n)
	l.check(err)
	return len(p), nil
}

func (l *logFile) printf(format string, args ...any) {
	if l == nil {
		return
	}
	fmt.Fprintf(l, format, args...)
}

func (l *logFile) check(err error) {
	if err != nil && !l.failed {
		l.failed = true
		level.Warn(l.logger).Log("msg", "log write failed, further output dropped", "file", l.name, "err", err)
	}
}

func (l *logFile) flush() {
	if l == nil || l.failed {
		return
	}
	l.check(l.w.Flush())
}

func (l *logFile) close() error {
	if l == nil {
		return nil
	}
	l.flush()
	if l.c != nil {
		return l.c.Close()
	}
	return nil
}

// LogSet is the set of per-run log files.
type LogSet struct {
	// Dir is the run directory, empty for writer-backed sets.
	Dir string

	global    *logFile
	snapshot  *logFile
	callstack *logFile
	staleness *logFile
	nudge     *logFile
}

// Header describes the run for the global log.
type Header struct {
	App       string
	PID       int
	Version   string
	Dump      bool
	Staleness bool
}

// CreateLogSet makes a fresh run directory <app>.<pid>.<NNN> under base and
// opens the log files in it.
func CreateLogSet(base string, h Header, logger log.Logger) (*LogSet, error) {
	logger = logging.Component(logger, "logs")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create log base %s: %w", base, err)
	}
	var dir string
	for i := 0; ; i++ {
		if i == maxLogDirTries {
			return nil, fmt.Errorf("no free log directory for %s.%d under %s", h.App, h.PID, base)
		}
		dir = filepath.Join(base, fmt.Sprintf("%s.%d.%03d", h.App, h.PID, i))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	ls := &LogSet{Dir: dir}
	open := func(name string) (*logFile, error) {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		return newLogFile(name, f, logger), nil
	}
	var err error
	if ls.global, err = open(GlobalLog); err != nil {
		return nil, err
	}
	if ls.snapshot, err = open(SnapshotLog); err != nil {
		return nil, err
	}
	if ls.callstack, err = open(CallstackLog); err != nil {
		return nil, err
	}
	if h.Staleness {
		if ls.staleness, err = open(StalenessLog); err != nil {
			return nil, err
		}
	}
	if ls.nudge, err = open(NudgeIndex); err != nil {
		return nil, err
	}
	ls.writeHeader(h)
	return ls, nil
}

// NewLogSet wraps existing writers; staleness may be nil.
func NewLogSet(global, snapshot, callstack, staleness, nudge io.Writer, h Header, logger log.Logger) *LogSet {
	logger = logging.Component(logger, "logs")
	ls := &LogSet{
		global:    newLogFile(GlobalLog, global, logger),
		snapshot:  newLogFile(SnapshotLog, snapshot, logger),
		callstack: newLogFile(CallstackLog, callstack, logger),
		nudge:     newLogFile(NudgeIndex, nudge, logger),
	}
	if staleness != nil {
		ls.staleness = newLogFile(StalenessLog, staleness, logger)
	}
	ls.writeHeader(h)
	return ls
}

func (ls *LogSet) writeHeader(h Header) {
	ls.global.printf("process=%d\n", h.PID)
	ls.global.printf("memshadow version %s\n", h.Version)
	ls.global.printf("running %s\n", h.App)
	kind := "constant"
	if h.Dump {
		kind = "variable"
	}
	ls.nudge.printf("%s snapshots\n", kind)
}

// Global is the writer for run-level messages such as leak reports.
func (ls *LogSet) Global() io.Writer {
	if ls == nil {
		return io.Discard
	}
	return ls.global
}

// WriteCallstack records a newly interned callstack in callstack.log.
func (ls *LogSet) WriteCallstack(cs *stackdepot.Callstack) {
	if ls == nil {
		return
	}
	ls.callstack.printf("CALLSTACK %d\n%s", cs.ID, cs.Format())
}

func (ls *LogSet) writeSnapshot(num int, s *Snapshot, idx int, offs uint64, unit string) {
	w := ls.snapshot
	w.printf("SNAPSHOT #%4d @ %16d %s\n", num, s.Stamp+offs, unit)
	w.printf("idx=%d, stamp_offs=%16d\n", idx, offs)
	w.printf("total: %d,%d,%d,%d\n", s.TotMallocs, s.TotBytesAskedFor, s.TotBytesUsable, s.TotBytesOccupied)
	for u := s.Used; u != nil; u = u.Next {
		if u.Instances > 0 {
			w.printf("%d,%d,%d,%d,%d\n", u.Stack.ID, u.Instances, u.BytesAskedFor, u.ExtraUsable, u.ExtraOccupied)
		}
	}
	if ls.staleness != nil {
		ls.staleness.printf("SNAPSHOT #%4d @ %16d %s\n", num, s.Stamp+offs, unit)
		for _, st := range s.Stale {
			ls.staleness.printf("%d,%d,%d\n", st.StackID, st.Bytes, st.LastAccess)
		}
	}
}

func (ls *LogSet) writeNudge(n int, stamp uint64, unit string) {
	if ls == nil {
		return
	}
	for _, f := range []*logFile{ls.snapshot, ls.callstack, ls.staleness} {
		f.printf("NUDGE @ %16d %s\n\n", stamp, unit)
	}
	ls.flush()
	var staleOff int64
	if ls.staleness != nil {
		staleOff = ls.staleness.off
	}
	ls.nudge.printf("%d,%d,%d\n", n, ls.snapshot.off, staleOff)
	ls.global.printf("NUDGE @ %16d %s\n\n", stamp, unit)
	ls.flush()
}

func (ls *LogSet) flush() {
	if ls == nil {
		return
	}
	for _, f := range ls.files() {
		f.flush()
	}
}

func (ls *LogSet) files() []*logFile {
	return []*logFile{ls.global, ls.snapshot, ls.callstack, ls.staleness, ls.nudge}
}

// Flush writes buffered output.
func (ls *LogSet) Flush() { ls.flush() }

// Close ends and closes every file.
func (ls *LogSet) Close() error {
	if ls == nil {
		return nil
	}
	var errs []error
	for _, f := range ls.files() {
		if f != ls.nudge {
			f.printf("LOG END\n")
		}
		if err := f.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", f.name, err))
		}
	}
	return errors.Join(errs...)
}
