package symcache

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-kit/log/level"
	"golang.org/x/exp/slices"
)

const (
	fileHeader = "Dr. Memory symbol cache version"

	// Version is the on-disk format version. Files of any other version
	// are ignored.
	Version = 10

	sizeDigits  = 10
	maxTmpTries = 1000
)

var (
	errCorrupt = errors.New("symbol cache file is corrupted")
	errVersion = errors.New("symbol cache file has wrong version")
	errHeader  = errors.New("symbol cache file has bad consistency header")
	errStale   = errors.New("symbol cache file is stale")
)

func (c *Cache) fileFor(name string) string {
	return filepath.Join(c.dir, name+".txt")
}

// consistency renders the module identity fields of the second line,
// after the file size.
func consistency(fileSize uint64, pe *PEInfo) string {
	if pe == nil {
		return strconv.FormatUint(fileSize, 10)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", fileSize, pe.FileVersion, pe.ProductVersion,
		pe.Checksum, pe.Timestamp, pe.InternalSize)
}

// read loads the cache file for mod into mc. A nil error means the file
// was trusted; entries read before a malformed line are kept.
func (c *Cache) read(mod Module, mc *modCache) error {
	data, err := os.ReadFile(c.fileFor(mc.name))
	if err != nil {
		return err
	}
	text := string(data)
	if !strings.HasPrefix(text, fileHeader) {
		return errCorrupt
	}
	first, rest, _ := strings.Cut(text, "\n")
	v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(first, fileHeader)))
	if err != nil || v != Version {
		return errVersion
	}

	line, rest, _ := strings.Cut(rest, "\n")
	sizeField, ident, ok := strings.Cut(line, ",")
	if !ok {
		return errHeader
	}
	cacheSize, err := strconv.ParseUint(strings.TrimSpace(sizeField), 10, 64)
	if err != nil {
		return errHeader
	}
	if want := consistency(mc.fileSize, mc.pe); ident != want {
		if strings.Count(ident, ",") != strings.Count(want, ",") {
			return errHeader
		}
		level.Debug(c.logger).Log("msg", "module version mismatch", "module", mc.name, "cached", ident, "current", want)
		return errStale
	}
	if cacheSize != uint64(len(data)) {
		return errCorrupt
	}

	line, rest, _ = strings.Cut(rest, "\n")
	dbg, err := strconv.ParseUint(strings.TrimSpace(line), 10, 32)
	if err != nil {
		return errHeader
	}
	if dbg != 0 {
		mc.hasDebugInfo = true
	} else if c.debugInfo(mod) {
		level.Debug(c.logger).Log("msg", "module now has debug info", "module", mc.name)
		return errStale
	}

	var symbol string
	for rest != "" {
		line, rest, _ = strings.Cut(rest, "\n")
		name, off, ok := parseLine(line)
		if ok && name != "" {
			symbol = name
		}
		if !ok || symbol == "" {
			// A header in the middle of the file means two writers raced;
			// nothing after this point can be trusted.
			level.Warn(c.logger).Log("msg", "malformed symbol cache line", "module", mc.name, "line", line)
			break
		}
		mc.symbol(symbol).add(off)
	}
	return nil
}

// parseLine splits "name,0xhex" on its last ",0x" so names that contain
// commas survive. An empty name continues the previous symbol.
func parseLine(line string) (string, uint64, bool) {
	i := strings.LastIndex(line, ",0x")
	if i < 0 {
		return "", 0, false
	}
	off, err := strconv.ParseUint(strings.TrimSpace(line[i+3:]), 16, 64)
	if err != nil {
		return "", 0, false
	}
	return line[:i], off, true
}

// pendingFile is a cache file being written under a temporary name. The
// file size field is a fixed-width placeholder until finalize patches it.
type pendingFile struct {
	f      *os.File
	w      *bufio.Writer
	tmp    string
	sizeAt int64
}

func createPending(final string) (*pendingFile, error) {
	var lastErr error
	for i := 0; i < maxTmpTries; i++ {
		tmp := fmt.Sprintf("%s.%04d.tmp", final, i)
		f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return &pendingFile{f: f, w: bufio.NewWriter(f), tmp: tmp}, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("create temp file for %s: %w", final, lastErr)
}

// finalize flushes, patches the total size into the placeholder and
// renames the file over final.
func (p *pendingFile) finalize(final string) (err error) {
	defer func() {
		if err != nil {
			p.f.Close()
			os.Remove(p.tmp)
		}
	}()
	if err = p.w.Flush(); err != nil {
		return err
	}
	size, err := p.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	field := fmt.Sprintf("%*d", sizeDigits, size)
	if len(field) != sizeDigits {
		return fmt.Errorf("file size %d does not fit the size field", size)
	}
	if _, err = p.f.WriteAt([]byte(field), p.sizeAt); err != nil {
		return err
	}
	if err = p.f.Close(); err != nil {
		return err
	}
	return os.Rename(p.tmp, final)
}

// write stores mc unless it came unchanged from disk or is empty.
func (c *Cache) write(mc *modCache) {
	if (mc.fromFile && !mc.appended) || len(mc.syms) == 0 {
		return
	}
	final := c.fileFor(mc.name)
	p, err := createPending(final)
	if err != nil {
		level.Warn(c.logger).Log("msg", "unable to create symbol cache temp file", "err", err)
		return
	}

	header := fmt.Sprintf("%s %d\n", fileHeader, Version)
	p.sizeAt = int64(len(header))
	p.w.WriteString(header)
	fmt.Fprintf(p.w, "%*d,%s\n", sizeDigits, 0, consistency(mc.fileSize, mc.pe))
	debugInfo := 0
	if mc.hasDebugInfo {
		debugInfo = 1
	}
	fmt.Fprintf(p.w, "%d\n", debugInfo)

	names := make([]string, 0, len(mc.syms))
	for name := range mc.syms {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		// Only the first offset line carries the name.
		p.w.WriteString(name)
		for _, off := range mc.syms[name].all() {
			fmt.Fprintf(p.w, ",0x%x\n", off)
		}
	}

	if err := p.finalize(final); err != nil {
		level.Warn(c.logger).Log("msg", "unable to write symbol cache file", "file", final, "err", err)
		return
	}
	mc.fromFile = true
	mc.appended = false
	c.writes.Inc()
}
