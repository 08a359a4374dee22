// trace.go parses the text event traces consumed by 'memshadow replay'.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kolkov/memshadow/heapstat"
)

// opKind is the verb of a trace line.
type opKind int

const (
	opAlloc opKind = iota
	opFree
	opRealloc
	opRead
	opWrite
	opInstrs
	opSnapshot
	opNudge
	opReset
	opHeapCreate
	opHeapDestroy
	opModuleLoad
	opModuleUnload
	opSymbol
)

// event is one parsed trace line. Which fields are meaningful depends on op.
//
// Trace syntax, one event per line, '#' starts a comment:
//
//	alloc <start> <size> [usable=N] [zeroed] [early] [@ frame...]
//	free <start>
//	realloc <old> <new> <size> [usable=N] [@ frame...]
//	read <addr> <size>
//	write <addr> <size>
//	instrs <n>
//	snapshot
//	nudge
//	reset [keep]
//	heap create|destroy <start> <end>
//	module load|unload <path> <start> <end> [size=N]
//	sym <module-path> <name> <offset>
//
// A frame is a PC (0x401000), a module offset (libc.so+0x1234) or both
// joined by a colon (0x401000:libc.so+0x1234). Numbers accept 0x, 0o and
// 0b prefixes.
type event struct {
	line int
	op   opKind

	alloc heapstat.AllocEvent
	addr  uint64
	size  uint64
	keep  bool

	mod    heapstat.Module
	symbol string
}

var errTrace = errors.New("bad trace line")

// parseTrace calls fn for every event in r, stopping at the first parse
// error or the first error fn returns.
func parseTrace(r io.Reader, fn func(event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		text, _, _ := strings.Cut(sc.Text(), "#")
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		ev, err := parseEvent(fields)
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		ev.line = n
		if err := fn(ev); err != nil {
			return err
		}
	}
	return sc.Err()
}

func parseEvent(f []string) (event, error) {
	var ev event
	var err error
	args := f[1:]
	switch f[0] {
	case "alloc":
		ev.op = opAlloc
		if len(args) < 2 {
			return ev, fmt.Errorf("%w: alloc needs a start and a size", errTrace)
		}
		ev.alloc, err = parseAlloc(args[0], args[1], args[2:])
	case "free":
		ev.op = opFree
		ev.addr, err = parseArgs1(f[0], args)
	case "realloc":
		ev.op = opRealloc
		if len(args) < 3 {
			return ev, fmt.Errorf("%w: realloc needs old start, new start and size", errTrace)
		}
		if ev.addr, err = parseNum(args[0]); err != nil {
			return ev, err
		}
		ev.alloc, err = parseAlloc(args[1], args[2], args[3:])
	case "read", "write":
		ev.op = opRead
		if f[0] == "write" {
			ev.op = opWrite
		}
		ev.addr, ev.size, err = parseArgs2(f[0], args)
	case "instrs":
		ev.op = opInstrs
		ev.size, err = parseArgs1(f[0], args)
	case "snapshot":
		ev.op = opSnapshot
	case "nudge":
		ev.op = opNudge
	case "reset":
		ev.op = opReset
		ev.keep = len(args) > 0 && args[0] == "keep"
	case "heap":
		if len(args) != 3 {
			return ev, fmt.Errorf("%w: heap needs create|destroy, start and end", errTrace)
		}
		switch args[0] {
		case "create":
			ev.op = opHeapCreate
		case "destroy":
			ev.op = opHeapDestroy
		default:
			return ev, fmt.Errorf("%w: unknown heap action %q", errTrace, args[0])
		}
		ev.addr, ev.size, err = parseArgs2(f[0], args[1:])
	case "module":
		if len(args) < 4 {
			return ev, fmt.Errorf("%w: module needs load|unload, path, start and end", errTrace)
		}
		switch args[0] {
		case "load":
			ev.op = opModuleLoad
		case "unload":
			ev.op = opModuleUnload
		default:
			return ev, fmt.Errorf("%w: unknown module action %q", errTrace, args[0])
		}
		ev.mod, err = parseModule(args[1], args[2], args[3], args[4:])
	case "sym":
		ev.op = opSymbol
		if len(args) != 3 {
			return ev, fmt.Errorf("%w: sym needs module, name and offset", errTrace)
		}
		ev.mod.Path = args[0]
		ev.symbol = args[1]
		ev.addr, err = parseNum(args[2])
	default:
		return ev, fmt.Errorf("%w: unknown event %q", errTrace, f[0])
	}
	return ev, err
}

func parseAlloc(start, size string, rest []string) (heapstat.AllocEvent, error) {
	var ev heapstat.AllocEvent
	s, err := parseNum(start)
	if err != nil {
		return ev, err
	}
	n, err := parseNum(size)
	if err != nil {
		return ev, err
	}
	ev.Start, ev.End = s, s+n
	for i, arg := range rest {
		switch {
		case arg == "zeroed":
			ev.Zeroed = true
		case arg == "early":
			ev.PreExisting = true
		case strings.HasPrefix(arg, "usable="):
			u, err := parseNum(strings.TrimPrefix(arg, "usable="))
			if err != nil {
				return ev, err
			}
			if u < n {
				return ev, fmt.Errorf("%w: usable size %d below requested %d", errTrace, u, n)
			}
			ev.RealEnd = s + u
		case arg == "@":
			ev.Frames, err = parseFrames(rest[i+1:])
			return ev, err
		default:
			return ev, fmt.Errorf("%w: unknown alloc attribute %q", errTrace, arg)
		}
	}
	return ev, nil
}

func parseFrames(args []string) ([]heapstat.Frame, error) {
	frames := make([]heapstat.Frame, 0, len(args))
	for _, arg := range args {
		var fr heapstat.Frame
		pc, sym, hasSym := strings.Cut(arg, ":")
		if !hasSym && strings.Contains(arg, "+") {
			pc, sym, hasSym = "", arg, true
		}
		if pc != "" {
			v, err := parseNum(pc)
			if err != nil {
				return nil, err
			}
			fr.PC = v
		}
		if hasSym {
			mod, off, ok := strings.Cut(sym, "+")
			if !ok || mod == "" {
				return nil, fmt.Errorf("%w: bad frame %q", errTrace, arg)
			}
			v, err := parseNum(off)
			if err != nil {
				return nil, err
			}
			fr.Module, fr.Offset = mod, v
		}
		frames = append(frames, fr)
	}
	return frames, nil
}

func parseModule(path, start, end string, rest []string) (heapstat.Module, error) {
	m := heapstat.Module{Path: path, Name: filepath.Base(path)}
	var err error
	if m.Start, err = parseNum(start); err != nil {
		return m, err
	}
	if m.End, err = parseNum(end); err != nil {
		return m, err
	}
	for _, arg := range rest {
		v, ok := strings.CutPrefix(arg, "size=")
		if !ok {
			return m, fmt.Errorf("%w: unknown module attribute %q", errTrace, arg)
		}
		if m.FileSize, err = parseNum(v); err != nil {
			return m, err
		}
	}
	return m, nil
}

func parseArgs1(op string, args []string) (uint64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%w: %s takes one argument", errTrace, op)
	}
	return parseNum(args[0])
}

func parseArgs2(op string, args []string) (uint64, uint64, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("%w: %s takes two arguments", errTrace, op)
	}
	a, err := parseNum(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := parseNum(args[1])
	return a, b, err
}

func parseNum(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", errTrace, s)
	}
	return v, nil
}
