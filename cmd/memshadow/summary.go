// summary.go implements the 'memshadow summary' command.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/exp/slices"

	"github.com/kolkov/memshadow/heapstat"
	"github.com/kolkov/memshadow/internal/snapshot"
)

// runLog is what summary recovers from a run directory.
type runLog struct {
	Version     string
	App         string
	PID         int
	LeakSummary string

	Snapshots  []snapRecord
	Nudges     int
	Callstacks map[uint32]string
}

// snapRecord is one SNAPSHOT block of snapshot.log.
type snapRecord struct {
	Num      int
	Stamp    uint64
	Unit     string
	Mallocs  uint64
	Asked    uint64
	Usable   uint64
	Occupied uint64
	Rows     []usageRow
}

// usageRow is one per-callstack line of a snapshot.
type usageRow struct {
	Stack         uint32
	Instances     uint64
	Asked         uint64
	ExtraUsable   uint64
	ExtraOccupied uint64
}

func (u usageRow) occupied() uint64 { return u.Asked + u.ExtraUsable + u.ExtraOccupied }

var errLog = errors.New("malformed log")

// summaryCommand implements 'memshadow summary'.
//
// It reads global.log, snapshot.log and callstack.log of one run and prints
// the snapshot series and the callstacks holding most memory at the peak.
//
// Example:
//
//	memshadow summary --top 5 ./app.4242.000
func summaryCommand(args []string) error {
	fs := pflag.NewFlagSet("summary", pflag.ContinueOnError)
	top := fs.Int("top", 10, "callstacks to show for the peak snapshot")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "USAGE:\n    memshadow summary [flags] <run directory>\n\nFLAGS:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("summary takes exactly one run directory")
	}
	rl, err := readRunLog(fs.Arg(0))
	if err != nil {
		return err
	}
	return rl.print(os.Stdout, *top)
}

func readRunLog(dir string) (*runLog, error) {
	rl := &runLog{Callstacks: make(map[uint32]string)}
	steps := []struct {
		name  string
		parse func(*runLog, io.Reader) error
	}{
		{snapshot.GlobalLog, (*runLog).parseGlobal},
		{snapshot.SnapshotLog, (*runLog).parseSnapshots},
		{snapshot.CallstackLog, (*runLog).parseCallstacks},
	}
	for _, step := range steps {
		f, err := os.Open(filepath.Join(dir, step.name))
		if err != nil {
			return nil, err
		}
		err = step.parse(rl, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return rl, nil
}

func (rl *runLog) parseGlobal(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "process="):
			rl.PID, _ = strconv.Atoi(strings.TrimPrefix(line, "process="))
		case strings.HasPrefix(line, "memshadow version "):
			rl.Version = strings.TrimPrefix(line, "memshadow version ")
		case strings.HasPrefix(line, "running "):
			rl.App = strings.TrimPrefix(line, "running ")
		case strings.HasPrefix(line, "LEAK SUMMARY:"):
			rl.LeakSummary = line
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if rl.Version == "" {
		return fmt.Errorf("%w: no version line", errLog)
	}
	if !heapstat.CompatibleLog(rl.Version) {
		return fmt.Errorf("written by version %s, this tool is %s", rl.Version, heapstat.Version)
	}
	return nil
}

func (rl *runLog) parseSnapshots(r io.Reader) error {
	sc := bufio.NewScanner(r)
	var cur *snapRecord
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		switch {
		case line == "" || line == "LOG END" || strings.HasPrefix(line, "idx="):
		case strings.HasPrefix(line, "NUDGE @"):
			rl.Nudges++
		case strings.HasPrefix(line, "SNAPSHOT #"):
			var rec snapRecord
			if _, err := fmt.Sscanf(line, "SNAPSHOT #%d @ %d %s", &rec.Num, &rec.Stamp, &rec.Unit); err != nil {
				return fmt.Errorf("line %d: %w: %v", n, errLog, err)
			}
			rl.Snapshots = append(rl.Snapshots, rec)
			cur = &rl.Snapshots[len(rl.Snapshots)-1]
		case cur == nil:
			return fmt.Errorf("line %d: %w: data before the first snapshot", n, errLog)
		case strings.HasPrefix(line, "total: "):
			v, err := parseUints(strings.TrimPrefix(line, "total: "), 4)
			if err != nil {
				return fmt.Errorf("line %d: %w", n, err)
			}
			cur.Mallocs, cur.Asked, cur.Usable, cur.Occupied = v[0], v[1], v[2], v[3]
		default:
			v, err := parseUints(line, 5)
			if err != nil {
				return fmt.Errorf("line %d: %w", n, err)
			}
			cur.Rows = append(cur.Rows, usageRow{uint32(v[0]), v[1], v[2], v[3], v[4]})
		}
	}
	return sc.Err()
}

func (rl *runLog) parseCallstacks(r io.Reader) error {
	sc := bufio.NewScanner(r)
	var id uint32
	var frames strings.Builder
	flush := func() {
		if id != 0 {
			rl.Callstacks[id] = frames.String()
		}
		frames.Reset()
	}
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "CALLSTACK "):
			flush()
			v, err := strconv.ParseUint(strings.TrimPrefix(line, "CALLSTACK "), 10, 32)
			if err != nil {
				return fmt.Errorf("%w: %q", errLog, line)
			}
			id = uint32(v)
		case strings.HasPrefix(line, "\t") && id != 0:
			frames.WriteString(line)
			frames.WriteByte('\n')
		default:
			flush()
			id = 0
		}
	}
	flush()
	return sc.Err()
}

func parseUints(s string, n int) ([]uint64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("%w: want %d fields in %q", errLog, n, s)
	}
	out := make([]uint64, n)
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", errLog, s)
		}
		out[i] = v
	}
	return out, nil
}

// peak returns the snapshot with the most occupied bytes; the latest wins
// ties.
func (rl *runLog) peak() (snapRecord, bool) {
	if len(rl.Snapshots) == 0 {
		return snapRecord{}, false
	}
	best := rl.Snapshots[0]
	for _, s := range rl.Snapshots[1:] {
		if s.Occupied >= best.Occupied {
			best = s
		}
	}
	return best, true
}

func (rl *runLog) print(w io.Writer, top int) error {
	fmt.Fprintf(w, "%s (pid %d), memshadow %s\n", rl.App, rl.PID, rl.Version)
	fmt.Fprintf(w, "%d snapshot(s), %d nudge(s), %d callstack(s)\n\n",
		len(rl.Snapshots), rl.Nudges, len(rl.Callstacks))

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tstamp\tunit\tmallocs\tasked\toccupied\t")
	for _, s := range rl.Snapshots {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t\n", s.Num, s.Stamp, s.Unit,
			humanize.Comma(int64(s.Mallocs)), humanize.IBytes(s.Asked), humanize.IBytes(s.Occupied))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if p, ok := rl.peak(); ok && len(p.Rows) > 0 {
		rows := slices.Clone(p.Rows)
		slices.SortStableFunc(rows, func(a, b usageRow) int {
			switch {
			case a.occupied() > b.occupied():
				return -1
			case a.occupied() < b.occupied():
				return 1
			}
			return 0
		})
		if top > 0 && len(rows) > top {
			rows = rows[:top]
		}
		fmt.Fprintf(w, "\npeak snapshot #%d: %s occupied\n", p.Num, humanize.IBytes(p.Occupied))
		for _, u := range rows {
			fmt.Fprintf(w, "callstack %d: %s in %s instance(s)\n", u.Stack,
				humanize.IBytes(u.occupied()), humanize.Comma(int64(u.Instances)))
			fmt.Fprint(w, rl.Callstacks[u.Stack])
		}
	}
	if rl.LeakSummary != "" {
		fmt.Fprintf(w, "\n%s\n", rl.LeakSummary)
	}
	return nil
}
