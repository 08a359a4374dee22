package heap

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

// LeakOptions controls ReportLeaks.
type LeakOptions struct {
	// IgnoreEarly skips chunks that were live before tracking began.
	IgnoreEarly bool

	// Frames appends each leak's callstack frames after the record.
	Frames bool
}

// LeakSummary totals one ReportLeaks call.
type LeakSummary struct {
	Leaks   int
	Bytes   uint64
	Ignored int
}

// LeakReport is one chunk still live at exit.
type LeakReport struct {
	// Number is the 1-based error number within the report.
	Number int

	Chunk Chunk

	// Indirect is the size of chunks reachable only through this one. The
	// tracker does no reachability scan, so it is always zero here.
	Indirect uint64
}

// Format writes the record in the global log's error format:
//
//	Error #1: LEAK 16 direct bytes 0x1000-0x1010 + 0 indirect bytes
//		callstack=3
//		error end
//
//nolint:errcheck // report output is best effort
func (r *LeakReport) Format(w io.Writer) {
	c := &r.Chunk
	var id uint32
	if c.Stack != nil {
		id = c.Stack.ID
	}
	fmt.Fprintf(w, "Error #%d: LEAK %d direct bytes 0x%x-0x%x + %d indirect bytes\n\tcallstack=%d\n\terror end\n",
		r.Number, c.Size(), c.Start, c.End, r.Indirect, id)
}

// String returns the formatted record.
func (r *LeakReport) String() string {
	var buf strings.Builder
	r.Format(&buf)
	return buf.String()
}

// Leaks returns a report for every live chunk in address order.
func (t *Tracker) Leaks(opts LeakOptions) (reports []LeakReport, ignored int) {
	t.Range(func(c Chunk) bool {
		if opts.IgnoreEarly && c.PreExisting {
			ignored++
			return true
		}
		reports = append(reports, LeakReport{Number: len(reports) + 1, Chunk: c})
		return true
	})
	return reports, ignored
}

// ReportLeaks writes a leak record for every chunk still live, followed by
// a one-line total.
//
//nolint:errcheck // report output is best effort
func (t *Tracker) ReportLeaks(w io.Writer, opts LeakOptions) LeakSummary {
	reports, ignored := t.Leaks(opts)
	sum := LeakSummary{Leaks: len(reports), Ignored: ignored}
	for i := range reports {
		r := &reports[i]
		r.Format(w)
		if opts.Frames && r.Chunk.Stack != nil {
			fmt.Fprint(w, r.Chunk.Stack.Format())
		}
		sum.Bytes += r.Chunk.Size()
	}
	fmt.Fprintf(w, "LEAK SUMMARY: %d leak(s) totalling %s (%d bytes)", sum.Leaks, humanize.IBytes(sum.Bytes), sum.Bytes)
	if sum.Ignored > 0 {
		fmt.Fprintf(w, ", %d early allocation(s) ignored", sum.Ignored)
	}
	fmt.Fprintln(w)
	return sum
}
