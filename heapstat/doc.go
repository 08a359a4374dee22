// Package heapstat is the public API of the memshadow heap profiler.
//
// A [Session] owns every table of one profiling run: the shadow memory
// store, the callstack depot, the heap chunk tracker, the snapshot engine
// and the symbol cache. Nothing is process-global, so several sessions can
// run side by side, which is how the tests use it.
//
// # Quick Start
//
// The allocator and instrumentation hooks of the host report events to the
// session:
//
//	s, err := heapstat.New(ctx, heapstat.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	id, err := s.OnAlloc(heapstat.AllocEvent{Start: p, End: p + n, Frames: frames})
//	...
//	if bad := s.Read(p, 8); bad != nil {
//		fmt.Println(bad)
//	}
//	...
//	err = s.OnFree(heapstat.FreeEvent{Start: p})
//
// # Output
//
// With a log directory configured, each run writes into a fresh
// subdirectory <app>.<pid>.<NNN>:
//   - global.log: run header, leak reports, nudge markers
//   - snapshot.log: the peak and the retained snapshots
//   - callstack.log: every allocation callstack, by id
//   - staleness.log: last-access stamps per live chunk (optional)
//   - nudge.idx: byte offsets of each externally requested dump
//
// The memshadow command post-processes these files.
//
// # Time Units
//
// Snapshots are spaced in instructions (reported through
// [Session.CountInstrs]), allocations, bytes allocated and freed, or
// wall-clock ticks driven by a background goroutine. In the default mode
// a fixed ring of snapshots covers the whole run by doubling the interval
// whenever the ring fills; in dump mode every snapshot is written out as
// it is taken. The peak snapshot is tracked in both.
package heapstat
