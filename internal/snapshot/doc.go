// Package snapshot accounts live heap usage per callstack and records it
// over time.
//
// The engine keeps the current ("live") usage list plus a history of
// snapshots taken on a configurable trigger: executed instructions,
// allocation events, bytes allocated or freed, or wall-clock ticks. Two
// storage policies are supported:
//
//   - Fixed ring: N in-memory slots. Each time the ring wraps the trigger
//     interval doubles and only slots whose stamp is not a multiple of the
//     new interval are overwritten, so the ring always spans the whole run
//     at progressively coarser resolution.
//   - Dump as you go: every snapshot is written to snapshot.log when taken
//     and the live list simply continues.
//
// A separate peak snapshot is refreshed whenever live occupancy exceeds it
// by a configurable margin.
//
// Locking: callers of AccountAlloc, AccountFree, AccountPost and
// CheckForPeak must hold the allocation lock handed to the engine with
// WithAllocLock. Entry points that are not driven by the allocator (Tick,
// CountInstrs, Snapshot, DumpAll, Nudge, ResetToTimeZero) acquire it
// themselves. The engine's own lock is always taken second.
package snapshot
