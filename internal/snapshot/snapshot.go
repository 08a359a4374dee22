package snapshot

import "github.com/kolkov/memshadow/internal/stackdepot"

// Snapshot is heap usage at one point in time.
type Snapshot struct {
	Stamp            uint64
	TotMallocs       uint64
	TotBytesAskedFor uint64
	TotBytesUsable   uint64
	TotBytesOccupied uint64

	// Used lists per-callstack usage, most recently created first. Only
	// stacks with live instances appear.
	Used *stackdepot.Usage

	// Stale holds last-access data when staleness tracking is on.
	Stale []StaleEntry
}

// StaleEntry is one live chunk's staleness record.
type StaleEntry struct {
	StackID    uint32
	Bytes      uint64
	LastAccess uint64
}

// StaleSource supplies staleness records. It is called with the allocation
// lock held and must not take it again.
type StaleSource interface {
	StaleEntries(stamp uint64) []StaleEntry
}

// Usages returns the usage list as a slice.
func (s Snapshot) Usages() []*stackdepot.Usage {
	var out []*stackdepot.Usage
	for u := s.Used; u != nil; u = u.Next {
		out = append(out, u)
	}
	return out
}

// Find returns the usage node of callstack id, or nil.
func (s Snapshot) Find(id uint32) *stackdepot.Usage {
	for u := s.Used; u != nil; u = u.Next {
		if u.Stack.ID == id {
			return u
		}
	}
	return nil
}

// isolated returns a deep copy that shares no nodes with s.
func (s *Snapshot) isolated() Snapshot {
	var out Snapshot
	copySnapshot(&out, s, false)
	out.Stale = append([]StaleEntry(nil), s.Stale...)
	return out
}

// copySnapshot replaces dst with a copy of src's totals and usage list.
// A live copy also points each callstack's back-pointers at the new nodes,
// making dst the list that subsequent accounting updates; an isolated copy
// leaves the callstacks alone. Staleness data is not copied.
func copySnapshot(dst, src *Snapshot, live bool) {
	*dst = Snapshot{
		Stamp:            src.Stamp,
		TotMallocs:       src.TotMallocs,
		TotBytesAskedFor: src.TotBytesAskedFor,
		TotBytesUsable:   src.TotBytesUsable,
		TotBytesOccupied: src.TotBytesOccupied,
	}
	var tail *stackdepot.Usage
	for u := src.Used; u != nil; u = u.Next {
		n := &stackdepot.Usage{
			Instances:     u.Instances,
			BytesAskedFor: u.BytesAskedFor,
			ExtraUsable:   u.ExtraUsable,
			ExtraOccupied: u.ExtraOccupied,
			Stack:         u.Stack,
		}
		if tail == nil {
			dst.Used = n
		} else {
			tail.Next = n
		}
		if live {
			u.Stack.Live = n
			u.Stack.PrevLive = tail
		}
		tail = n
	}
}
