package heapstat

import (
	"fmt"

	"github.com/kolkov/memshadow/internal/shadow"
)

// AccessKind tells reads from writes.
type AccessKind int

const (
	// AccessRead is a load.
	AccessRead AccessKind = iota
	// AccessWrite is a store.
	AccessWrite
)

// String returns the string representation of an AccessKind.
func (a AccessKind) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "unknown"
	}
}

// AccessError describes the first bad byte of a checked access.
type AccessError struct {
	Kind AccessKind
	Addr uint64
	Size uint64

	// Bad is the first offending address and State its shadow value.
	Bad   uint64
	State State

	// Freed is set when Bad lies in a chunk still held in the delayed-free
	// quarantine.
	Freed *Chunk
}

func (e *AccessError) Error() string {
	what := "uninitialized"
	switch {
	case e.Freed != nil:
		what = "use-after-free"
	case e.State == Unaddressable:
		what = "unaddressable"
	}
	msg := fmt.Sprintf("%s %s of %d byte(s) at 0x%x (first bad byte 0x%x, %s)",
		what, e.Kind, e.Size, e.Addr, e.Bad, e.State)
	if e.Freed != nil {
		msg += fmt.Sprintf(": inside freed chunk 0x%x-0x%x", e.Freed.Start, e.Freed.End)
		if e.Freed.Stack != nil {
			msg += fmt.Sprintf(" allocated at callstack %d", e.Freed.Stack.ID)
		}
	}
	return msg
}

// tracked reports whether the shadow of [addr, addr+size) is established;
// accesses elsewhere are not checked.
func (s *Session) tracked(addr, size uint64) bool {
	if size == 0 {
		return false
	}
	for a := addr &^ (shadow.BlockSize - 1); a < addr+size; a += shadow.BlockSize {
		if !s.store.Established(a) {
			return false
		}
	}
	return true
}

// Read checks an application load of size bytes at addr. Every byte must
// be defined. The access also refreshes the staleness stamp of the chunk
// it falls in.
func (s *Session) Read(addr, size uint64) *AccessError {
	s.touch(addr)
	if !s.tracked(addr, size) {
		return nil
	}
	if m, ok := s.store.CheckRange(addr, size, shadow.Defined); !ok {
		return s.accessError(AccessRead, addr, size, m.Addr)
	}
	return nil
}

// Write checks an application store of size bytes at addr. Every byte must
// be addressable; on success the bytes become defined.
func (s *Session) Write(addr, size uint64) *AccessError {
	s.touch(addr)
	if !s.tracked(addr, size) {
		return nil
	}
	for a := addr; a < addr+size; a++ {
		if v, _ := s.store.GetByte(a); v == shadow.Unaddressable {
			return s.accessError(AccessWrite, addr, size, a)
		}
	}
	s.store.SetRange(addr, addr+size, shadow.Defined)
	return nil
}

func (s *Session) accessError(kind AccessKind, addr, size, bad uint64) *AccessError {
	v, _ := s.store.GetByte(bad)
	e := &AccessError{Kind: kind, Addr: addr, Size: size, Bad: bad, State: v}
	if v == shadow.Unaddressable {
		if c, ok := s.heap.OverlapsDelayedFree(bad, bad+1); ok {
			e.Freed = &c
		}
	}
	s.badAccesses.Inc()
	return e
}

func (s *Session) touch(addr uint64) {
	if s.opts.Staleness {
		s.heap.Touch(addr, s.engine.Stamp())
	}
}
