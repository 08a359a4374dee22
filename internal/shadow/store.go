package shadow

import (
	"sync"
	"sync/atomic"

	"github.com/kolkov/memshadow/internal/assert"
)

// Store is the shadow memory of one tracked process.
//
// The zero value is not usable; create stores with New.
type Store struct {
	// mu serializes every mutation of the block table and of private block
	// contents. Readers load slot pointers and packed words atomically and
	// never take it.
	mu       sync.Mutex
	table    sync.Map // uint64 (block index) → *slot
	specials [4]*Block
	bits     bitTable

	blocks     atomic.Uint64
	privates   atomic.Uint64
	released   atomic.Uint64
	unshares   atomic.Uint64
	reinstated atomic.Uint64
}

// Stats is a point-in-time view of block table activity.
type Stats struct {
	// Blocks is the number of established block-table slots.
	Blocks uint64
	// PrivateAllocated counts private blocks ever created.
	PrivateAllocated uint64
	// PrivateReleased counts private blocks dropped in favour of a special.
	PrivateReleased uint64
	// Unshares counts copy-on-write materializations of special blocks.
	Unshares uint64
	// Reinstated counts uniform private blocks compacted back to specials.
	Reinstated uint64
	// BitlevelBytes is the size of the bit-level side table.
	BitlevelBytes uint64
}

// New creates an empty store with its four special blocks.
func New() *Store {
	s := &Store{}
	for v := range s.specials {
		s.specials[v] = newSpecial(State(v))
	}
	s.bits.m = make(map[uint64]uint8)
	return s
}

// Stats returns current counters.
func (s *Store) Stats() Stats {
	return Stats{
		Blocks:           s.blocks.Load(),
		PrivateAllocated: s.privates.Load(),
		PrivateReleased:  s.released.Load(),
		Unshares:         s.unshares.Load(),
		Reinstated:       s.reinstated.Load(),
		BitlevelBytes:    uint64(s.bits.n.Load()),
	}
}

func (s *Store) slotFor(addr uint64) *slot {
	v, ok := s.table.Load(addr >> BlockShift)
	if !ok {
		return nil
	}
	return v.(*slot)
}

// establish returns the slot for addr, creating it as unaddressable.
func (s *Store) establish(addr uint64) *slot {
	idx := addr >> BlockShift
	if v, ok := s.table.Load(idx); ok {
		return v.(*slot)
	}
	sl := &slot{}
	sl.p.Store(s.specials[Unaddressable])
	v, loaded := s.table.LoadOrStore(idx, sl)
	if !loaded {
		s.blocks.Add(1)
	}
	return v.(*slot)
}

// unshare makes the slot's block private, copying the special value.
// s.mu must be held.
func (s *Store) unshare(sl *slot) *Block {
	b := sl.p.Load()
	if !b.special {
		return b
	}
	nb := newPrivate(b.value)
	sl.p.Store(nb)
	s.privates.Add(1)
	s.unshares.Add(1)
	return nb
}

// Established reports whether a block backs addr.
func (s *Store) Established(addr uint64) bool {
	return s.slotFor(addr) != nil
}

func (s *Store) getByte(addr uint64) (State, bool) {
	sl := s.slotFor(addr)
	if sl == nil {
		return Unknown, false
	}
	return sl.p.Load().Get(addr & blockMask), true
}

// GetByte returns the state of the byte at addr. It fails only when no
// block backs addr.
func (s *Store) GetByte(addr uint64) (State, bool) {
	v, ok := s.getByte(addr)
	assert.That(ok, "shadow read of unestablished address")
	return v, ok
}

// SetByte stores v for the byte at addr, un-sharing a special block if its
// value differs. Leaving Bitlevel discards the byte's bit mask.
func (s *Store) SetByte(addr uint64, v State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setByte(addr, v)
}

func (s *Store) setByte(addr uint64, v State) bool {
	if !v.Canonical() {
		assert.That(false, "non-canonical shadow value")
		return false
	}
	sl := s.slotFor(addr)
	if sl == nil {
		assert.That(false, "shadow write to unestablished address")
		return false
	}
	b := sl.p.Load()
	if b.special && b.value != v {
		b = s.unshare(sl)
	}
	if !b.special {
		b.Set(addr&blockMask, v)
	}
	if v != Bitlevel {
		s.bits.drop(addr)
	}
	return true
}

// GetDword returns the packed shadow byte of the aligned dword holding addr.
func (s *Store) GetDword(addr uint64) (uint8, bool) {
	sl := s.slotFor(addr)
	if sl == nil {
		assert.That(false, "shadow read of unestablished address")
		return 0, false
	}
	return sl.p.Load().dword(addr & blockMask), true
}

// SetRange sets every byte in [start, end) to v. Blocks wholly inside the
// range become the special block for v; partially covered blocks are
// written in place. Blocks the range touches are established if needed.
func (s *Store) SetRange(start, end uint64, v State) bool {
	if !v.Canonical() {
		assert.That(false, "non-canonical shadow value")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for a := start; a < end; {
		base, hi := span(a, end)
		sl := s.establish(a)
		if a == base && hi-base == BlockSize {
			if old := sl.p.Swap(s.specials[v]); !old.special {
				s.released.Add(1)
			}
		} else if b := sl.p.Load(); !b.special || b.value != v {
			s.unshare(sl).fill(a-base, hi-base, v)
		}
		a = hi
	}
	s.bits.dropRange(start, end)
	return true
}

// Mismatch describes the first byte of a range that failed CheckRange.
type Mismatch struct {
	Addr uint64
	// State is the aggregate state of the aligned dword holding Addr:
	// uniform value, Mixed, or Unknown when no block backs it.
	State State
}

// CheckRange verifies that every byte of [start, start+size) is in state
// expect, stopping at the first byte that is not.
func (s *Store) CheckRange(start, size uint64, expect State) (Mismatch, bool) {
	end := clampEnd(start, size)
	for a := start; a < end; {
		base, hi := span(a, end)
		sl := s.slotFor(a)
		if sl == nil {
			assert.That(false, "shadow check of unestablished range")
			return Mismatch{Addr: a, State: Unknown}, false
		}
		b := sl.p.Load()
		if b.special {
			if b.value != expect {
				return Mismatch{Addr: a, State: b.value}, false
			}
		} else if off, bad := b.firstNot(a-base, hi-base, expect); bad {
			return Mismatch{Addr: base + off, State: dwordState(b.dword(off))}, false
		}
		a = hi
	}
	return Mismatch{}, true
}

// CheckRangeBackward verifies [start-size, start) walking down from start-1
// and returns the highest non-conforming address.
func (s *Store) CheckRangeBackward(start, size uint64, expect State) (uint64, bool) {
	low := uint64(0)
	if size < start {
		low = start - size
	}
	for a := start; a > low; {
		a--
		v, ok := s.getByte(a)
		assert.That(ok, "shadow check of unestablished range")
		if !ok || v != expect {
			return a, false
		}
	}
	return 0, true
}

// NextDword returns the lowest dword-aligned address in [start, end) whose
// four bytes are all in state expect. Blocks without shadow are skipped.
func (s *Store) NextDword(start, end uint64, expect State) (uint64, bool) {
	want := expect.Dword()
	a := (start + 3) &^ 3
	if a < start {
		return 0, false
	}
	for a < end {
		base, hi := span(a, end)
		if sl := s.slotFor(a); sl != nil {
			b := sl.p.Load()
			if b.special {
				if b.value == expect {
					return a, true
				}
			} else {
				for x := a; x < hi; x += 4 {
					if b.dword(x-base) == want {
						return x, true
					}
				}
			}
		}
		a = hi
	}
	return 0, false
}

// PrevDword returns the highest dword-aligned address at or below start,
// and not below end, whose four bytes are all in state expect.
func (s *Store) PrevDword(start, end uint64, expect State) (uint64, bool) {
	want := expect.Dword()
	lowest := (end + 3) &^ 3
	if lowest < end {
		return 0, false
	}
	for a := start &^ 3; a >= lowest; {
		base := a &^ blockMask
		if sl := s.slotFor(a); sl != nil {
			b := sl.p.Load()
			if b.special {
				if b.value == expect {
					return a, true
				}
			} else {
				floor := max(base, lowest)
				for x := a; x >= floor; x -= 4 {
					if b.dword(x-base) == want {
						return x, true
					}
					if x < 4 {
						break
					}
				}
			}
		}
		if base == 0 {
			break
		}
		a = base - 4
	}
	return 0, false
}

// CopyRange copies the shadow of [oldStart, oldStart+size) onto
// [newStart, newStart+size) with memmove semantics. Destination blocks are
// established as needed; a source byte without a block is copied as
// unaddressable and the call reports false.
func (s *Store) CopyRange(oldStart, newStart, size uint64) bool {
	if size == 0 || oldStart == newStart {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	masks := s.bits.collect(oldStart, clampEnd(oldStart, size))
	src := &cursor{s: s}
	dst := &cursor{s: s, write: true}
	ok := true

	aligned := func(i uint64) bool {
		return (oldStart+i)%bytesPerWord == 0 && (newStart+i)%bytesPerWord == 0
	}
	copyWord := func(i uint64) bool {
		from, to := oldStart+i, newStart+i
		sb := src.block(from)
		if sb == nil {
			return false
		}
		db := dst.block(to)
		atomic.StoreUint32(&db.words[(to&blockMask)/bytesPerWord], sb.word(from&blockMask))
		return true
	}
	copyByte := func(i uint64) {
		from, to := oldStart+i, newStart+i
		v := Unaddressable
		if sb := src.block(from); sb != nil {
			v = sb.Get(from & blockMask)
		} else {
			ok = false
		}
		dst.block(to).Set(to&blockMask, v)
	}

	if newStart > oldStart && newStart-oldStart < size {
		// Destination overlaps the source tail: copy from the top down.
		for i := size; i > 0; {
			if i >= bytesPerWord && aligned(i-bytesPerWord) && copyWord(i-bytesPerWord) {
				i -= bytesPerWord
				continue
			}
			i--
			copyByte(i)
		}
	} else {
		for i := uint64(0); i < size; {
			if size-i >= bytesPerWord && aligned(i) && copyWord(i) {
				i += bytesPerWord
				continue
			}
			copyByte(i)
			i++
		}
	}
	assert.That(ok, "shadow copy from unestablished range")

	s.bits.dropRange(newStart, clampEnd(newStart, size))
	for addr, mask := range masks {
		s.bits.put(newStart+(addr-oldStart), mask)
	}
	return ok
}

// word reads the packed word at a 16-aligned offset.
func (b *Block) word(off uint64) uint32 {
	if b.special {
		return b.value.Dqword()
	}
	return atomic.LoadUint32(&b.words[off/bytesPerWord])
}

// cursor caches the slot of the last block visited during a copy.
type cursor struct {
	s     *Store
	write bool
	idx   uint64
	sl    *slot
}

// block returns the block holding addr, un-shared when the cursor writes.
// A read cursor returns nil for unestablished addresses.
func (c *cursor) block(addr uint64) *Block {
	idx := addr >> BlockShift
	if c.sl == nil || c.idx != idx {
		if c.write {
			c.sl = c.s.establish(addr)
		} else {
			c.sl = c.s.slotFor(addr)
		}
		c.idx = idx
		if c.sl == nil {
			return nil
		}
	}
	if c.write {
		return c.s.unshare(c.sl)
	}
	return c.sl.p.Load()
}

func clampEnd(start, size uint64) uint64 {
	end := start + size
	if end < start {
		return ^uint64(0)
	}
	return end
}
